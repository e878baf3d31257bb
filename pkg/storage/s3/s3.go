// Package s3 stores backup artifacts in S3 or any S3-compatible endpoint
// (MinIO, GCS interoperability, Ceph).
package s3

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/storage"
)

// Client represents an S3 client bound to one configured backend
type Client struct {
	s3Client *s3.Client
	cfg      config.S3Config
	log      *logrus.Entry
}

// NewClient creates a new S3 client
func NewClient(ctx context.Context, cfg config.S3Config, logger *logrus.Logger) (*Client, error) {
	s3Client, err := newS3Client(ctx, cfg, logger)
	if err != nil {
		return nil, drerrors.Configuration("s3 "+cfg.Name, fmt.Errorf("failed to initialize S3 client: %w", err))
	}

	return &Client{
		s3Client: s3Client,
		cfg:      cfg,
		log:      logger.WithFields(logrus.Fields{"component": "s3", "backend": cfg.Name}),
	}, nil
}

// newS3Client initializes an S3 client based on configuration
func newS3Client(ctx context.Context, cfg config.S3Config, logger *logrus.Logger) (*s3.Client, error) {
	httpClient := &http.Client{}

	if cfg.UseSSL {
		tlsConfig := &tls.Config{}

		if cfg.CustomCAPath != "" && !cfg.SkipCertValidation {
			rootCAs, _ := x509.SystemCertPool()
			if rootCAs == nil {
				rootCAs = x509.NewCertPool()
			}

			caCert, err := os.ReadFile(cfg.CustomCAPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read custom CA certificate: %w", err)
			}

			if ok := rootCAs.AppendCertsFromPEM(caCert); !ok {
				return nil, fmt.Errorf("failed to append custom CA certificate")
			}

			tlsConfig.RootCAs = rootCAs
			logger.Infof("Using custom CA certificate from %s for %s", cfg.CustomCAPath, cfg.Name)
		}

		if cfg.SkipCertValidation {
			tlsConfig.InsecureSkipVerify = true
			logger.Warnf("Warning: TLS certificate validation is disabled for S3 backend %s", cfg.Name)
		}

		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	sdkOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithHTTPClient(httpClient),
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		sdkOptions = append(sdkOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, sdkOptions...)
	if err != nil {
		return nil, fmt.Errorf("AWS SDK config initialization error: %w", err)
	}

	s3Options := []func(*s3.Options){
		func(o *s3.Options) {
			o.UsePathStyle = cfg.PathStyle || cfg.Endpoint != ""
		},
	}
	if cfg.Endpoint != "" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
		logger.Debugf("S3 backend %s using endpoint %s (region %s)", cfg.Name, cfg.Endpoint, cfg.Region)
	}

	return s3.NewFromConfig(awsCfg, s3Options...), nil
}

func (c *Client) bucket(loc storage.Location) string {
	if loc.Bucket != "" {
		return loc.Bucket
	}
	return c.cfg.Bucket
}

// Put uploads an object
func (c *Client) Put(ctx context.Context, loc storage.Location, body io.Reader, size int64) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(c.bucket(loc)),
		Key:    aws.String(loc.Key),
		Body:   body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}

	c.log.Debugf("PutObject bucket=%s key=%s size=%d", *input.Bucket, loc.Key, size)
	if _, err := c.s3Client.PutObject(ctx, input); err != nil {
		c.logURLError(err)
		return classify("put", fmt.Errorf("failed to upload %s: %w", loc, err))
	}
	return nil
}

// Get downloads an object; the caller closes the body
func (c *Client) Get(ctx context.Context, loc storage.Location) (io.ReadCloser, error) {
	out, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket(loc)),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return nil, classify("get", fmt.Errorf("failed to download %s: %w", loc, err))
	}
	return out.Body, nil
}

// Delete removes an object
func (c *Client) Delete(ctx context.Context, loc storage.Location) error {
	_, err := c.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket(loc)),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return classify("delete", fmt.Errorf("failed to delete %s: %w", loc, err))
	}
	return nil
}

// Head returns object metadata
func (c *Client) Head(ctx context.Context, loc storage.Location) (storage.ObjectInfo, error) {
	out, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket(loc)),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		return storage.ObjectInfo{}, classify("head", fmt.Errorf("failed to stat %s: %w", loc, err))
	}
	info := storage.ObjectInfo{Location: loc, Size: aws.ToInt64(out.ContentLength), ETag: aws.ToString(out.ETag)}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

// List pages through every object under prefix
func (c *Client) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	if bucket == "" {
		bucket = c.cfg.Bucket
	}
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	var out []storage.ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("list", fmt.Errorf("failed to list s3://%s/%s: %w", bucket, prefix, err))
		}
		for _, obj := range page.Contents {
			info := storage.ObjectInfo{
				Location: storage.Location{Backend: c.cfg.Name, Region: c.cfg.Region, Bucket: bucket, Key: aws.ToString(obj.Key)},
				Size:     aws.ToInt64(obj.Size),
				ETag:     aws.ToString(obj.ETag),
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			out = append(out, info)
		}
	}
	return out, nil
}

// Ping checks that the configured bucket is reachable
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := c.s3Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.cfg.Bucket)})
	if err != nil {
		return drerrors.Environment("s3 "+c.cfg.Name, err)
	}
	return nil
}

func (c *Client) logURLError(err error) {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		c.log.Debugf("URL error: %v, URL: %v, Op: %v", urlErr.Err, urlErr.URL, urlErr.Op)
	}
}

// classify maps SDK errors onto the error taxonomy: missing objects wrap
// ErrNotFound, everything else is a transient infrastructure failure.
func classify(stage string, err error) error {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", drerrors.ErrNotFound, err)
	}
	return drerrors.Transient(stage, err)
}
