package s3

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/supporttools/GoDRGuard/pkg/storage"
)

// PresignGet creates a presigned URL for downloading an artifact
func (c *Client) PresignGet(ctx context.Context, loc storage.Location, expiry time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(c.s3Client)

	result, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket(loc)),
		Key:    aws.String(loc.Key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	c.log.Infof("Generated presigned URL for %s (expires in %s)", loc, expiry)
	return result.URL, nil
}
