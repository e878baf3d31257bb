package s3

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/storage"
)

func TestClassify(t *testing.T) {
	err := classify("get", fmt.Errorf("wrapped: %w", &types.NoSuchKey{}))
	assert.ErrorIs(t, err, drerrors.ErrNotFound)

	err = classify("put", errors.New("connection reset"))
	assert.Equal(t, drerrors.ClassTransient, drerrors.ClassOf(err))
	assert.Equal(t, "put", drerrors.StageOf(err))
}

func TestPresignUsesCustomEndpoint(t *testing.T) {
	cfg := config.S3Config{
		Name:      "minio",
		Bucket:    "dr",
		Region:    "us-east-1",
		Endpoint:  "http://minio.local:9000",
		AccessKey: "access",
		SecretKey: "secret",
	}
	c, err := NewClient(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)

	u, err := c.PresignGet(context.Background(), storage.Location{Bucket: "dr", Key: "full/b1"}, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "http://minio.local:9000/dr/full/b1"), u)
}
