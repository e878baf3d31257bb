// Package storage defines the uniform object-store interface every backend
// (S3-compatible, local filesystem, in-memory) implements.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Location addresses one object in one backend
type Location struct {
	Backend string `json:"backend"`
	Region  string `json:"region"`
	Bucket  string `json:"bucket"`
	Key     string `json:"key"`
}

func (l Location) String() string {
	return fmt.Sprintf("%s://%s/%s/%s", l.Backend, l.Region, l.Bucket, l.Key)
}

// WithKey returns a copy of the location pointing at another key
func (l Location) WithKey(key string) Location {
	l.Key = key
	return l
}

// ObjectInfo is the result of Head and List
type ObjectInfo struct {
	Location
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	ETag         string    `json:"etag,omitempty"`
}

// Store is the narrow object-store interface. Implementations return an
// error wrapping drerrors.ErrNotFound for missing objects.
type Store interface {
	Put(ctx context.Context, loc Location, body io.Reader, size int64) error
	Get(ctx context.Context, loc Location) (io.ReadCloser, error)
	Delete(ctx context.Context, loc Location) error
	Head(ctx context.Context, loc Location) (ObjectInfo, error)
}

// Lister is implemented by stores that can enumerate a bucket prefix
type Lister interface {
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
}

// Pinger is implemented by stores that can cheaply check reachability
type Pinger interface {
	Ping(ctx context.Context) error
}
