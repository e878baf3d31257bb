// Package memory is an in-process object store used by tests and dry runs.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/storage"
)

type object struct {
	data     []byte
	modified time.Time
}

// Store keeps objects in a map keyed by bucket and key
type Store struct {
	mu       sync.Mutex
	objects  map[string]object
	putFails int
	putErr   error
	getFails int
	getErr   error
	pingErr  error
}

// New creates an empty store
func New() *Store {
	return &Store{objects: make(map[string]object)}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

// FailPuts makes the next n Put calls return err
func (s *Store) FailPuts(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putFails, s.putErr = n, err
}

// FailGets makes the next n Get calls return err
func (s *Store) FailGets(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getFails, s.getErr = n, err
}

// SetPingError sets the error returned by Ping
func (s *Store) SetPingError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingErr = err
}

// Corrupt flips the first byte of a stored object
func (s *Store) Corrupt(loc storage.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := objectKey(loc.Bucket, loc.Key)
	if obj, ok := s.objects[k]; ok && len(obj.data) > 0 {
		obj.data[0] ^= 0xff
		s.objects[k] = obj
	}
}

// Bytes returns a copy of the stored object
func (s *Store) Bytes(loc storage.Location) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[objectKey(loc.Bucket, loc.Key)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

// Put implements storage.Store
func (s *Store) Put(ctx context.Context, loc storage.Location, body io.Reader, size int64) error {
	s.mu.Lock()
	if s.putFails > 0 {
		s.putFails--
		err := s.putErr
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read object body: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if size >= 0 && int64(len(data)) != size {
		return fmt.Errorf("short write for %s: got %d of %d bytes", loc, len(data), size)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectKey(loc.Bucket, loc.Key)] = object{data: data, modified: time.Now()}
	return nil
}

// Get implements storage.Store
func (s *Store) Get(ctx context.Context, loc storage.Location) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.getFails > 0 {
		s.getFails--
		return nil, s.getErr
	}
	obj, ok := s.objects[objectKey(loc.Bucket, loc.Key)]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", loc, drerrors.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), obj.data...))), nil
}

// Delete implements storage.Store
func (s *Store) Delete(ctx context.Context, loc storage.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, objectKey(loc.Bucket, loc.Key))
	return nil
}

// Head implements storage.Store
func (s *Store) Head(ctx context.Context, loc storage.Location) (storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[objectKey(loc.Bucket, loc.Key)]
	if !ok {
		return storage.ObjectInfo{}, fmt.Errorf("object %s: %w", loc, drerrors.ErrNotFound)
	}
	return storage.ObjectInfo{Location: loc, Size: int64(len(obj.data)), LastModified: obj.modified}, nil
}

// List implements storage.Lister
func (s *Store) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.ObjectInfo
	for k, obj := range s.objects {
		if !strings.HasPrefix(k, bucket+"/") {
			continue
		}
		key := strings.TrimPrefix(k, bucket+"/")
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		out = append(out, storage.ObjectInfo{
			Location:     storage.Location{Bucket: bucket, Key: key},
			Size:         int64(len(obj.data)),
			LastModified: obj.modified,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Ping implements storage.Pinger
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingErr
}
