// Package local handles local filesystem storage of backup artifacts.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/storage"
)

// Client stores objects under <directory>/<bucket>/<key>
type Client struct {
	directory string
}

// NewClient creates a new local storage client rooted at directory
func NewClient(directory string) (*Client, error) {
	if directory == "" {
		return nil, drerrors.Configuration("local storage", fmt.Errorf("directory is required"))
	}
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, drerrors.Environment("local storage", fmt.Errorf("failed to create backup directory %s: %w", directory, err))
	}
	return &Client{directory: directory}, nil
}

// Path returns the filesystem path backing a location
func (c *Client) Path(loc storage.Location) (string, error) {
	p := filepath.Join(c.directory, loc.Bucket, filepath.FromSlash(loc.Key))
	root := filepath.Clean(c.directory) + string(os.PathSeparator)
	if !strings.HasPrefix(p, root) {
		return "", fmt.Errorf("key %q escapes backup directory", loc.Key)
	}
	return p, nil
}

// Put writes the object to a temp file and renames it into place
func (c *Client) Put(ctx context.Context, loc storage.Location, body io.Reader, size int64) error {
	p, err := c.Path(loc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", loc, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", loc, err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, contextReader{ctx: ctx, r: body})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && size >= 0 && n != size {
		err = fmt.Errorf("short write: got %d of %d bytes", n, size)
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", loc, err)
	}

	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move %s into place: %w", loc, err)
	}
	return nil
}

// Get opens the object for reading
func (c *Client) Get(ctx context.Context, loc storage.Location) (io.ReadCloser, error) {
	p, err := c.Path(loc)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("object %s: %w", loc, drerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", loc, err)
	}
	return f, nil
}

// Delete removes the object; a missing object is not an error
func (c *Client) Delete(ctx context.Context, loc storage.Location) error {
	p, err := c.Path(loc)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", loc, err)
	}
	return nil
}

// Head stats the object
func (c *Client) Head(ctx context.Context, loc storage.Location) (storage.ObjectInfo, error) {
	p, err := c.Path(loc)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	fi, err := os.Stat(p)
	if os.IsNotExist(err) {
		return storage.ObjectInfo{}, fmt.Errorf("object %s: %w", loc, drerrors.ErrNotFound)
	}
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("failed to stat %s: %w", loc, err)
	}
	return storage.ObjectInfo{Location: loc, Size: fi.Size(), LastModified: fi.ModTime()}, nil
}

// List walks the bucket directory for keys with the given prefix
func (c *Client) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	root := filepath.Join(c.directory, bucket)
	var out []storage.ObjectInfo
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, storage.ObjectInfo{
			Location:     storage.Location{Bucket: bucket, Key: key},
			Size:         fi.Size(),
			LastModified: fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s/%s: %w", bucket, prefix, err)
	}
	return out, nil
}

// Ping checks the backup directory is still writable
func (c *Client) Ping(ctx context.Context) error {
	f, err := os.CreateTemp(c.directory, ".ping-*")
	if err != nil {
		return drerrors.Environment("local storage", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
