// Package compression wraps artifact streams in zstd or gzip.
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Algorithm names a compression format
type Algorithm string

const (
	None Algorithm = ""
	Zstd Algorithm = "zstd"
	Gzip Algorithm = "gzip"
)

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	gzipMagic = []byte{0x1f, 0x8b}
)

// Compressor produces streaming encoders and decoders for one algorithm
type Compressor interface {
	Algorithm() Algorithm
	Level() int
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

// New returns the compressor for algorithm at level
func New(algorithm Algorithm, level int) (Compressor, error) {
	switch algorithm {
	case Zstd:
		if level < 1 || level > 19 {
			return nil, fmt.Errorf("zstd level must be 1-19, got %d", level)
		}
		return zstdCompressor{level: level}, nil
	case Gzip:
		if level < gzip.HuffmanOnly || level > gzip.BestCompression {
			return nil, fmt.Errorf("gzip level must be %d-%d, got %d", gzip.HuffmanOnly, gzip.BestCompression, level)
		}
		return gzipCompressor{level: level}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm %q", algorithm)
	}
}

// ForReading returns a compressor able to decode streams of algorithm
func ForReading(algorithm Algorithm) (Compressor, error) {
	switch algorithm {
	case Zstd:
		return New(Zstd, 3)
	case Gzip:
		return New(Gzip, gzip.DefaultCompression)
	}
	return nil, fmt.Errorf("unsupported compression algorithm %q", algorithm)
}

// Detect sniffs the algorithm from the first bytes of a stream
func Detect(header []byte) Algorithm {
	switch {
	case bytes.HasPrefix(header, zstdMagic):
		return Zstd
	case bytes.HasPrefix(header, gzipMagic):
		return Gzip
	}
	return None
}

// Copy compresses src into dst and returns the number of compressed bytes written
func Copy(c Compressor, dst io.Writer, src io.Reader) (int64, error) {
	cw := &countingWriter{w: dst}
	w, err := c.NewWriter(cw)
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		return 0, fmt.Errorf("%s compression failed: %w", c.Algorithm(), err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("%s compression failed: %w", c.Algorithm(), err)
	}
	return cw.n, nil
}

type zstdCompressor struct{ level int }

func (z zstdCompressor) Algorithm() Algorithm { return Zstd }
func (z zstdCompressor) Level() int           { return z.level }

func (z zstdCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(z.level)),
		zstd.WithEncoderConcurrency(1),
	)
}

func (z zstdCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	d, err := zstd.NewReader(r,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(256*1024*1024),
	)
	if err != nil {
		return nil, err
	}
	return d.IOReadCloser(), nil
}

type gzipCompressor struct{ level int }

func (g gzipCompressor) Algorithm() Algorithm { return Gzip }
func (g gzipCompressor) Level() int           { return g.level }

func (g gzipCompressor) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, g.level)
}

func (g gzipCompressor) NewReader(r io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(r)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
