package backup

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/supporttools/GoDRGuard/pkg/compression"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/encryption"
)

// ChecksumAlgorithm is the digest recorded for every artifact
const ChecksumAlgorithm = "sha256"

type artifact struct {
	path           string
	ext            string
	rawSize        int64
	compressedSize int64
	size           int64
	digest         string
	keyID          string
}

// buildArtifact runs the dump, compress, encrypt and validate stages, each
// into its own staging file so a failure names the exact stage.
func (e *Engine) buildArtifact(ctx context.Context, job *Job, dir string) (*artifact, error) {
	art := &artifact{ext: ".sql"}

	e.stage(job, StageDumping, fmt.Sprintf("dumping %s", e.dbcfg.Database))
	rawPath := filepath.Join(dir, "dump"+art.ext)
	rawSize, err := writeFile(rawPath, func(w io.Writer) error {
		return e.provider.Dump(ctx, common.DumpOptions{Kind: string(job.Kind)}, w)
	})
	if err != nil {
		return nil, classify(StageDumping, err)
	}
	if rawSize == 0 {
		return nil, drerrors.Integrity(StageDumping, fmt.Errorf("dump produced no output"))
	}
	art.rawSize = rawSize
	art.compressedSize = rawSize
	current := rawPath

	if e.compressor != nil {
		e.stage(job, StageCompressing, fmt.Sprintf("compressing with %s level %d", e.compressor.Algorithm(), e.compressor.Level()))
		ext := compressionExt(e.compressor.Algorithm())
		next := filepath.Join(dir, "dump"+art.ext+ext)
		n, err := transformFile(current, next, func(dst io.Writer, src io.Reader) error {
			_, err := compression.Copy(e.compressor, dst, src)
			return err
		})
		if err != nil {
			return nil, drerrors.Environment(StageCompressing, err)
		}
		os.Remove(current)
		art.ext += ext
		art.compressedSize = n
		current = next
	}

	if e.cfg.Encryption.Enabled {
		e.stage(job, StageEncrypting, fmt.Sprintf("encrypting with key %s", e.keyring.Primary().ID))
		next := filepath.Join(dir, "dump"+art.ext+".enc")
		_, err := transformFile(current, next, func(dst io.Writer, src io.Reader) error {
			keyID, err := e.keyring.Encrypt(dst, src)
			art.keyID = keyID
			return err
		})
		if err != nil {
			return nil, drerrors.Environment(StageEncrypting, err)
		}
		os.Remove(current)
		art.ext += ".enc"
		current = next
	}

	e.stage(job, StageValidating, "computing checksum")
	digest, size, err := HashFile(current)
	if err != nil {
		return nil, drerrors.Environment(StageValidating, err)
	}
	if err := e.checkHeader(current); err != nil {
		return nil, drerrors.Integrity(StageValidating, err)
	}
	art.path = current
	art.digest = digest
	art.size = size
	return art, nil
}

// checkHeader confirms the outermost layer of the artifact is what the
// pipeline claims to have produced.
func (e *Engine) checkHeader(filePath string) error {
	header, err := readHeader(filePath, 512)
	if err != nil {
		return err
	}
	switch {
	case e.cfg.Encryption.Enabled:
		if !encryption.IsSealed(header) {
			return fmt.Errorf("artifact is missing the encryption header")
		}
	case e.compressor != nil:
		if got := compression.Detect(header); got != e.compressor.Algorithm() {
			return fmt.Errorf("artifact header is %q, expected %s", got, e.compressor.Algorithm())
		}
	default:
		if common.SniffDump(header) == "" {
			e.logger.Warn("Warning: dump header not recognised; storing artifact anyway")
		}
	}
	return nil
}

func compressionExt(alg compression.Algorithm) string {
	switch alg {
	case compression.Gzip:
		return ".gz"
	case compression.Zstd:
		return ".zst"
	}
	return ""
}

// classify keeps an existing error class and treats unclassified failures
// of external processes as transient.
func classify(stage string, err error) error {
	if drerrors.ClassOf(err) != "" {
		if drerrors.StageOf(err) == stage {
			return err
		}
		return drerrors.New(drerrors.ClassOf(err), stage, err)
	}
	return drerrors.Transient(stage, err)
}

// writeFile creates filePath and lets fill write into it
func writeFile(filePath string, fill func(w io.Writer) error) (int64, error) {
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create staging file: %w", err)
	}
	bw := bufio.NewWriterSize(f, 256*1024)
	cw := &countingWriter{w: bw}
	if err := fill(cw); err != nil {
		f.Close()
		return 0, err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to flush staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close staging file: %w", err)
	}
	return cw.n, nil
}

// transformFile streams src through fn into dst
func transformFile(srcPath, dstPath string, fn func(dst io.Writer, src io.Reader) error) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	return writeFile(dstPath, func(w io.Writer) error {
		return fn(w, bufio.NewReaderSize(src, 256*1024))
	})
}

// HashFile returns the hex SHA-256 digest and size of a file
func HashFile(filePath string) (string, int64, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return HashReader(f)
}

// HashReader returns the hex SHA-256 digest and length of r
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func readHeader(filePath string, n int) ([]byte, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:read], nil
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
