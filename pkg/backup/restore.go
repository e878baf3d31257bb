package backup

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/compression"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/events"
	"github.com/supporttools/GoDRGuard/pkg/metrics"
)

// Restore stages
const (
	StageLocating      = "locating"
	StageDownloading   = "downloading"
	StageVerifying     = "verifying"
	StageDecrypting    = "decrypting"
	StageDecompressing = "decompressing"
	StageRestoring     = "restoring"
)

// RestoreOptions controls RestoreBackup
type RestoreOptions struct {
	// ValidateOnly stops after the dump has been prepared and checked
	ValidateOnly bool `json:"validateOnly"`
	// VerifyChecksum compares the downloaded artifact with the catalog
	// digest. Always on when the engine is configured with VerifyOnRestore.
	VerifyChecksum bool `json:"verifyChecksum"`
	// Provider restores into a server other than the source. Nil uses the
	// engine's provider.
	Provider common.Provider `json:"-"`
}

// RestoreResult describes a finished restore
type RestoreResult struct {
	ID        string                  `json:"id"`
	BackupID  string                  `json:"backupId"`
	Target    string                  `json:"target"`
	Location  catalog.StorageLocation `json:"location"`
	KeyID     string                  `json:"keyId,omitempty"`
	DumpSize  int64                   `json:"dumpSize"`
	DumpTool  string                  `json:"dumpTool,omitempty"`
	Validated bool                    `json:"validated"`
	Restored  bool                    `json:"restored"`
	Duration  time.Duration           `json:"duration"`
}

// PreparedDump is a decrypted, decompressed dump on local disk
type PreparedDump struct {
	Path     string
	Size     int64
	Tool     string
	KeyID    string
	Location catalog.StorageLocation
	dir      string
}

// Close removes the staging files
func (p *PreparedDump) Close() error {
	return os.RemoveAll(p.dir)
}

// RestoreBackup locates the artifact (local copy first), verifies, decrypts
// and decompresses it, then restores into target unless opts.ValidateOnly.
func (e *Engine) RestoreBackup(ctx context.Context, backupID string, target common.Target, opts RestoreOptions) (*RestoreResult, error) {
	opID := uuid.NewString()
	start := e.clock.Now()
	log := e.logger.WithFields(logrus.Fields{"restore": opID, "backup": backupID, "target": target.String()})
	publish := func(stage, msg string) {
		e.events.Publish(events.Event{OperationID: opID, Operation: events.OpRestore, Stage: stage, Message: msg, Time: e.clock.Now()})
	}
	failed := func(err error) (*RestoreResult, error) {
		metrics.RestoreCount.WithLabelValues("failure").Inc()
		e.events.Publish(events.Event{OperationID: opID, Operation: events.OpRestore, Stage: drerrors.StageOf(err), Error: err.Error(), Time: e.clock.Now()})
		log.WithError(err).Error("Restore failed")
		return nil, err
	}

	rec, err := e.catalog.Get(backupID)
	if err != nil {
		return failed(drerrors.Configuration(StageLocating, err))
	}
	if !rec.Completed() {
		return failed(drerrors.Configuration(StageLocating, fmt.Errorf("backup %s is %s and has no usable copy", backupID, rec.Status)))
	}

	publish(StageLocating, "preparing dump")
	dump, err := e.PrepareDump(ctx, rec, opts.VerifyChecksum || e.cfg.VerifyOnRestore)
	if err != nil {
		return failed(err)
	}
	defer dump.Close()

	result := &RestoreResult{
		ID:        opID,
		BackupID:  backupID,
		Target:    target.String(),
		Location:  dump.Location,
		KeyID:     dump.KeyID,
		DumpSize:  dump.Size,
		DumpTool:  dump.Tool,
		Validated: true,
	}
	if opts.ValidateOnly {
		result.Duration = e.clock.Now().Sub(start)
		metrics.RestoreCount.WithLabelValues("validated").Inc()
		publish(StageCompleted, "validate-only restore finished")
		return result, nil
	}

	provider := opts.Provider
	if provider == nil {
		provider = e.provider
	}
	publish(StageRestoring, "restoring into "+target.String())
	f, err := os.Open(dump.Path)
	if err != nil {
		return failed(drerrors.Environment(StageRestoring, err))
	}
	defer f.Close()
	if err := provider.Restore(ctx, target, f); err != nil {
		return failed(classify(StageRestoring, err))
	}

	result.Restored = true
	result.Duration = e.clock.Now().Sub(start)
	metrics.RestoreCount.WithLabelValues("success").Inc()
	publish(StageCompleted, "restore finished")
	log.Infof("Restored backup in %s", result.Duration.Round(time.Millisecond))
	return result, nil
}

// PrepareDump downloads the artifact of rec into a staging directory and
// unwraps it back to the plain dump. The caller must Close the result.
func (e *Engine) PrepareDump(ctx context.Context, rec catalog.BackupRecord, verifyChecksum bool) (*PreparedDump, error) {
	dir, err := os.MkdirTemp(e.cfg.StagingDirectory, "godrguard-restore-")
	if err != nil {
		return nil, drerrors.Environment(StageDownloading, err)
	}
	dump := &PreparedDump{dir: dir}
	ok := false
	defer func() {
		if !ok {
			dump.Close()
		}
	}()

	artifactPath := filepath.Join(dir, "artifact")
	var digest string
	_, err = writeFile(artifactPath, func(w io.Writer) error {
		loc, d, err := e.FetchArtifact(ctx, rec, w)
		dump.Location = loc
		digest = d
		return err
	})
	if err != nil {
		return nil, err
	}

	if verifyChecksum && digest != rec.Checksum.Digest {
		return nil, drerrors.Integrity(StageVerifying, fmt.Errorf("artifact from %s has digest %s, catalog records %s: %w",
			dump.Location.Location, digest, rec.Checksum.Digest, drerrors.ErrChecksumMismatch))
	}

	current := artifactPath
	if rec.Encrypted {
		if e.keyring == nil {
			return nil, drerrors.Configuration(StageDecrypting, fmt.Errorf("backup %s is encrypted but no key ring is configured", rec.ID))
		}
		next := filepath.Join(dir, "decrypted")
		_, err := transformFile(current, next, func(dst io.Writer, src io.Reader) error {
			keyID, err := e.keyring.Decrypt(dst, src)
			dump.KeyID = keyID
			return err
		})
		if err != nil {
			if drerrors.ClassOf(err) == "" {
				err = drerrors.Integrity(StageDecrypting, err)
			}
			return nil, err
		}
		os.Remove(current)
		current = next
	}

	if rec.Compression != "" {
		c, err := compression.ForReading(compression.Algorithm(rec.Compression))
		if err != nil {
			return nil, drerrors.Configuration(StageDecompressing, err)
		}
		next := filepath.Join(dir, "dump.sql")
		_, err = transformFile(current, next, func(dst io.Writer, src io.Reader) error {
			r, err := c.NewReader(src)
			if err != nil {
				return err
			}
			defer r.Close()
			_, err = io.Copy(dst, r)
			return err
		})
		if err != nil {
			return nil, drerrors.Integrity(StageDecompressing, err)
		}
		os.Remove(current)
		current = next
	}

	header, err := readHeader(current, 512)
	if err != nil {
		return nil, drerrors.Environment(StageValidating, err)
	}
	info, err := os.Stat(current)
	if err != nil {
		return nil, drerrors.Environment(StageValidating, err)
	}
	dump.Path = current
	dump.Size = info.Size()
	dump.Tool = common.SniffDump(header)
	if rec.Size > 0 && dump.Size != rec.Size {
		return nil, drerrors.Integrity(StageValidating, fmt.Errorf("restored dump is %d bytes, catalog records %d", dump.Size, rec.Size))
	}
	ok = true
	return dump, nil
}

// FetchArtifact streams the stored artifact of rec into dst and returns the
// copy used plus the SHA-256 of the bytes written. Copies on a local
// backend are tried first, then the remaining copies in catalog order.
func (e *Engine) FetchArtifact(ctx context.Context, rec catalog.BackupRecord, dst io.Writer) (catalog.StorageLocation, string, error) {
	if len(rec.Locations) == 0 {
		return catalog.StorageLocation{}, "", drerrors.Configuration(StageLocating, fmt.Errorf("backup %s has no stored copies", rec.ID))
	}

	var lastErr error
	for _, loc := range e.orderLocations(rec.Locations) {
		body, err := e.OpenCopy(ctx, loc)
		if err != nil {
			e.logger.WithError(err).Warnf("Copy %s unavailable, trying next", loc.Location)
			lastErr = err
			continue
		}
		digest, _, err := HashReader(io.TeeReader(body, dst))
		body.Close()
		if err != nil {
			// dst may hold a partial copy, so do not fall through to another source
			return loc, "", drerrors.Transient(StageDownloading, fmt.Errorf("download from %s failed: %w", loc.Location, err))
		}
		return loc, digest, nil
	}
	return catalog.StorageLocation{}, "", drerrors.Transient(StageDownloading, fmt.Errorf("no copy of backup %s could be read: %w", rec.ID, lastErr))
}

// OpenCopy opens one stored copy for reading
func (e *Engine) OpenCopy(ctx context.Context, loc catalog.StorageLocation) (io.ReadCloser, error) {
	store, err := e.registry.Resolve(loc.Location)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, loc.Location)
}

// LocalCopy returns the first copy of rec held on a local backend
func (e *Engine) LocalCopy(rec catalog.BackupRecord) (catalog.StorageLocation, bool) {
	for _, loc := range rec.Locations {
		if t, ok := e.registry.Target(loc.Backend); ok && t.Kind == "local" {
			return loc, true
		}
	}
	return catalog.StorageLocation{}, false
}

func (e *Engine) orderLocations(locs []catalog.StorageLocation) []catalog.StorageLocation {
	out := make([]catalog.StorageLocation, 0, len(locs))
	if local, ok := e.LocalCopy(catalog.BackupRecord{Locations: locs}); ok {
		out = append(out, local)
	}
	for _, l := range locs {
		if len(out) > 0 && l.Location == out[0].Location {
			continue
		}
		out = append(out, l)
	}
	return out
}

func errNotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, drerrors.ErrNotFound)
}
