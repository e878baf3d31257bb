// Package backup creates, catalogs and restores backup artifacts.
package backup

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"github.com/supporttools/GoDRGuard/pkg/alerting"
	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/compression"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/encryption"
	"github.com/supporttools/GoDRGuard/pkg/events"
	"github.com/supporttools/GoDRGuard/pkg/metrics"
	"github.com/supporttools/GoDRGuard/pkg/storage"
)

// Stages a backup passes through, in order
const (
	StagePreparing   = "preparing"
	StageDumping     = "dumping"
	StageCompressing = "compressing"
	StageEncrypting  = "encrypting"
	StageValidating  = "validating"
	StageUploading   = "uploading"
	StageCompleted   = "completed"
)

var stageProgress = map[string]float64{
	StagePreparing:   0,
	StageDumping:     10,
	StageCompressing: 40,
	StageEncrypting:  55,
	StageValidating:  65,
	StageUploading:   75,
	StageCompleted:   100,
}

// Deps are the collaborators of an Engine
type Deps struct {
	Config   config.BackupConfig
	Database config.DatabaseConfig
	Provider common.Provider
	Catalog  catalog.Store
	Registry *storage.Registry
	// KeyRing is required when encryption is enabled
	KeyRing *encryption.KeyRing
	Events  events.Publisher
	Alerts  alerting.Notifier
	Logger  *logrus.Logger
	Clock   clock.Clock
}

// Engine implements backup creation and restore. Unrelated backups run
// concurrently; each call owns its own staging files.
type Engine struct {
	cfg        config.BackupConfig
	dbcfg      config.DatabaseConfig
	provider   common.Provider
	catalog    catalog.Store
	registry   *storage.Registry
	keyring    *encryption.KeyRing
	compressor compression.Compressor
	events     events.Publisher
	alerts     alerting.Notifier
	logger     *logrus.Entry
	clock      clock.Clock

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewEngine validates the dependencies and returns an engine
func NewEngine(d Deps) (*Engine, error) {
	if d.Provider == nil {
		return nil, drerrors.Configuration("preparing", fmt.Errorf("database provider is required"))
	}
	if d.Catalog == nil || d.Registry == nil {
		return nil, drerrors.Configuration("preparing", fmt.Errorf("catalog and storage registry are required"))
	}
	if d.Config.Encryption.Enabled && d.KeyRing == nil {
		return nil, drerrors.Configuration("preparing", fmt.Errorf("encryption is enabled but no key ring was provided"))
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Alerts == nil {
		d.Alerts = alerting.Nop{}
	}
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}

	e := &Engine{
		cfg:      d.Config,
		dbcfg:    d.Database,
		provider: d.Provider,
		catalog:  d.Catalog,
		registry: d.Registry,
		keyring:  d.KeyRing,
		events:   d.Events,
		alerts:   d.Alerts,
		logger:   d.Logger.WithField("component", "backup"),
		clock:    d.Clock,
		jobs:     make(map[string]*Job),
	}

	if d.Config.Compression.Enabled {
		c, err := compression.New(compression.Algorithm(d.Config.Compression.Algorithm), d.Config.Compression.Level)
		if err != nil {
			return nil, drerrors.Configuration("preparing", err)
		}
		e.compressor = c
	}
	return e, nil
}

// Operational reports why the engine cannot take backups, or nil
func (e *Engine) Operational(ctx context.Context) error {
	if len(e.registry.Targets()) == 0 {
		return drerrors.Environment(StagePreparing, drerrors.ErrNoBackends)
	}
	if err := e.provider.Ping(ctx); err != nil {
		return drerrors.Environment(StagePreparing, err)
	}
	return nil
}

// CreateBackup runs a backup to completion and returns its id
func (e *Engine) CreateBackup(ctx context.Context, kind catalog.Kind, tags map[string]string) (string, error) {
	id, done, err := e.Start(ctx, kind, tags)
	if err != nil {
		return id, err
	}
	return id, <-done
}

// Start registers a backup job and runs it in the background. The returned
// channel yields the final error (nil on success or partial upload).
func (e *Engine) Start(ctx context.Context, kind catalog.Kind, tags map[string]string) (string, <-chan error, error) {
	if !kind.Valid() {
		return "", nil, drerrors.Configuration(StagePreparing, fmt.Errorf("unknown backup kind %q", kind))
	}

	id := uuid.NewString()
	job := &Job{
		ID:        id,
		Kind:      kind,
		State:     JobRunning,
		Stage:     StagePreparing,
		StartedAt: e.clock.Now(),
	}
	e.mu.Lock()
	e.jobs[id] = job
	e.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- e.run(ctx, job, tags)
		close(done)
	}()
	return id, done, nil
}

func (e *Engine) run(ctx context.Context, job *Job, tags map[string]string) error {
	log := e.logger.WithFields(logrus.Fields{"backup": job.ID, "kind": job.Kind})
	start := e.clock.Now()
	e.stage(job, StagePreparing, "backup started")

	if len(e.registry.Targets()) == 0 {
		return e.fail(job, StagePreparing, drerrors.Environment(StagePreparing, drerrors.ErrNoBackends))
	}

	stagingDir, err := os.MkdirTemp(e.cfg.StagingDirectory, "godrguard-"+job.ID+"-")
	if err != nil {
		return e.fail(job, StagePreparing, drerrors.Environment(StagePreparing, fmt.Errorf("failed to create staging directory: %w", err)))
	}
	defer os.RemoveAll(stagingDir)

	art, err := e.buildArtifact(ctx, job, stagingDir)
	if err != nil {
		return e.fail(job, drerrors.StageOf(err), err)
	}
	log.Infof("Artifact ready: %s raw, %s stored", humanize.IBytes(uint64(art.rawSize)), humanize.IBytes(uint64(art.size)))

	rec := catalog.BackupRecord{
		ID:            job.ID,
		CreatedAt:     start,
		Kind:          job.Kind,
		Server:        e.dbcfg.Name,
		DatabaseType:  e.dbcfg.Type,
		Database:      e.dbcfg.Database,
		Size:          art.rawSize,
		ArtifactSize:  art.size,
		Checksum:      catalog.Checksum{Algorithm: ChecksumAlgorithm, Digest: art.digest},
		Encrypted:     art.keyID != "",
		KeyID:         art.keyID,
		Status:        catalog.StatusPending,
		Stage:         StageUploading,
		ExpiresAt:     e.ExpiryFor(job.Kind, start),
		SchemaVersion: e.cfg.SchemaVersion,
		Tags:          copyTags(tags),
	}
	if e.compressor != nil {
		size := art.compressedSize
		rec.CompressedSize = &size
		rec.Compression = string(e.compressor.Algorithm())
	}

	// The pending record lets a restart mark an interrupted upload failed.
	if err := e.catalog.Put(rec); err != nil {
		return e.fail(job, StageUploading, drerrors.Environment(StageUploading, fmt.Errorf("failed to register backup: %w", err)))
	}

	e.stage(job, StageUploading, "uploading artifact")
	locations, uploadErrs := e.upload(ctx, job, art, log)
	if len(locations) == 0 {
		if err := e.catalog.Delete(job.ID); err != nil {
			log.WithError(err).Warn("Failed to remove unregistered backup record")
		}
		return e.fail(job, StageUploading, drerrors.Transient(StageUploading, fmt.Errorf("all uploads failed: %v", uploadErrs)))
	}

	duration := e.clock.Now().Sub(start)
	status := catalog.StatusSuccess
	if len(uploadErrs) > 0 {
		status = catalog.StatusPartial
	}
	err = e.catalog.Update(job.ID, func(r *catalog.BackupRecord) error {
		r.Locations = locations
		r.Status = status
		r.Stage = StageCompleted
		r.Duration = duration
		r.CompletedAt = e.clock.Now()
		if len(uploadErrs) > 0 {
			r.Error = fmt.Sprintf("%d of %d uploads failed: %v", len(uploadErrs), len(uploadErrs)+len(locations), uploadErrs)
		}
		return nil
	})
	if err != nil {
		return e.fail(job, StageUploading, drerrors.Environment(StageUploading, fmt.Errorf("failed to finalize backup record: %w", err)))
	}

	metrics.BackupCount.WithLabelValues(string(job.Kind), string(status)).Inc()
	metrics.BackupDuration.WithLabelValues(string(job.Kind)).Observe(duration.Seconds())
	metrics.BackupSize.WithLabelValues(string(job.Kind)).Set(float64(art.size))
	metrics.LastBackupTimestamp.WithLabelValues(string(job.Kind)).Set(float64(e.clock.Now().Unix()))

	e.mu.Lock()
	job.State = JobCompleted
	job.Status = status
	job.CompletedAt = e.clock.Now()
	e.mu.Unlock()
	e.stage(job, StageCompleted, fmt.Sprintf("backup %s stored in %d location(s)", status, len(locations)))

	if status == catalog.StatusPartial {
		e.alerts.Notify(ctx, alerting.Alert{
			Severity: alerting.SeverityWarning,
			Source:   "backup",
			Title:    "Backup partially uploaded",
			Message:  fmt.Sprintf("backup %s is missing from %d backend(s)", job.ID, len(uploadErrs)),
			Fields:   map[string]string{"backup": job.ID},
		})
	}
	log.Infof("Backup completed with status %s in %s", status, duration.Round(time.Millisecond))
	return nil
}

func (e *Engine) upload(ctx context.Context, job *Job, art *artifact, log *logrus.Entry) ([]catalog.StorageLocation, []error) {
	name := e.ObjectName(job.ID, job.Kind, e.clock.Now(), art.ext)
	var locations []catalog.StorageLocation
	var errs []error

	targets := e.registry.Targets()
	for i, target := range targets {
		loc := target.Location(name)
		uploadStart := e.clock.Now()
		err := e.putFile(ctx, loc, art.path, art.size)
		if err != nil {
			metrics.UploadCount.WithLabelValues(target.Name, target.Region, "failure").Inc()
			log.WithError(err).Warnf("Upload to %s failed", target.Name)
			errs = append(errs, fmt.Errorf("%s: %w", target.Name, err))
			continue
		}
		metrics.UploadCount.WithLabelValues(target.Name, target.Region, "success").Inc()
		metrics.UploadDuration.WithLabelValues(target.Name, target.Region).Observe(e.clock.Now().Sub(uploadStart).Seconds())
		locations = append(locations, catalog.StorageLocation{Location: loc, AddedAt: e.clock.Now()})
		e.progress(job, StageUploading, stageProgress[StageUploading]+25*float64(i+1)/float64(len(targets)))
	}
	return locations, errs
}

func (e *Engine) putFile(ctx context.Context, loc storage.Location, filePath string, size int64) error {
	store, err := e.registry.Resolve(loc)
	if err != nil {
		return err
	}
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()
	return store.Put(ctx, loc, f, size)
}

// ObjectName is the storage key of an artifact relative to a target prefix
func (e *Engine) ObjectName(id string, kind catalog.Kind, at time.Time, ext string) string {
	database := e.dbcfg.Database
	if database == "" {
		database = "default"
	}
	return path.Join(database, string(kind), at.UTC().Format("2006/01/02"), id+ext)
}

// ExpiryFor returns when a backup of kind created at t expires
func (e *Engine) ExpiryFor(kind catalog.Kind, t time.Time) time.Time {
	return Expiry(e.cfg.Expiry, kind, t)
}

// Expiry applies the kind-specific rules: full backups expire after
// FullMonths·30 days, incremental after IncrementalDays days and
// differential after DifferentialWeeks·7 days.
func Expiry(cfg config.ExpiryConfig, kind catalog.Kind, t time.Time) time.Time {
	day := 24 * time.Hour
	switch kind {
	case catalog.KindFull:
		return t.Add(time.Duration(cfg.FullMonths) * 30 * day)
	case catalog.KindIncremental:
		return t.Add(time.Duration(cfg.IncrementalDays) * day)
	case catalog.KindDifferential:
		return t.Add(time.Duration(cfg.DifferentialWeeks) * 7 * day)
	}
	return t
}

func (e *Engine) fail(job *Job, stage string, err error) error {
	if stage == "" {
		stage = job.Stage
	}
	if drerrors.StageOf(err) == "" {
		err = drerrors.New(drerrors.ClassOf(err), stage, err)
	}

	e.mu.Lock()
	job.State = JobFailed
	job.Status = catalog.StatusFailed
	job.FailedStage = stage
	job.Error = err.Error()
	job.CompletedAt = e.clock.Now()
	e.mu.Unlock()

	metrics.BackupCount.WithLabelValues(string(job.Kind), string(catalog.StatusFailed)).Inc()
	e.events.Publish(events.Event{
		OperationID: job.ID,
		Operation:   events.OpBackup,
		Stage:       stage,
		Error:       err.Error(),
		Time:        e.clock.Now(),
	})
	e.logger.WithFields(logrus.Fields{"backup": job.ID, "stage": stage}).WithError(err).Error("Backup failed")
	e.alerts.Notify(context.Background(), alerting.Alert{
		Severity: alerting.SeverityCritical,
		Source:   "backup",
		Title:    "Backup failed",
		Message:  fmt.Sprintf("%s backup %s failed during %s: %v", job.Kind, job.ID, stage, err),
		Fields:   map[string]string{"backup": job.ID, "stage": stage},
	})
	return err
}

func (e *Engine) stage(job *Job, stage, msg string) {
	e.mu.Lock()
	job.Stage = stage
	job.Progress = stageProgress[stage]
	e.mu.Unlock()
	e.events.Publish(events.Event{
		OperationID: job.ID,
		Operation:   events.OpBackup,
		Stage:       stage,
		Message:     msg,
		Progress:    stageProgress[stage],
		Time:        e.clock.Now(),
	})
}

func (e *Engine) progress(job *Job, stage string, pct float64) {
	e.mu.Lock()
	job.Progress = pct
	e.mu.Unlock()
	e.events.Publish(events.Event{
		OperationID: job.ID,
		Operation:   events.OpBackup,
		Stage:       stage,
		Progress:    pct,
		Time:        e.clock.Now(),
	})
}

// ListBackups returns catalog records matching f, newest first
func (e *Engine) ListBackups(f catalog.Filter) ([]catalog.BackupRecord, error) {
	return e.catalog.List(f)
}

// GetBackup returns one catalog record
func (e *Engine) GetBackup(id string) (catalog.BackupRecord, error) {
	return e.catalog.Get(id)
}

// LatestVerified returns the newest completed backup whose last verification
// passed or warned. A non-empty region requires a copy in that region.
func (e *Engine) LatestVerified(region string) (catalog.BackupRecord, error) {
	recs, err := e.catalog.List(catalog.Filter{Region: region})
	if err != nil {
		return catalog.BackupRecord{}, err
	}
	for _, r := range recs {
		if !r.ValidSource() {
			continue
		}
		if r.Verification == catalog.VerificationPassed || r.Verification == catalog.VerificationWarning {
			return r, nil
		}
	}
	return catalog.BackupRecord{}, fmt.Errorf("no verified backup available in region %q: %w", region, drerrors.ErrNotFound)
}

// RotateKey makes a new primary encryption key
func (e *Engine) RotateKey() (encryption.KeyInfo, error) {
	if e.keyring == nil {
		return encryption.KeyInfo{}, drerrors.Configuration("rotating", fmt.Errorf("encryption is not enabled"))
	}
	info, err := e.keyring.Rotate()
	if err != nil {
		return encryption.KeyInfo{}, err
	}
	metrics.KeyRotations.Inc()
	e.logger.WithField("key", info.ID).Info("Rotated backup encryption key")
	return info, nil
}

// KeyAvailable reports whether the key ring still holds keyID
func (e *Engine) KeyAvailable(keyID string) bool {
	if e.keyring == nil {
		return false
	}
	for _, k := range e.keyring.Keys() {
		if k.ID == keyID {
			return true
		}
	}
	return false
}

// RotateKeyIfDue rotates when the primary key is older than the configured
// rotation interval
func (e *Engine) RotateKeyIfDue() (bool, error) {
	if e.keyring == nil || !e.keyring.DueForRotation(e.cfg.Encryption.RotationInterval) {
		return false, nil
	}
	_, err := e.RotateKey()
	return err == nil, err
}

func copyTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}
