package replication

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/supporttools/GoDRGuard/pkg/alerting"
	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/metrics"
	"github.com/supporttools/GoDRGuard/pkg/storage"
)

const (
	minBurst         = 32 * 1024
	progressInterval = time.Second
)

func burstFor(limit int64) int {
	if limit < minBurst {
		return minBurst
	}
	return int(limit)
}

// execute runs one job to a terminal or paused state
func (s *Service) execute(ctx context.Context, id string) {
	job, ok := s.jobs.Get(id)
	if !ok {
		s.release(id)
		return
	}
	log := s.logger.WithFields(logrus.Fields{"job": id, "backup": job.BackupID, "region": job.TargetRegion})

	now := s.clock.Now()
	if err := s.jobs.Update(id, func(j *Job) error {
		j.State = StateRunning
		j.Stage = StageLocating
		j.StartedAt = now
		j.Error = ""
		j.FailedStage = ""
		return nil
	}); err != nil {
		// the job stays queued on disk and is picked up again on restart
		s.release(id)
		log.Errorf("Failed to start replication job: %v", err)
		return
	}
	job.State = StateRunning
	s.publish(job, StageLocating, "")
	log.Info("Starting replication job")

	remaining := s.cfg.RetryAttempts - job.RetryCount
	if remaining < 0 {
		remaining = 0
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.RetryDelay), uint64(remaining)), ctx)

	op := func() error {
		err := s.transfer(ctx, id)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(errInterrupted)
		}
		if !drerrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		updated := job
		updated.RetryCount++
		if uerr := s.jobs.Update(id, func(j *Job) error {
			j.RetryCount++
			j.Error = err.Error()
			j.Progress = Progress{BytesTotal: j.Progress.BytesTotal}
			updated = *j
			return nil
		}); uerr != nil {
			log.Errorf("Failed to record replication retry: %v", uerr)
		}
		log.Warnf("Warning: replication attempt failed, retrying in %s (retry %d of %d): %v", wait, updated.RetryCount, s.cfg.RetryAttempts, err)
		s.publish(updated, "retrying", err.Error())
	}
	err := backoff.RetryNotify(op, policy, notify)

	want := s.release(id)
	switch {
	case err == nil:
		if err := s.complete(id); err != nil {
			// the job stays running on disk and is re-run on restart; the
			// copy it made is found and recorded then
			log.Errorf("Failed to record completed replication job: %v", err)
		}
	case want == intentPause:
		if err := s.settle(id, StatePaused, ""); err != nil {
			log.Errorf("Failed to record paused replication job: %v", err)
			return
		}
		log.Info("Replication job paused")
	case want == intentCancel:
		if err := s.settle(id, StateCancelled, ""); err != nil {
			log.Errorf("Failed to record cancelled replication job: %v", err)
			return
		}
		log.Info("Replication job cancelled")
	case errors.Is(err, errInterrupted) || errors.Is(err, context.Canceled):
		// service shutting down; the job stays running and is recovered on restart
		log.Warn("Warning: replication job interrupted by shutdown")
	default:
		s.fail(id, err, log)
	}
}

// release removes the job from the active set and returns the operator
// intent recorded for it
func (s *Service) release(id string) intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.active[id]
	if !ok {
		return intentNone
	}
	a.cancel()
	delete(s.active, id)
	return a.intent
}

// complete marks the job completed. Waiters are released only once the
// state is saved.
func (s *Service) complete(id string) error {
	var job Job
	if err := s.jobs.Update(id, func(j *Job) error {
		j.State = StateCompleted
		j.Stage = StageCompleted
		j.CompletedAt = s.clock.Now()
		j.Error = ""
		job = *j
		return nil
	}); err != nil {
		return err
	}
	s.publish(job, StageCompleted, "")
	s.closeDone(id)
	metrics.ReplicationJobs.WithLabelValues(job.TargetRegion, string(StateCompleted)).Inc()
	s.logger.WithFields(logrus.Fields{"job": id, "backup": job.BackupID, "region": job.TargetRegion}).
		Infof("Replication job completed: %s at %s/s", humanize.Bytes(uint64(job.Progress.BytesTransferred)),
			humanize.Bytes(uint64(job.Progress.Throughput)))
	return nil
}

func (s *Service) fail(id string, err error, log *logrus.Entry) {
	job, _ := s.jobs.Get(id)
	uerr := s.jobs.Update(id, func(j *Job) error {
		stage := drerrors.StageOf(err)
		if stage == "" {
			stage = j.Stage
		}
		j.State = StateFailed
		j.FailedStage = stage
		j.Error = err.Error()
		j.CompletedAt = s.clock.Now()
		job = *j
		return nil
	})
	if serr := s.statuses.Put(statusKey(job.TargetRegion, job.BackupID), Status{
		BackupID: job.BackupID,
		Region:   job.TargetRegion,
		Status:   SyncFailed,
		Error:    err.Error(),
	}); serr != nil {
		log.Errorf("Failed to record replication status: %v", serr)
	}
	log.Errorf("Replication job failed at stage %s after %d retries: %v", job.FailedStage, job.RetryCount, err)
	if uerr != nil {
		// left running on disk; recovery retries or fails it on restart
		log.Errorf("Failed to record failed replication job: %v", uerr)
	} else {
		s.publish(job, string(StateFailed), err.Error())
		s.closeDone(id)
		metrics.ReplicationJobs.WithLabelValues(job.TargetRegion, string(StateFailed)).Inc()
	}

	sev := alerting.SeverityWarning
	if drerrors.ClassOf(err) == drerrors.ClassIntegrity {
		sev = alerting.SeverityCritical
	}
	s.alert(sev, "Replication job failed",
		fmt.Sprintf("Replication of backup %s to %s failed at stage %s: %v", job.BackupID, job.TargetRegion, job.FailedStage, err), job)
}

func (s *Service) setStage(id, stage string) (Job, error) {
	var job Job
	if err := s.jobs.Update(id, func(j *Job) error {
		j.Stage = stage
		job = *j
		return nil
	}); err != nil {
		return Job{}, drerrors.Transient(stage, fmt.Errorf("failed to save job stage: %w", err))
	}
	s.publish(job, stage, "")
	return job, nil
}

// transfer performs one attempt: copy, verify and record
func (s *Service) transfer(ctx context.Context, id string) error {
	job, _ := s.jobs.Get(id)

	rec, err := s.catalog.Get(job.BackupID)
	if err != nil {
		return drerrors.Configuration(StageLocating, err)
	}
	if !rec.ValidSource() {
		return drerrors.Integrity(StageLocating, fmt.Errorf("backup %s is not a valid replication source", rec.ID))
	}
	src, ok := rec.LocationIn(job.SourceRegion)
	if !ok {
		return drerrors.Configuration(StageLocating, fmt.Errorf("backup %s has no copy in source region %s", rec.ID, job.SourceRegion))
	}
	if existing, ok := rec.LocationIn(job.TargetRegion); ok {
		s.logger.Debugf("Backup %s already stored in %s at %s", rec.ID, job.TargetRegion, existing.Location)
		return s.record(id, rec, existing.Location, rec.Checksum.Digest)
	}

	target, ok := s.pickTarget(job.TargetRegion)
	if !ok {
		return drerrors.Configuration(StageLocating, fmt.Errorf("no storage backend serves region %s", job.TargetRegion))
	}
	srcStore, err := s.registry.Resolve(src.Location)
	if err != nil {
		return err
	}
	dstStore, err := s.registry.Resolve(storage.Location{Backend: target.Name, Region: target.Region})
	if err != nil {
		return err
	}
	srcTarget, _ := s.registry.Target(src.Backend)
	dst := target.Location(objectName(srcTarget, src.Key))

	if err := s.jobs.Update(id, func(j *Job) error {
		j.TargetBackend = target.Name
		return nil
	}); err != nil {
		return drerrors.Transient(StageLocating, fmt.Errorf("failed to save job target: %w", err))
	}
	if _, err := s.setStage(id, StageTransferring); err != nil {
		return err
	}

	body, err := srcStore.Get(ctx, src.Location)
	if err != nil {
		return drerrors.Transient(StageTransferring, fmt.Errorf("failed to read source copy %s: %w", src.Location, err))
	}
	defer body.Close()

	hasher := sha256.New()
	pr := &progressReader{
		r:     io.TeeReader(s.throttle(ctx, body), hasher),
		svc:   s,
		id:    id,
		total: rec.ArtifactSize,
		start: s.clock.Now(),
		last:  s.clock.Now(),
	}
	if err := dstStore.Put(ctx, dst, pr, rec.ArtifactSize); err != nil {
		return drerrors.Transient(StageTransferring, fmt.Errorf("failed to write %s: %w", dst, err))
	}
	pr.flush()
	metrics.ReplicationBytes.WithLabelValues(job.TargetRegion).Add(float64(pr.n))
	s.recordThroughput(job.TargetRegion, pr.throughput())

	if digest := hex.EncodeToString(hasher.Sum(nil)); digest != rec.Checksum.Digest {
		s.discard(ctx, dstStore, dst)
		return drerrors.Integrity(StageTransferring,
			fmt.Errorf("source copy %s digest %s does not match catalog %s: %w", src.Location, digest, rec.Checksum.Digest, drerrors.ErrChecksumMismatch))
	}

	targetDigest := rec.Checksum.Digest
	if s.cfg.ConsistencyCheck {
		if _, err := s.setStage(id, StageVerifying); err != nil {
			return err
		}
		digest, err := s.digestAt(ctx, dstStore, dst)
		if err != nil {
			return drerrors.Transient(StageVerifying, fmt.Errorf("failed to read back %s: %w", dst, err))
		}
		match := digest == rec.Checksum.Digest
		if err := s.jobs.Update(id, func(j *Job) error {
			j.ChecksumMatch = &match
			j.TargetChecksum = digest
			return nil
		}); err != nil {
			return drerrors.Transient(StageVerifying, fmt.Errorf("failed to save checksum result: %w", err))
		}
		if !match {
			s.discard(ctx, dstStore, dst)
			return drerrors.Integrity(StageVerifying,
				fmt.Errorf("destination copy %s digest %s does not match source %s: %w", dst, digest, rec.Checksum.Digest, drerrors.ErrChecksumMismatch))
		}
		targetDigest = digest
	}

	return s.record(id, rec, dst, targetDigest)
}

// record appends the new copy to the catalog and marks the pair synced
func (s *Service) record(id string, rec catalog.BackupRecord, dst storage.Location, digest string) error {
	job, err := s.setStage(id, StageRecording)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	err = s.catalog.Update(rec.ID, func(r *catalog.BackupRecord) error {
		for _, l := range r.Locations {
			if l.Backend == dst.Backend && l.Key == dst.Key {
				return nil
			}
		}
		r.Locations = append(r.Locations, catalog.StorageLocation{Location: dst, AddedAt: now})
		return nil
	})
	if err != nil {
		return drerrors.Transient(StageRecording, fmt.Errorf("failed to record copy in catalog: %w", err))
	}

	since := rec.CompletedAt
	if since.IsZero() {
		since = rec.CreatedAt
	}
	lag := now.Sub(since)
	if err := s.statuses.Put(statusKey(job.TargetRegion, rec.ID), Status{
		BackupID: rec.ID,
		Region:   job.TargetRegion,
		Status:   SyncSynced,
		LastSync: now,
		Lag:      lag,
		Checksum: digest,
	}); err != nil {
		return drerrors.Transient(StageRecording, err)
	}
	metrics.ReplicationLag.WithLabelValues(job.TargetRegion).Set(lag.Seconds())
	return nil
}

func (s *Service) digestAt(ctx context.Context, store storage.Store, loc storage.Location) (string, error) {
	rc, err := store.Get(ctx, loc)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Service) discard(ctx context.Context, store storage.Store, loc storage.Location) {
	if err := store.Delete(ctx, loc); err != nil {
		s.logger.Warnf("Warning: failed to remove rejected copy %s: %v", loc, err)
	}
}

// pickTarget returns the first live backend serving region
func (s *Service) pickTarget(region string) (storage.Target, bool) {
	targets := s.registry.InRegion(region)
	if len(targets) == 0 {
		return storage.Target{}, false
	}
	return targets[0], true
}

// objectName strips the source target's prefix so the copy lands under the
// destination's own prefix
func objectName(src storage.Target, key string) string {
	if src.Prefix == "" {
		return key
	}
	p := strings.TrimSuffix(src.Prefix, "/") + "/"
	if strings.HasPrefix(key, p) {
		return strings.TrimPrefix(key, p)
	}
	return path.Base(key)
}

func (s *Service) recordThroughput(region string, bps float64) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.throughput[region] = bps
}

func (s *Service) throttle(ctx context.Context, r io.Reader) io.Reader {
	if s.limiter == nil {
		return r
	}
	return &throttledReader{ctx: ctx, r: r, limiter: s.limiter}
}

// throttledReader waits on a shared limiter for every chunk it returns. The
// limiter is shared by all workers so the limit applies to the service as a
// whole.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// progressReader counts bytes and periodically stores progress on the job
type progressReader struct {
	r     io.Reader
	svc   *Service
	id    string
	n     int64
	total int64
	start time.Time
	last  time.Time
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.n += int64(n)
	if now := p.svc.clock.Now(); now.Sub(p.last) >= progressInterval {
		p.last = now
		p.flush()
	}
	return n, err
}

func (p *progressReader) throughput() float64 {
	elapsed := p.svc.clock.Now().Sub(p.start).Seconds()
	if elapsed <= 0 {
		return float64(p.n)
	}
	return float64(p.n) / elapsed
}

func (p *progressReader) flush() {
	bps := p.throughput()
	var eta time.Duration
	if bps > 0 && p.total > p.n {
		eta = time.Duration(float64(p.total-p.n) / bps * float64(time.Second))
	}
	var job Job
	if err := p.svc.jobs.Update(p.id, func(j *Job) error {
		j.Progress = Progress{BytesTransferred: p.n, BytesTotal: p.total, Throughput: bps, ETA: eta}
		job = *j
		return nil
	}); err != nil {
		p.svc.logger.WithField("job", p.id).Warnf("Warning: failed to save replication progress: %v", err)
		return
	}
	p.svc.publish(job, job.Stage, "")
}
