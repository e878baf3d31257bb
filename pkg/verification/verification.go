// Package verification checks stored backup artifacts for integrity, format,
// encryption, restorability, consistency and performance.
package verification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"github.com/supporttools/GoDRGuard/pkg/alerting"
	"github.com/supporttools/GoDRGuard/pkg/backup"
	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/events"
	"github.com/supporttools/GoDRGuard/pkg/metrics"
	"github.com/supporttools/GoDRGuard/pkg/state"
)

// Status is the outcome of one check or of a whole run
type Status string

const (
	StatusPassed  Status = "passed"
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Check names a verification category
type Check string

const (
	CheckChecksum    Check = "checksum"
	CheckFormat      Check = "format"
	CheckEncryption  Check = "encryption"
	CheckRestoration Check = "restoration"
	CheckConsistency Check = "consistency"
	CheckPerformance Check = "performance"
)

// Detail is the outcome of one check
type Detail struct {
	Check    Check              `json:"check"`
	Status   Status             `json:"status"`
	Message  string             `json:"message"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Duration time.Duration      `json:"duration"`
}

// Result is a complete verification run
type Result struct {
	ID              string        `json:"id"`
	BackupID        string        `json:"backupId"`
	Status          Status        `json:"status"`
	Details         []Detail      `json:"details"`
	Recommendations []string      `json:"recommendations,omitempty"`
	StartedAt       time.Time     `json:"startedAt"`
	CompletedAt     time.Time     `json:"completedAt"`
	Duration        time.Duration `json:"duration"`
}

// Clone returns a deep copy
func (r Result) Clone() Result {
	out := r
	out.Details = make([]Detail, len(r.Details))
	for i, d := range r.Details {
		out.Details[i] = d
		if d.Metrics != nil {
			out.Details[i].Metrics = make(map[string]float64, len(d.Metrics))
			for k, v := range d.Metrics {
				out.Details[i].Metrics[k] = v
			}
		}
	}
	out.Recommendations = append([]string(nil), r.Recommendations...)
	return out
}

// Detail returns the detail for check, if it ran
func (r Result) Detail(check Check) (Detail, bool) {
	for _, d := range r.Details {
		if d.Check == check {
			return d, true
		}
	}
	return Detail{}, false
}

// RestoreReport is returned by a Restorer after restoring a backup into an
// isolated environment
type RestoreReport struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
	// Inspection describes the restored database before it was torn down
	Inspection *common.Inspection `json:"inspection,omitempty"`
}

// Restorer runs a restoration test for a backup and waits for the outcome
type Restorer interface {
	VerifyRestore(ctx context.Context, backupID string) (*RestoreReport, error)
}

// Deps are the collaborators of a Service
type Deps struct {
	Config  config.VerificationConfig
	Engine  *backup.Engine
	Catalog catalog.Store
	// Source and SourceTarget describe the live database for consistency checks
	Source       common.Provider
	SourceTarget common.Target
	// Restorer is optional; without it the restoration check is skipped
	Restorer Restorer
	Results  *state.Collection[Result]
	Events   events.Publisher
	Alerts   alerting.Notifier
	Logger   *logrus.Logger
	Clock    clock.Clock
}

// Service runs verification checks and keeps the last result per backup
type Service struct {
	cfg          config.VerificationConfig
	engine       *backup.Engine
	catalog      catalog.Store
	source       common.Provider
	sourceTarget common.Target
	restorer     Restorer
	results      *state.Collection[Result]
	events       events.Publisher
	alerts       alerting.Notifier
	logger       *logrus.Entry
	clock        clock.Clock

	mu       sync.Mutex
	inFlight map[string]bool
}

// New returns a verification service
func New(d Deps) (*Service, error) {
	if d.Engine == nil || d.Catalog == nil {
		return nil, drerrors.Configuration("verifying", fmt.Errorf("backup engine and catalog are required"))
	}
	if d.Results == nil {
		d.Results = state.NewMemory[Result]("verifications")
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	if d.Alerts == nil {
		d.Alerts = alerting.Nop{}
	}
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	return &Service{
		cfg:          d.Config,
		engine:       d.Engine,
		catalog:      d.Catalog,
		source:       d.Source,
		sourceTarget: d.SourceTarget,
		restorer:     d.Restorer,
		results:      d.Results,
		events:       d.Events,
		alerts:       d.Alerts,
		logger:       d.Logger.WithField("component", "verification"),
		clock:        d.Clock,
		inFlight:     make(map[string]bool),
	}, nil
}

// SetRestorer attaches the restoration runner after construction
func (s *Service) SetRestorer(r Restorer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restorer = r
}

// Verify runs every enabled check against a backup, stores the result and
// records the outcome on the catalog entry.
func (s *Service) Verify(ctx context.Context, backupID string) (*Result, error) {
	rec, err := s.catalog.Get(backupID)
	if err != nil {
		return nil, drerrors.Configuration("verifying", err)
	}
	if !rec.Completed() {
		return nil, drerrors.Configuration("verifying", fmt.Errorf("backup %s is %s and cannot be verified", backupID, rec.Status))
	}

	s.mu.Lock()
	if s.inFlight[backupID] {
		s.mu.Unlock()
		return nil, drerrors.Policy("verifying", fmt.Errorf("backup %s is already being verified", backupID))
	}
	s.inFlight[backupID] = true
	restorer := s.restorer
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, backupID)
		s.mu.Unlock()
	}()

	result := &Result{
		ID:        uuid.NewString(),
		BackupID:  backupID,
		StartedAt: s.clock.Now(),
	}
	log := s.logger.WithFields(logrus.Fields{"backup": backupID, "verification": result.ID})

	run := &run{svc: s, rec: rec, restorer: restorer}
	for _, c := range run.checks() {
		if err := ctx.Err(); err != nil {
			return nil, drerrors.New(drerrors.ClassTransient, string(c.check), fmt.Errorf("%w: %v", drerrors.ErrCancelled, err))
		}
		s.publish(result.ID, string(c.check), "running "+string(c.check)+" check")
		start := s.clock.Now()
		d := c.fn(ctx)
		d.Check = c.check
		d.Duration = s.clock.Now().Sub(start)
		result.Details = append(result.Details, d)
		log.WithField("check", d.Check).Debugf("Check %s: %s", d.Status, d.Message)
	}

	result.Status = Overall(result.Details)
	result.Recommendations = s.recommend(rec, result.Details)
	result.CompletedAt = s.clock.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	if err := s.results.Put(backupID, *result); err != nil {
		log.WithError(err).Warn("Failed to persist verification result")
	}
	err = s.catalog.Update(backupID, func(r *catalog.BackupRecord) error {
		r.Verification = catalogState(result.Status)
		r.VerifiedAt = result.CompletedAt
		return nil
	})
	if err != nil {
		log.WithError(err).Warn("Failed to record verification outcome on catalog entry")
	}

	metrics.VerificationCount.WithLabelValues(string(result.Status)).Inc()
	s.publish(result.ID, "completed", "verification "+string(result.Status))

	if result.Status == StatusFailed {
		s.alerts.Notify(ctx, alerting.Alert{
			Severity: alerting.SeverityCritical,
			Source:   "verification",
			Title:    "Backup verification failed",
			Message:  fmt.Sprintf("backup %s failed verification: %s", backupID, failedChecks(result.Details)),
			Fields:   map[string]string{"backup": backupID},
		})
		log.Warnf("Verification failed: %s", failedChecks(result.Details))
	} else {
		log.Infof("Verification %s in %s", result.Status, result.Duration.Round(time.Millisecond))
	}
	return result, nil
}

// VerifyPending verifies every completed backup that has no verification
// outcome yet and returns how many were verified.
func (s *Service) VerifyPending(ctx context.Context) (int, error) {
	recs, err := s.catalog.List(catalog.Filter{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if !rec.Completed() || rec.Verification != catalog.VerificationNone {
			continue
		}
		if _, err := s.Verify(ctx, rec.ID); err != nil {
			if ctx.Err() != nil {
				return n, err
			}
			s.logger.WithError(err).Warnf("Verification of %s did not run", rec.ID)
			continue
		}
		n++
	}
	return n, nil
}

// LastResult returns the most recent verification result for a backup
func (s *Service) LastResult(backupID string) (Result, error) {
	r, ok := s.results.Get(backupID)
	if !ok {
		return Result{}, fmt.Errorf("verification result for backup %s: %w", backupID, drerrors.ErrNotFound)
	}
	return r, nil
}

// Overall folds check outcomes: failed beats warning beats passed. Skipped
// checks do not affect the outcome.
func Overall(details []Detail) Status {
	status := StatusPassed
	for _, d := range details {
		switch d.Status {
		case StatusFailed:
			return StatusFailed
		case StatusWarning:
			status = StatusWarning
		}
	}
	return status
}

func (s *Service) recommend(rec catalog.BackupRecord, details []Detail) []string {
	var out []string
	if s.cfg.MaxAge > 0 && rec.Age(s.clock.Now()) > s.cfg.MaxAge {
		out = append(out, fmt.Sprintf("Backup is %s old; take a fresh backup before relying on it for recovery",
			rec.Age(s.clock.Now()).Round(time.Hour)))
	}
	if ratio, ok := compressionRatio(rec); ok && s.cfg.MinCompressionRatio > 0 && ratio < s.cfg.MinCompressionRatio {
		out = append(out, fmt.Sprintf("Compression ratio %.2f is below %.2f; consider a higher compression level", ratio, s.cfg.MinCompressionRatio))
	}
	for _, d := range details {
		if d.Status == StatusFailed {
			out = append(out, fmt.Sprintf("Investigate the failed %s check: %s", d.Check, d.Message))
		}
	}
	return out
}

func (s *Service) publish(opID, stage, msg string) {
	s.events.Publish(events.Event{
		OperationID: opID,
		Operation:   events.OpVerify,
		Stage:       stage,
		Message:     msg,
		Time:        s.clock.Now(),
	})
}

func catalogState(s Status) catalog.VerificationState {
	switch s {
	case StatusFailed:
		return catalog.VerificationFailed
	case StatusWarning:
		return catalog.VerificationWarning
	}
	return catalog.VerificationPassed
}

func failedChecks(details []Detail) string {
	var names []string
	for _, d := range details {
		if d.Status == StatusFailed {
			names = append(names, string(d.Check))
		}
	}
	return fmt.Sprint(names)
}

func compressionRatio(rec catalog.BackupRecord) (float64, bool) {
	if rec.CompressedSize == nil || *rec.CompressedSize == 0 {
		return 0, false
	}
	return float64(rec.Size) / float64(*rec.CompressedSize), true
}
