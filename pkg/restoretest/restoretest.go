// Package restoretest restores backups into isolated environments and checks
// the result.
package restoretest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"github.com/supporttools/GoDRGuard/pkg/alerting"
	"github.com/supporttools/GoDRGuard/pkg/backup"
	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/database"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/events"
	"github.com/supporttools/GoDRGuard/pkg/metrics"
	"github.com/supporttools/GoDRGuard/pkg/state"
	"github.com/supporttools/GoDRGuard/pkg/verification"
	"golang.org/x/sync/semaphore"
)

// ProviderFunc returns the provider that restores into an environment
type ProviderFunc func(env config.EnvironmentConfig) (common.Provider, error)

// Deps are the collaborators of a Service
type Deps struct {
	Config  config.RestoreTestingConfig
	Engine  *backup.Engine
	Catalog catalog.Store
	// Providers defaults to database.ForEnvironment over SourceConfig
	Providers    ProviderFunc
	SourceConfig config.DatabaseConfig
	// Source and SourceTarget let comprehensive runs compare schema objects
	// with the live database
	Source       common.Provider
	SourceTarget common.Target
	Runs         *state.Collection[Run]
	Events       events.Publisher
	Alerts       alerting.Notifier
	Logger       *logrus.Logger
	Clock        clock.Clock
}

// Service queues restoration tests and runs them on a bounded worker pool.
// Runs start in FIFO order.
type Service struct {
	cfg          config.RestoreTestingConfig
	engine       *backup.Engine
	catalog      catalog.Store
	providers    ProviderFunc
	source       common.Provider
	sourceTarget common.Target
	runs         *state.Collection[Run]
	events       events.Publisher
	alerts       alerting.Notifier
	logger       *logrus.Entry
	clock        clock.Clock

	sem    *semaphore.Weighted
	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	queue  []string
	cancel map[string]context.CancelFunc
	done   map[string]chan struct{}
}

// New returns a service and marks runs interrupted by a restart as failed
func New(d Deps) (*Service, error) {
	if d.Engine == nil || d.Catalog == nil {
		return nil, drerrors.Configuration(StageQueued, fmt.Errorf("backup engine and catalog are required"))
	}
	if d.Providers == nil {
		source := d.SourceConfig
		d.Providers = func(env config.EnvironmentConfig) (common.Provider, error) {
			return database.ForEnvironment(source, env)
		}
	}
	if d.Runs == nil {
		d.Runs = state.NewMemory[Run]("restore_tests")
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
	workers := d.Config.MaxConcurrentTests
	if workers <= 0 {
		workers = 1
	}

	ctx, stop := context.WithCancel(context.Background())
	s := &Service{
		cfg:          d.Config,
		engine:       d.Engine,
		catalog:      d.Catalog,
		providers:    d.Providers,
		source:       d.Source,
		sourceTarget: d.SourceTarget,
		runs:         d.Runs,
		events:       d.Events,
		alerts:       d.Alerts,
		logger:       d.Logger.WithField("component", "restoretest"),
		clock:        d.Clock,
		sem:          semaphore.NewWeighted(int64(workers)),
		ctx:          ctx,
		stop:         stop,
		cancel:       make(map[string]context.CancelFunc),
		done:         make(map[string]chan struct{}),
	}

	for _, r := range s.runs.List() {
		if r.State.Terminal() {
			continue
		}
		err := s.runs.Update(r.ID, func(run *Run) error {
			run.FailedStage = run.Stage
			run.State = StateFailed
			run.Error = "interrupted by restart"
			run.CompletedAt = s.clock.Now()
			return nil
		})
		if err != nil {
			return nil, err
		}
		s.logger.Warnf("Warning: restoration test %s was interrupted by a restart and marked failed", r.ID)
	}
	return s, nil
}

// Stop cancels running tests and waits for the workers to exit
func (s *Service) Stop() {
	s.stop()
	s.wg.Wait()
}

// Queue validates a request and appends a run to the queue
func (s *Service) Queue(req Request) (Run, error) {
	if req.Type == "" {
		req.Type = TestType(s.cfg.DefaultType)
	}
	if req.Type == "" {
		req.Type = TypeBasic
	}
	if !req.Type.Valid() {
		return Run{}, drerrors.Configuration(StageQueued, fmt.Errorf("unknown restoration test type %q", req.Type))
	}
	if req.Environment == "" {
		req.Environment = s.cfg.DefaultEnvironment
	}
	if req.Environment == "" && len(s.cfg.Environments) > 0 {
		req.Environment = s.cfg.Environments[0].Name
	}
	if s.cfg.Environment(req.Environment) == nil {
		return Run{}, drerrors.Configuration(StageQueued, fmt.Errorf("unknown restore test environment %q", req.Environment))
	}
	for _, sc := range req.Scenarios {
		if sc != ScenarioPointInTime && sc != ScenarioPartialLoss {
			return Run{}, drerrors.Configuration(StageQueued, fmt.Errorf("unknown disaster scenario %q", sc))
		}
	}
	if req.Type == TypeDisaster && len(req.Scenarios) == 0 {
		req.Scenarios = []Scenario{ScenarioPointInTime, ScenarioPartialLoss}
	}
	rec, err := s.catalog.Get(req.BackupID)
	if err != nil {
		return Run{}, drerrors.Configuration(StageQueued, err)
	}
	if !rec.Completed() {
		return Run{}, drerrors.Configuration(StageQueued, fmt.Errorf("backup %s is %s and cannot be restored", rec.ID, rec.Status))
	}

	teardown := s.cfg.Teardown
	if req.Teardown != nil {
		teardown = *req.Teardown
	}
	id := uuid.NewString()
	run := Run{
		ID:          id,
		BackupID:    req.BackupID,
		Type:        req.Type,
		Environment: req.Environment,
		Database:    ephemeralName(s.cfg.Environment(req.Environment).DatabasePrefix, id),
		Scenarios:   req.Scenarios,
		Teardown:    teardown,
		State:       StateQueued,
		Stage:       StageQueued,
		QueuedAt:    s.clock.Now(),
	}
	if err := s.runs.Put(id, run); err != nil {
		return Run{}, drerrors.Environment(StageQueued, err)
	}

	s.mu.Lock()
	s.queue = append(s.queue, id)
	s.done[id] = make(chan struct{})
	s.mu.Unlock()
	s.publish(id, StageQueued, fmt.Sprintf("%s test of backup %s queued", run.Type, run.BackupID))
	s.dispatch()
	return run, nil
}

// dispatch starts queued runs while worker slots are free
func (s *Service) dispatch() {
	for {
		if s.ctx.Err() != nil || !s.sem.TryAcquire(1) {
			return
		}
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			s.sem.Release(1)
			return
		}
		id := s.queue[0]
		s.queue = s.queue[1:]
		ctx, cancel := context.WithCancel(s.ctx)
		s.cancel[id] = cancel
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.execute(ctx, id)
			cancel()
			s.mu.Lock()
			delete(s.cancel, id)
			if ch, ok := s.done[id]; ok {
				close(ch)
				delete(s.done, id)
			}
			s.mu.Unlock()
			s.sem.Release(1)
			s.dispatch()
		}()
	}
}

// Cancel stops a queued or running test
func (s *Service) Cancel(id string) error {
	run, ok := s.runs.Get(id)
	if !ok {
		return drerrors.Configuration("cancel", fmt.Errorf("restoration test %s: %w", id, drerrors.ErrNotFound))
	}
	if run.State.Terminal() {
		return drerrors.Policy("cancel", fmt.Errorf("restoration test %s is already %s", id, run.State))
	}

	s.mu.Lock()
	for i, q := range s.queue {
		if q == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.mu.Unlock()
			s.finish(id, func(r *Run) {
				r.State = StateCancelled
				r.Error = drerrors.ErrCancelled.Error()
			})
			s.mu.Lock()
			if ch, ok := s.done[id]; ok {
				close(ch)
				delete(s.done, id)
			}
			s.mu.Unlock()
			return nil
		}
	}
	cancel, running := s.cancel[id]
	s.mu.Unlock()
	if running {
		cancel()
	}
	return nil
}

// Wait blocks until the run is terminal or ctx ends
func (s *Service) Wait(ctx context.Context, id string) (Run, error) {
	s.mu.Lock()
	ch, pending := s.done[id]
	s.mu.Unlock()
	if pending {
		select {
		case <-ch:
		case <-ctx.Done():
			return Run{}, ctx.Err()
		}
	}
	return s.Get(id)
}

// Get returns a run by id
func (s *Service) Get(id string) (Run, error) {
	run, ok := s.runs.Get(id)
	if !ok {
		return Run{}, drerrors.Configuration("lookup", fmt.Errorf("restoration test %s: %w", id, drerrors.ErrNotFound))
	}
	return run, nil
}

// List returns every run, newest first
func (s *Service) List() []Run {
	runs := s.runs.List()
	sortNewestFirst(runs)
	return runs
}

// VerifyRestore runs a basic test in the default environment and reports
// the restored inspection back to the verification service
func (s *Service) VerifyRestore(ctx context.Context, backupID string) (*verification.RestoreReport, error) {
	teardown := true
	run, err := s.Queue(Request{BackupID: backupID, Type: TypeBasic, Teardown: &teardown})
	if err != nil {
		return nil, err
	}
	run, err = s.Wait(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	report := &verification.RestoreReport{Inspection: run.Inspection}
	switch {
	case run.State != StateCompleted:
		return nil, fmt.Errorf("restoration test %s %s during %s: %s", run.ID, run.State, run.FailedStage, run.Error)
	case run.Outcome == OutcomeFailed:
		report.Status = verification.StatusFailed
		report.Message = fmt.Sprintf("restoration test %s failed: %s", run.ID, strings.Join(failedNames(run.Checks), ", "))
	case run.Outcome == OutcomeWarning:
		report.Status = verification.StatusWarning
		report.Message = fmt.Sprintf("restoration test %s passed with %d warning(s)", run.ID, run.Summary.Warnings)
	default:
		report.Status = verification.StatusPassed
		report.Message = fmt.Sprintf("restored %d tables in %s", len(run.Inspection.Tables), run.RestoreDuration.Round(time.Millisecond))
	}
	return report, nil
}

// TriggerScheduled queues the configured default test against the newest
// completed backup
func (s *Service) TriggerScheduled(ctx context.Context) (Run, error) {
	recs, err := s.catalog.List(catalog.Filter{})
	if err != nil {
		return Run{}, err
	}
	for _, rec := range recs {
		if rec.ValidSource() {
			return s.Queue(Request{BackupID: rec.ID})
		}
	}
	return Run{}, drerrors.Configuration(StageQueued, fmt.Errorf("no completed backup to test: %w", drerrors.ErrNotFound))
}

func (s *Service) execute(ctx context.Context, id string) {
	run, err := s.Get(id)
	if err != nil {
		return
	}
	log := s.logger.WithFields(logrus.Fields{"test": id, "backup": run.BackupID, "type": run.Type})
	start := s.clock.Now()
	s.update(id, func(r *Run) {
		r.State = StateRunning
		r.StartedAt = start
	})

	ex := &execution{svc: s, run: run, log: log}
	err = ex.perform(ctx)

	switch {
	case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, drerrors.ErrCancelled)):
		s.finish(id, func(r *Run) {
			r.State = StateCancelled
			r.Error = drerrors.ErrCancelled.Error()
			r.Checks = ex.checks
		})
		log.Info("Restoration test cancelled")
	case err != nil:
		stage := drerrors.StageOf(err)
		if stage == "" {
			stage = ex.stage
		}
		s.finish(id, func(r *Run) {
			r.State = StateFailed
			r.FailedStage = stage
			r.Error = err.Error()
			r.Checks = ex.checks
			r.TornDown = ex.tornDown
		})
		s.alerts.Notify(context.Background(), alerting.Alert{
			Severity: alerting.SeverityWarning,
			Source:   "restoretest",
			Title:    "Restoration test failed",
			Message:  fmt.Sprintf("%s test of backup %s failed during %s: %v", run.Type, run.BackupID, stage, err),
			Fields:   map[string]string{"test": id, "backup": run.BackupID},
		})
		log.WithError(err).Errorf("Restoration test failed during %s", stage)
	default:
		summary := Summarize(ex.checks)
		s.finish(id, func(r *Run) {
			r.State = StateCompleted
			r.Checks = ex.checks
			r.Summary = summary
			r.Outcome = summary.Outcome()
			r.Inspection = ex.inspection
			r.RestoreDuration = ex.restoreDuration
			r.TornDown = ex.tornDown
		})
		if len(summary.CriticalFailures) > 0 {
			s.alerts.Notify(context.Background(), alerting.Alert{
				Severity: alerting.SeverityCritical,
				Source:   "restoretest",
				Title:    "Restoration test found critical failures",
				Message:  fmt.Sprintf("backup %s: %s", run.BackupID, strings.Join(summary.CriticalFailures, ", ")),
				Fields:   map[string]string{"test": id, "backup": run.BackupID},
			})
		}
		log.Infof("Restoration test %s: %d/%d checks passed (%.0f%%)", summary.Outcome(), summary.Passed, summary.Total, summary.SuccessRate)
	}

	final, _ := s.Get(id)
	status := string(final.State)
	if final.State == StateCompleted {
		status = string(final.Outcome)
	}
	metrics.RestoreTests.WithLabelValues(string(run.Type), status).Inc()
	metrics.RestoreTestDuration.WithLabelValues(string(run.Type)).Observe(s.clock.Now().Sub(start).Seconds())
}

func (s *Service) update(id string, fn func(r *Run)) {
	err := s.runs.Update(id, func(r *Run) error {
		fn(r)
		return nil
	})
	if err != nil {
		s.logger.WithError(err).Warnf("Failed to update restoration test %s", id)
	}
}

func (s *Service) finish(id string, fn func(r *Run)) {
	s.update(id, func(r *Run) {
		fn(r)
		if r.State == StateCompleted {
			r.Stage = StageCompleted
		}
		r.CompletedAt = s.clock.Now()
	})
	run, _ := s.Get(id)
	s.events.Publish(events.Event{
		OperationID: id,
		Operation:   events.OpRestoreTest,
		Stage:       run.Stage,
		Message:     "restoration test " + string(run.State),
		Error:       run.Error,
		Progress:    100,
		Time:        s.clock.Now(),
	})
}

func (s *Service) publish(id, stage, msg string) {
	s.events.Publish(events.Event{
		OperationID: id,
		Operation:   events.OpRestoreTest,
		Stage:       stage,
		Message:     msg,
		Time:        s.clock.Now(),
	})
}

func ephemeralName(prefix, id string) string {
	if prefix == "" {
		prefix = "godrguard_"
	}
	return prefix + "restore_" + strings.ReplaceAll(id, "-", "")[:12]
}

func failedNames(checks []CheckResult) []string {
	var out []string
	for _, c := range checks {
		if c.Status == CheckFailed {
			out = append(out, c.Name)
		}
	}
	return out
}

func sortNewestFirst(runs []Run) {
	sort.Slice(runs, func(i, j int) bool { return runs[i].QueuedAt.After(runs[j].QueuedAt) })
}

func eventFor(id, stage string, progress float64, t time.Time) events.Event {
	return events.Event{
		OperationID: id,
		Operation:   events.OpRestoreTest,
		Stage:       stage,
		Progress:    progress,
		Time:        t,
	}
}
