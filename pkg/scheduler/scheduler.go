// Package scheduler runs the control plane's periodic work on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/dr"
	"github.com/supporttools/GoDRGuard/pkg/replication"
	"github.com/supporttools/GoDRGuard/pkg/restoretest"
	"github.com/supporttools/GoDRGuard/pkg/retention"
)

const (
	keyRotationSchedule  = "@hourly"
	verificationSchedule = "45 * * * *"
	pruneSchedule        = "30 3 * * *"
	jobHistoryAge        = 7 * 24 * time.Hour
)

// Backups creates backups and rotates the encryption key
type Backups interface {
	CreateBackup(ctx context.Context, kind catalog.Kind, tags map[string]string) (string, error)
	RotateKeyIfDue() (bool, error)
	PruneJobs(age time.Duration) int
}

// Verifier verifies backups that have no result yet
type Verifier interface {
	VerifyPending(ctx context.Context) (int, error)
}

// Retention executes retention policies
type Retention interface {
	Policies() []retention.Policy
	ExecutePolicy(ctx context.Context, id string, dryRun bool) (retention.Execution, error)
	ExecuteDue(ctx context.Context) ([]retention.Execution, error)
}

// Replication triggers scheduled replication rules
type Replication interface {
	Rules() []replication.Rule
	TriggerRule(ctx context.Context, ruleID string) ([]replication.Job, error)
	PruneJobs(olderThan time.Duration) (int, error)
}

// RestoreTests queues scheduled restoration tests
type RestoreTests interface {
	TriggerScheduled(ctx context.Context) (restoretest.Run, error)
}

// Drills starts scheduled DR drills
type Drills interface {
	TriggerDrill(ctx context.Context) (dr.FailoverEvent, error)
}

// Deps are the services the scheduler drives. Nil services get no jobs.
type Deps struct {
	Config       *config.AppConfig
	Backups      Backups
	Verifier     Verifier
	Retention    Retention
	Replication  Replication
	RestoreTests RestoreTests
	Drills       Drills
	Logger       *logrus.Logger
}

// Entry describes one scheduled job
type Entry struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev,omitempty"`
}

// Scheduler handles cron scheduling for every service
type Scheduler struct {
	cron   *cron.Cron
	deps   Deps
	logger *logrus.Entry
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	jobIDs    map[string]cron.EntryID
	schedules map[string]string
}

// New creates a scheduler. Jobs are added by SetupJobs.
func New(d Deps) *Scheduler {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.Config == nil {
		d.Config = &config.CFG
	}
	logger := d.Logger.WithField("component", "scheduler")
	cronLog := cron.PrintfLogger(logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:      cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog))),
		deps:      d,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		jobIDs:    make(map[string]cron.EntryID),
		schedules: make(map[string]string),
	}
}

// SetupJobs configures all scheduled jobs. A job with an invalid schedule is
// logged and skipped so the rest still run.
func (s *Scheduler) SetupJobs() error {
	cfg := s.deps.Config

	if s.deps.Backups != nil {
		kinds := make([]string, 0, len(cfg.Backup.Schedules))
		for kind := range cfg.Backup.Schedules {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			spec := cfg.Backup.Schedules[kind]
			if spec == "" {
				s.logger.Infof("No schedule configured for %s backups, skipping", kind)
				continue
			}
			k := catalog.Kind(kind)
			s.add("backup:"+kind, spec, func(ctx context.Context) {
				s.logger.Infof("Starting scheduled %s backup", k)
				id, err := s.deps.Backups.CreateBackup(ctx, k, map[string]string{"trigger": "schedule"})
				if err != nil {
					s.logger.Errorf("Scheduled %s backup failed: %v", k, err)
					return
				}
				s.logger.Infof("Scheduled %s backup %s completed", k, id)
			})
		}
		s.add("key-rotation", keyRotationSchedule, func(context.Context) {
			rotated, err := s.deps.Backups.RotateKeyIfDue()
			if err != nil {
				s.logger.Errorf("Key rotation failed: %v", err)
			} else if rotated {
				s.logger.Info("Encryption key rotated")
			}
		})
	}

	if s.deps.Verifier != nil {
		s.add("verification", verificationSchedule, func(ctx context.Context) {
			n, err := s.deps.Verifier.VerifyPending(ctx)
			if err != nil {
				s.logger.Errorf("Pending verification failed: %v", err)
				return
			}
			if n > 0 {
				s.logger.Infof("Verified %d pending backups", n)
			}
		})
	}

	if s.deps.Retention != nil && cfg.Retention.Enabled {
		spec := cfg.Retention.CleanupSchedule
		if spec == "" {
			spec = "15 * * * *"
		}
		s.add("retention", spec, func(ctx context.Context) { s.RunRetentionOnce(ctx) })
		for _, p := range s.deps.Retention.Policies() {
			if !p.Enabled || p.Schedule == "" {
				continue
			}
			id := p.ID
			s.add("retention:"+id, p.Schedule, func(ctx context.Context) {
				exec, err := s.deps.Retention.ExecutePolicy(ctx, id, false)
				if err != nil {
					s.logger.Errorf("Retention policy %s failed: %v", id, err)
					return
				}
				s.logger.Infof("Retention policy %s finished with %d actions", id, len(exec.Actions))
			})
		}
	}

	if s.deps.Replication != nil && cfg.Replication.Enabled {
		for _, r := range s.deps.Replication.Rules() {
			if !r.Enabled || r.SyncMode != replication.SyncScheduled {
				continue
			}
			id := r.ID
			s.add("replication:"+id, r.Schedule, func(ctx context.Context) {
				jobs, err := s.deps.Replication.TriggerRule(ctx, id)
				if err != nil {
					s.logger.Errorf("Scheduled replication rule %s failed: %v", id, err)
					return
				}
				s.logger.Infof("Replication rule %s queued %d jobs", id, len(jobs))
			})
		}
	}

	if s.deps.RestoreTests != nil && cfg.RestoreTesting.Enabled && cfg.RestoreTesting.Schedule != "" {
		s.add("restore-test", cfg.RestoreTesting.Schedule, func(ctx context.Context) {
			run, err := s.deps.RestoreTests.TriggerScheduled(ctx)
			if err != nil {
				s.logger.Errorf("Scheduled restore test not queued: %v", err)
				return
			}
			s.logger.Infof("Queued restore test %s for backup %s", run.ID, run.BackupID)
		})
	}

	if s.deps.Drills != nil && cfg.DR.Enabled && cfg.DR.DrillSchedule != "" {
		s.add("dr-drill", cfg.DR.DrillSchedule, func(ctx context.Context) {
			ev, err := s.deps.Drills.TriggerDrill(ctx)
			if err != nil {
				s.logger.Errorf("Scheduled DR drill not started: %v", err)
				return
			}
			s.logger.Infof("Started DR drill %s targeting %s", ev.ID, ev.ToSite)
		})
	}

	s.add("prune", pruneSchedule, func(context.Context) { s.prune() })
	return nil
}

func (s *Scheduler) add(name, spec string, fn func(ctx context.Context)) {
	id, err := s.cron.AddFunc(spec, func() { fn(s.ctx) })
	if err != nil {
		s.logger.Errorf("Failed to schedule %s with cron expression '%s': %v", name, spec, err)
		return
	}
	s.mu.Lock()
	s.jobIDs[name] = id
	s.schedules[name] = spec
	s.mu.Unlock()
	s.logger.Infof("Scheduled %s with cron expression: %s", name, spec)
}

func (s *Scheduler) prune() {
	if s.deps.Backups != nil {
		if n := s.deps.Backups.PruneJobs(jobHistoryAge); n > 0 {
			s.logger.Infof("Pruned %d finished backup jobs", n)
		}
	}
	if s.deps.Replication != nil {
		n, err := s.deps.Replication.PruneJobs(jobHistoryAge)
		if err != nil {
			s.logger.Warnf("Warning: failed to prune replication jobs: %v", err)
		} else if n > 0 {
			s.logger.Infof("Pruned %d finished replication jobs", n)
		}
	}
}

// Start begins the scheduled jobs
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started successfully")
}

// Stop halts all scheduled jobs and waits for running ones
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}

// ReloadSchedules removes all jobs and re-creates them from the current
// configuration, policies and rules
func (s *Scheduler) ReloadSchedules() error {
	s.logger.Info("Reloading schedules...")
	s.mu.Lock()
	for name, id := range s.jobIDs {
		s.cron.Remove(id)
		delete(s.jobIDs, name)
		delete(s.schedules, name)
	}
	s.mu.Unlock()

	if err := s.SetupJobs(); err != nil {
		return fmt.Errorf("failed to reload schedules: %w", err)
	}
	s.logger.Info("Successfully reloaded schedules")
	return nil
}

// RunOnce runs a single backup of the given kind
func (s *Scheduler) RunOnce(ctx context.Context, kind catalog.Kind) (string, error) {
	if s.deps.Backups == nil {
		return "", fmt.Errorf("backups are not configured")
	}
	s.logger.Infof("Running one-time %s backup", kind)
	return s.deps.Backups.CreateBackup(ctx, kind, map[string]string{"trigger": "manual"})
}

// RunRetentionOnce executes every unscheduled retention policy once
func (s *Scheduler) RunRetentionOnce(ctx context.Context) {
	if s.deps.Retention == nil {
		return
	}
	execs, err := s.deps.Retention.ExecuteDue(ctx)
	if err != nil {
		s.logger.Errorf("Retention cleanup failed: %v", err)
	}
	s.logger.Infof("Retention cleanup ran %d policies", len(execs))
}

// Entries lists the scheduled jobs by name
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobIDs))
	for name, id := range s.jobIDs {
		e := s.cron.Entry(id)
		out = append(out, Entry{Name: name, Schedule: s.schedules[name], Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NextRunTime returns the next scheduled run of a named job
func (s *Scheduler) NextRunTime(name string) (time.Time, error) {
	s.mu.Lock()
	id, ok := s.jobIDs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, fmt.Errorf("no scheduled job named %s", name)
	}
	return s.cron.Entry(id).Next, nil
}
