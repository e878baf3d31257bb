package replication

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/supporttools/GoDRGuard/pkg/alerting"
	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/events"
	"github.com/supporttools/GoDRGuard/pkg/metrics"
	"github.com/supporttools/GoDRGuard/pkg/state"
	"github.com/supporttools/GoDRGuard/pkg/storage"
)

// Deps are the collaborators of a Service
type Deps struct {
	Config   config.ReplicationConfig
	Catalog  catalog.Store
	Registry *storage.Registry
	Rules    *state.Collection[Rule]
	Jobs     *state.Collection[Job]
	Statuses *state.Collection[Status]
	Events   events.Publisher
	Alerts   alerting.Notifier
	Logger   *logrus.Logger
	Clock    clock.Clock
}

type intent int

const (
	intentNone intent = iota
	intentCancel
	intentPause
)

type active struct {
	cancel context.CancelFunc
	intent intent
}

// Service matches completed backups against rules and copies them to the
// target regions on a bounded worker pool. Higher priority jobs start first.
type Service struct {
	cfg      config.ReplicationConfig
	catalog  catalog.Store
	registry *storage.Registry
	rules    *state.Collection[Rule]
	jobs     *state.Collection[Job]
	statuses *state.Collection[Status]
	events   events.Publisher
	alerts   alerting.Notifier
	logger   *logrus.Entry
	clock    clock.Clock
	limiter  *rate.Limiter

	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	started bool

	// enqueueMu makes the pending-job check and job creation one step
	enqueueMu sync.Mutex

	mu     sync.Mutex
	queue  jobQueue
	seq    int64
	wake   chan struct{}
	active map[string]*active
	done   map[string]chan struct{}

	healthMu   sync.Mutex
	health     HealthReport
	throughput map[string]float64
}

// New returns a service. Jobs interrupted by a restart are marked failed and
// requeued while they still have retry budget.
func New(d Deps) (*Service, error) {
	if d.Catalog == nil || d.Registry == nil {
		return nil, drerrors.Configuration(StageQueued, fmt.Errorf("catalog and storage registry are required"))
	}
	if d.Rules == nil {
		d.Rules = state.NewMemory[Rule]("replication_rules")
	}
	if d.Jobs == nil {
		d.Jobs = state.NewMemory[Job]("replication_jobs")
	}
	if d.Statuses == nil {
		d.Statuses = state.NewMemory[Status]("replication_status")
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

	ctx, stop := context.WithCancel(context.Background())
	s := &Service{
		cfg:        d.Config,
		catalog:    d.Catalog,
		registry:   d.Registry,
		rules:      d.Rules,
		jobs:       d.Jobs,
		statuses:   d.Statuses,
		events:     d.Events,
		alerts:     d.Alerts,
		logger:     d.Logger.WithField("component", "replication"),
		clock:      d.Clock,
		ctx:        ctx,
		stop:       stop,
		wake:       make(chan struct{}, 1),
		active:     make(map[string]*active),
		done:       make(map[string]chan struct{}),
		throughput: make(map[string]float64),
		health:     HealthReport{Tier: TierHealthy},
	}
	if limit := d.Config.BandwidthLimit; limit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(limit), burstFor(limit))
	}

	if err := s.recover(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) recover() error {
	jobs := s.jobs.List()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	for _, j := range jobs {
		switch j.State {
		case StateRunning:
			requeue := j.RetryCount < s.cfg.RetryAttempts
			err := s.jobs.Update(j.ID, func(job *Job) error {
				job.FailedStage = job.Stage
				job.Error = "interrupted by restart"
				job.State = StateFailed
				job.CompletedAt = s.clock.Now()
				if requeue {
					job.RetryCount++
					job.State = StateQueued
					job.Stage = StageQueued
					job.Progress = Progress{BytesTotal: job.Progress.BytesTotal}
					job.CompletedAt = time.Time{}
				}
				return nil
			})
			if err != nil {
				return err
			}
			if !requeue {
				s.logger.Warnf("Warning: replication job %s was interrupted by a restart and has no retries left", j.ID)
				continue
			}
			s.logger.Warnf("Warning: replication job %s was interrupted by a restart, requeued (retry %d)", j.ID, j.RetryCount+1)
			s.push(j.ID, j.Priority, j.CreatedAt)
		case StateQueued:
			s.push(j.ID, j.Priority, j.CreatedAt)
		}
	}
	return nil
}

// Start launches the transfer workers and, when configured, the health loop
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	workers := s.cfg.ParallelTransfers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	if s.cfg.HealthCheckInterval > 0 {
		s.wg.Add(1)
		go s.healthLoop()
	}
	s.logger.Infof("Replication service started with %d workers", workers)
}

// Stop cancels running transfers and waits for the workers to exit. Jobs
// still running are picked up as interrupted on the next start.
func (s *Service) Stop() {
	s.stop()
	s.wg.Wait()
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		id, ctx, ok := s.next()
		if !ok {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		s.execute(ctx, id)
	}
}

// next pops the highest priority job and registers it as active
func (s *Service) next() (string, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil || s.queue.Len() == 0 {
		return "", nil, false
	}
	item := heap.Pop(&s.queue).(*queued)
	ctx, cancel := context.WithCancel(s.ctx)
	s.active[item.id] = &active{cancel: cancel}
	metrics.ReplicationQueueDepth.Set(float64(s.queue.Len()))
	if s.queue.Len() > 0 {
		s.signal()
	}
	return item.id, ctx, true
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) push(id string, priority int, created time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	heap.Push(&s.queue, &queued{id: id, priority: priority, created: created, seq: s.seq})
	if _, ok := s.done[id]; !ok {
		s.done[id] = make(chan struct{})
	}
	metrics.ReplicationQueueDepth.Set(float64(s.queue.Len()))
	s.signal()
}

// OnBackupCompleted creates jobs for the enabled immediate rules matching
// the backup
func (s *Service) OnBackupCompleted(ctx context.Context, backupID string) ([]Job, error) {
	rec, err := s.catalog.Get(backupID)
	if err != nil {
		return nil, drerrors.Configuration(StageQueued, err)
	}
	if !rec.ValidSource() {
		return nil, drerrors.Policy(StageQueued, fmt.Errorf("backup %s is not a valid replication source (status %s, verification %q)",
			rec.ID, rec.Status, rec.Verification))
	}
	var rules []Rule
	for _, r := range s.Rules() {
		if r.Enabled && r.SyncMode == SyncImmediate {
			rules = append(rules, r)
		}
	}
	return s.schedule(rec, rules)
}

// TriggerRule creates jobs for every valid backup matched by the rule. The
// scheduler calls it for scheduled rules; operators call it for on-demand
// rules.
func (s *Service) TriggerRule(ctx context.Context, ruleID string) ([]Job, error) {
	r, ok := s.rules.Get(ruleID)
	if !ok {
		return nil, fmt.Errorf("replication rule %s: %w", ruleID, drerrors.ErrNotFound)
	}
	if !r.Enabled {
		return nil, drerrors.Policy(StageQueued, fmt.Errorf("replication rule %s is disabled", ruleID))
	}
	recs, err := s.catalog.List(catalog.Filter{})
	if err != nil {
		return nil, err
	}
	var jobs []Job
	for _, rec := range recs {
		if !rec.ValidSource() {
			continue
		}
		created, err := s.schedule(rec, []Rule{r})
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, created...)
	}
	s.logger.Infof("Replication rule %s triggered: %d jobs queued", ruleID, len(jobs))
	return jobs, nil
}

// ReplicateNow queues a single on-demand job outside of any rule
func (s *Service) ReplicateNow(ctx context.Context, backupID, region string, priority int) (Job, error) {
	rec, err := s.catalog.Get(backupID)
	if err != nil {
		return Job{}, drerrors.Configuration(StageQueued, err)
	}
	if !rec.ValidSource() {
		return Job{}, drerrors.Policy(StageQueued, fmt.Errorf("backup %s is not a valid replication source", rec.ID))
	}
	if region == s.cfg.SourceRegion {
		return Job{}, drerrors.Configuration(StageQueued, fmt.Errorf("target region %s is the source region", region))
	}
	if len(s.registry.InRegion(region)) == 0 {
		return Job{}, drerrors.Configuration(StageQueued, fmt.Errorf("no storage backend serves region %s", region))
	}
	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()
	if j, ok := s.pendingFor(backupID, region); ok {
		return j, nil
	}
	return s.enqueue(rec, region, "", priority)
}

func (s *Service) schedule(rec catalog.BackupRecord, rules []Rule) ([]Job, error) {
	if _, ok := rec.LocationIn(s.cfg.SourceRegion); !ok {
		s.logger.Debugf("Backup %s has no copy in source region %s, nothing to replicate", rec.ID, s.cfg.SourceRegion)
		return nil, nil
	}
	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()

	now := s.clock.Now()
	var jobs []Job
	for _, r := range rules {
		if !r.Matches(rec, now) {
			continue
		}
		for _, region := range r.TargetRegions {
			if _, ok := rec.LocationIn(region); ok {
				continue
			}
			if _, ok := s.pendingFor(rec.ID, region); ok {
				continue
			}
			job, err := s.enqueue(rec, region, r.ID, r.Priority)
			if err != nil {
				return jobs, err
			}
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// pendingFor returns a non-terminal job for the pair, if any
func (s *Service) pendingFor(backupID, region string) (Job, bool) {
	for _, j := range s.jobs.List() {
		if j.BackupID == backupID && j.TargetRegion == region && !j.State.Terminal() {
			return j, true
		}
	}
	return Job{}, false
}

func (s *Service) enqueue(rec catalog.BackupRecord, region, ruleID string, priority int) (Job, error) {
	job := Job{
		ID:           uuid.NewString(),
		BackupID:     rec.ID,
		RuleID:       ruleID,
		Priority:     priority,
		SourceRegion: s.cfg.SourceRegion,
		TargetRegion: region,
		State:        StateQueued,
		Stage:        StageQueued,
		Progress:     Progress{BytesTotal: rec.ArtifactSize},
		CreatedAt:    s.clock.Now(),
	}
	if err := s.jobs.Put(job.ID, job); err != nil {
		return Job{}, err
	}
	s.push(job.ID, job.Priority, job.CreatedAt)
	s.publish(job, "queued", "")
	s.logger.WithFields(logrus.Fields{"job": job.ID, "backup": rec.ID, "region": region, "priority": priority}).Info("Queued replication job")
	return job, nil
}

// Cancel stops a queued, paused or running job
func (s *Service) Cancel(id string) error {
	return s.interrupt(id, intentCancel)
}

// Pause holds a queued job or abandons a running transfer so it can be
// resumed later from the start
func (s *Service) Pause(id string) error {
	return s.interrupt(id, intentPause)
}

func (s *Service) interrupt(id string, want intent) error {
	job, ok := s.jobs.Get(id)
	if !ok {
		return fmt.Errorf("replication job %s: %w", id, drerrors.ErrNotFound)
	}

	s.mu.Lock()
	if a, ok := s.active[id]; ok {
		a.intent = want
		a.cancel()
		s.mu.Unlock()
		return nil
	}
	inQueue := s.queue.remove(id)
	if inQueue {
		metrics.ReplicationQueueDepth.Set(float64(s.queue.Len()))
	}
	s.mu.Unlock()

	switch {
	case inQueue && want == intentPause:
		return s.settle(id, StatePaused, "")
	case inQueue, job.State == StatePaused && want == intentCancel:
		return s.settle(id, StateCancelled, "")
	case job.State == StatePaused:
		return nil
	default:
		return drerrors.Policy(job.Stage, fmt.Errorf("replication job %s is %s", id, job.State))
	}
}

// Resume requeues a paused job
func (s *Service) Resume(id string) error {
	job, ok := s.jobs.Get(id)
	if !ok {
		return fmt.Errorf("replication job %s: %w", id, drerrors.ErrNotFound)
	}
	if job.State != StatePaused {
		return drerrors.Policy(job.Stage, fmt.Errorf("replication job %s is %s, not paused", id, job.State))
	}
	err := s.jobs.Update(id, func(j *Job) error {
		j.State = StateQueued
		j.Stage = StageQueued
		j.Progress = Progress{BytesTotal: j.Progress.BytesTotal}
		return nil
	})
	if err != nil {
		return err
	}
	s.push(id, job.Priority, job.CreatedAt)
	job.State = StateQueued
	s.publish(job, "resumed", "")
	return nil
}

// settle moves a job that is not running into a final or paused state
func (s *Service) settle(id string, st JobState, errText string) error {
	var job Job
	err := s.jobs.Update(id, func(j *Job) error {
		j.State = st
		if st.Terminal() {
			j.CompletedAt = s.clock.Now()
		}
		if errText != "" {
			j.Error = errText
		}
		job = *j
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(job, string(st), errText)
	if st.Terminal() {
		s.closeDone(id)
		metrics.ReplicationJobs.WithLabelValues(job.TargetRegion, string(st)).Inc()
	}
	return nil
}

func (s *Service) closeDone(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.done[id]; ok {
		close(ch)
		delete(s.done, id)
	}
}

// Wait blocks until the job reaches a terminal state or ctx is done
func (s *Service) Wait(ctx context.Context, id string) (Job, error) {
	s.mu.Lock()
	ch, ok := s.done[id]
	s.mu.Unlock()
	if ok {
		select {
		case <-ch:
		case <-ctx.Done():
			return Job{}, ctx.Err()
		}
	}
	job, found := s.jobs.Get(id)
	if !found {
		return Job{}, fmt.Errorf("replication job %s: %w", id, drerrors.ErrNotFound)
	}
	return job, nil
}

// Job returns a job by id
func (s *Service) Job(id string) (Job, bool) {
	return s.jobs.Get(id)
}

// Jobs returns jobs newest first, optionally restricted to one state
func (s *Service) Jobs(st JobState) []Job {
	var out []Job
	for _, j := range s.jobs.List() {
		if st == "" || j.State == st {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Status returns the replication status of a backup in a region
func (s *Service) Status(region, backupID string) (Status, bool) {
	return s.statuses.Get(statusKey(region, backupID))
}

// Statuses returns every status entry for a backup, or all entries when
// backupID is empty
func (s *Service) Statuses(backupID string) []Status {
	var out []Status
	for _, st := range s.statuses.List() {
		if backupID == "" || st.BackupID == backupID {
			out = append(out, st)
		}
	}
	return out
}

// QueueDepth returns the number of jobs waiting for a worker
func (s *Service) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// PruneJobs deletes terminal jobs older than the cutoff
func (s *Service) PruneJobs(olderThan time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-olderThan)
	n := 0
	for _, j := range s.jobs.List() {
		if j.State.Terminal() && j.CompletedAt.Before(cutoff) {
			if err := s.jobs.Delete(j.ID); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func (s *Service) publish(job Job, stage, errText string) {
	s.events.Publish(events.Event{
		OperationID: job.ID,
		Operation:   events.OpReplication,
		Stage:       stage,
		Message:     fmt.Sprintf("backup %s to %s", job.BackupID, job.TargetRegion),
		Progress:    job.Progress.Percent(),
		Error:       errText,
		Time:        s.clock.Now(),
	})
}

func (s *Service) alert(sev alerting.Severity, title, msg string, job Job) {
	s.alerts.Notify(context.Background(), alerting.Alert{
		ID:       uuid.NewString(),
		Severity: sev,
		Source:   "replication",
		Title:    title,
		Message:  msg,
		Fields: map[string]string{
			"job":          job.ID,
			"backup":       job.BackupID,
			"targetRegion": job.TargetRegion,
		},
		Time: s.clock.Now(),
	})
}

var errInterrupted = errors.New("transfer interrupted")

type queued struct {
	id       string
	priority int
	created  time.Time
	seq      int64
	index    int
}

// jobQueue is a max-heap on priority, then FIFO
type jobQueue []*queued

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	if !q[i].created.Equal(q[j].created) {
		return q[i].created.Before(q[j].created)
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x interface{}) {
	item := x.(*queued)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

func (q *jobQueue) remove(id string) bool {
	for _, item := range *q {
		if item.id == id {
			heap.Remove(q, item.index)
			return true
		}
	}
	return false
}
