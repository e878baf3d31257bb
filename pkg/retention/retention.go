package retention

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/supporttools/GoDRGuard/pkg/alerting"
	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/events"
	"github.com/supporttools/GoDRGuard/pkg/metrics"
	"github.com/supporttools/GoDRGuard/pkg/state"
	"github.com/supporttools/GoDRGuard/pkg/storage"
)

const defaultApprovalTimeout = time.Hour

// Deps are the collaborators of a Manager
type Deps struct {
	Config     config.RetentionConfig
	Archive    config.ArchiveConfig
	Catalog    catalog.Store
	Registry   *storage.Registry
	Policies   *state.Collection[Policy]
	Executions *state.Collection[Execution]
	Approvals  *state.Collection[Approval]
	Holds      *state.Collection[Hold]
	Audit      *state.Collection[AuditEntry]
	Events     events.Publisher
	Alerts     alerting.Notifier
	Logger     *logrus.Logger
	Clock      clock.Clock
}

// Manager runs retention policies. Actions on one backup are serialized
// across concurrent executions.
type Manager struct {
	cfg        config.RetentionConfig
	archive    config.ArchiveConfig
	catalog    catalog.Store
	registry   *storage.Registry
	policies   *state.Collection[Policy]
	executions *state.Collection[Execution]
	approvals  *state.Collection[Approval]
	holds      *state.Collection[Hold]
	audit      *state.Collection[AuditEntry]
	events     events.Publisher
	alerts     alerting.Notifier
	logger     *logrus.Entry
	clock      clock.Clock

	records *kmutex.Kmutex
	sem     *semaphore.Weighted

	auditMu sync.Mutex

	waitMu  sync.Mutex
	waiters map[string]chan Approval
}

// New returns a manager. Executions interrupted by a restart are marked
// failed and their pending approvals expire.
func New(d Deps) (*Manager, error) {
	if d.Catalog == nil || d.Registry == nil {
		return nil, drerrors.Configuration(StageEvaluating, fmt.Errorf("catalog and storage registry are required"))
	}
	if d.Policies == nil {
		d.Policies = state.NewMemory[Policy]("retention_policies")
	}
	if d.Executions == nil {
		d.Executions = state.NewMemory[Execution]("retention_executions")
	}
	if d.Approvals == nil {
		d.Approvals = state.NewMemory[Approval]("retention_approvals")
	}
	if d.Holds == nil {
		d.Holds = state.NewMemory[Hold]("legal_holds")
	}
	if d.Audit == nil {
		d.Audit = state.NewMemory[AuditEntry]("retention_audit")
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
	workers := d.Config.MaxConcurrentExecutions
	if workers <= 0 {
		workers = 2
	}

	m := &Manager{
		cfg:        d.Config,
		archive:    d.Archive,
		catalog:    d.Catalog,
		registry:   d.Registry,
		policies:   d.Policies,
		executions: d.Executions,
		approvals:  d.Approvals,
		holds:      d.Holds,
		audit:      d.Audit,
		events:     d.Events,
		alerts:     d.Alerts,
		logger:     d.Logger.WithField("component", "retention"),
		clock:      d.Clock,
		records:    kmutex.New(),
		sem:        semaphore.NewWeighted(int64(workers)),
		waiters:    make(map[string]chan Approval),
	}

	now := m.clock.Now()
	for _, e := range m.executions.List() {
		if e.State != ExecutionRunning {
			continue
		}
		err := m.executions.Update(e.ID, func(x *Execution) error {
			x.State = ExecutionFailed
			x.FailedStage = x.Stage
			x.Error = "interrupted by restart"
			x.CompletedAt = now
			return nil
		})
		if err != nil {
			return nil, err
		}
		m.logger.Warnf("Warning: retention execution %s was interrupted by a restart and marked failed", e.ID)
	}
	for _, a := range m.approvals.List() {
		if a.State != ApprovalPending {
			continue
		}
		if err := m.approvals.Update(a.ID, func(x *Approval) error {
			x.State = ApprovalExpired
			x.DecidedAt = now
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// PutPolicy validates and stores a policy
func (m *Manager) PutPolicy(p Policy) error {
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	now := m.clock.Now()
	if existing, ok := m.policies.Get(p.ID); ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return m.policies.Put(p.ID, p)
}

// DeletePolicy removes a policy
func (m *Manager) DeletePolicy(id string) error {
	if _, ok := m.policies.Get(id); !ok {
		return fmt.Errorf("retention policy %s: %w", id, drerrors.ErrNotFound)
	}
	return m.policies.Delete(id)
}

// Policy returns a policy by id
func (m *Manager) Policy(id string) (Policy, bool) {
	return m.policies.Get(id)
}

// Policies returns every policy ordered by id
func (m *Manager) Policies() []Policy {
	return m.policies.List()
}

// LoadPolicies reads a YAML policies file. Nothing is stored unless every
// policy in the file is valid.
func (m *Manager) LoadPolicies(path string) (int, error) {
	policies, err := readPolicies(path)
	if err != nil {
		return 0, err
	}
	for _, p := range policies {
		if err := m.PutPolicy(p); err != nil {
			return 0, err
		}
	}
	return len(policies), nil
}

// Preview evaluates a policy without executing anything
func (m *Manager) Preview(id string) (Evaluation, error) {
	p, ok := m.policies.Get(id)
	if !ok {
		return Evaluation{}, drerrors.Configuration(StageEvaluating, fmt.Errorf("unknown retention policy %q", id))
	}
	recs, err := m.catalog.List(catalog.Filter{})
	if err != nil {
		return Evaluation{}, drerrors.Transient(StageEvaluating, err)
	}
	return Evaluate(p, recs, m.clock.Now()), nil
}

// ExecutePolicy evaluates a policy and runs its actions on every selected
// record. A dry run plans the same actions and mutates nothing, including the
// execution history and the audit log.
func (m *Manager) ExecutePolicy(ctx context.Context, id string, dryRun bool) (Execution, error) {
	p, ok := m.policies.Get(id)
	if !ok {
		return Execution{}, drerrors.Configuration(StageEvaluating, fmt.Errorf("unknown retention policy %q", id))
	}
	if !p.Enabled {
		return Execution{}, drerrors.Policy(StageEvaluating, fmt.Errorf("retention policy %s is disabled", id))
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return Execution{}, drerrors.Transient(StageEvaluating, fmt.Errorf("waiting for an execution slot: %w", err))
	}
	defer m.sem.Release(1)

	exec := Execution{
		ID:        uuid.NewString(),
		PolicyID:  p.ID,
		DryRun:    dryRun,
		State:     ExecutionRunning,
		Stage:     StageEvaluating,
		StartedAt: m.clock.Now(),
	}
	log := m.logger.WithFields(logrus.Fields{"policy": p.ID, "execution": exec.ID, "dryRun": dryRun})
	m.save(&exec)

	recs, err := m.catalog.List(catalog.Filter{})
	if err != nil {
		return m.finish(&exec, drerrors.Transient(StageEvaluating, err)), err
	}
	ev := Evaluate(p, recs, m.clock.Now())
	exec.Evaluated, exec.Held, exec.Matched = ev.Evaluated, ev.Held, len(ev.Candidates)
	log.Infof("Retention policy matched %d of %d records (%d under legal hold)", exec.Matched, exec.Evaluated, exec.Held)

	exec.Stage = StageActing
	m.save(&exec)
	m.publish(exec, 0, "")

	for i, c := range ev.Candidates {
		if err := ctx.Err(); err != nil {
			return m.finish(&exec, drerrors.New(drerrors.ClassTransient, StageActing, drerrors.ErrCancelled)), err
		}
		if dryRun {
			for _, a := range p.Actions {
				exec.Actions = append(exec.Actions, ActionResult{
					BackupID: c.Record.ID,
					Action:   a.Type,
					Outcome:  OutcomePlanned,
					Bytes:    c.Record.ArtifactSize,
					Message:  plannedMessage(a),
				})
			}
			continue
		}
		results := m.applyAll(ctx, p, &exec, c.Record.ID)
		exec.Actions = append(exec.Actions, results...)
		m.save(&exec)
		m.publish(exec, float64(i+1)*100/float64(len(ev.Candidates)), "")
	}

	return m.finish(&exec, nil), nil
}

// ExecuteDue runs every enabled policy that has no schedule of its own. The
// scheduler calls it on the global cleanup schedule.
func (m *Manager) ExecuteDue(ctx context.Context) ([]Execution, error) {
	var out []Execution
	for _, p := range m.policies.List() {
		if !p.Enabled || p.Schedule != "" {
			continue
		}
		exec, err := m.ExecutePolicy(ctx, p.ID, false)
		if err != nil {
			return out, err
		}
		out = append(out, exec)
	}
	return out, nil
}

// Execution returns a stored execution
func (m *Manager) Execution(id string) (Execution, bool) {
	return m.executions.Get(id)
}

// Executions returns stored executions newest first
func (m *Manager) Executions(policyID string) []Execution {
	var out []Execution
	for _, e := range m.executions.List() {
		if policyID == "" || e.PolicyID == policyID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (m *Manager) save(exec *Execution) {
	if exec.DryRun {
		return
	}
	if err := m.executions.Put(exec.ID, *exec); err != nil {
		m.logger.Warnf("Warning: failed to persist retention execution %s: %v", exec.ID, err)
	}
}

func (m *Manager) finish(exec *Execution, err error) Execution {
	exec.CompletedAt = m.clock.Now()
	if err != nil {
		exec.State = ExecutionFailed
		exec.FailedStage = exec.Stage
		if stage := drerrors.StageOf(err); stage != "" {
			exec.FailedStage = stage
		}
		exec.Error = err.Error()
	} else {
		exec.State = ExecutionCompleted
		exec.Stage = StageCompleted
	}
	for _, r := range exec.Actions {
		if r.Outcome != OutcomeExecuted {
			continue
		}
		switch r.Action {
		case ActionDelete:
			exec.BytesFreed += r.Bytes
		case ActionArchive:
			exec.BytesArchived += r.Bytes
		}
	}
	exec.Summary = summarize(*exec)
	m.save(exec)
	m.publish(*exec, 100, exec.Error)
	metrics.RetentionExecutions.WithLabelValues(exec.PolicyID, fmt.Sprint(exec.DryRun)).Inc()
	m.logger.WithFields(logrus.Fields{"policy": exec.PolicyID, "execution": exec.ID}).Info(exec.Summary)
	return exec.Clone()
}

func summarize(e Execution) string {
	mode := "executed"
	if e.DryRun {
		mode = "dry run"
	}
	counts := map[Outcome]int{}
	for _, r := range e.Actions {
		counts[r.Outcome]++
	}
	return fmt.Sprintf("policy %s %s: %d evaluated, %d matched, %d held; actions planned=%d executed=%d skipped=%d denied=%d failed=%d; freed %s, archived %s",
		e.PolicyID, mode, e.Evaluated, e.Matched, e.Held,
		counts[OutcomePlanned], counts[OutcomeExecuted], counts[OutcomeSkipped], counts[OutcomeDenied], counts[OutcomeFailed],
		humanize.Bytes(uint64(e.BytesFreed)), humanize.Bytes(uint64(e.BytesArchived)))
}

func plannedMessage(a Action) string {
	msg := "would " + string(a.Type)
	if a.Delay > 0 {
		msg += " after " + a.Delay.String()
	}
	if a.RequiresApproval {
		msg += " with approval"
	}
	return msg
}

func (m *Manager) publish(exec Execution, progress float64, errText string) {
	m.events.Publish(events.Event{
		OperationID: exec.ID,
		Operation:   events.OpRetention,
		Stage:       exec.Stage,
		Message:     exec.Summary,
		Progress:    progress,
		Error:       errText,
		Time:        m.clock.Now(),
	})
}
