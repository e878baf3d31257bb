package dr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/alerting"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/events"
	"github.com/supporttools/GoDRGuard/pkg/metrics"
	"github.com/supporttools/GoDRGuard/pkg/state"
)

// Stages of a failover besides the step ids
const (
	StageSelecting = "selecting"
	StageApproval  = "approval"
	StagePromoting = "promoting"
	StageCompleted = "completed"
)

// Deps are the collaborators of an Orchestrator
type Deps struct {
	Config   config.DRConfig
	Sites    *state.Collection[Site]
	Plans    *state.Collection[RecoveryPlan]
	History  *state.Collection[FailoverEvent]
	Prober   Prober
	Lag      LagSource
	Executor Executor
	Events   events.Publisher
	Alerts   alerting.Notifier
	Logger   *logrus.Logger
	Clock    clock.Clock
}

type decision struct {
	approved bool
	approver string
	reason   string
}

// Orchestrator owns the site table and the failover history. At most one
// failover is active at a time.
type Orchestrator struct {
	cfg      config.DRConfig
	sites    *state.Collection[Site]
	plans    *state.Collection[RecoveryPlan]
	history  *state.Collection[FailoverEvent]
	prober   Prober
	lag      LagSource
	executor Executor
	events   events.Publisher
	alerts   alerting.Notifier
	logger   *logrus.Entry
	clock    clock.Clock

	mu        sync.Mutex
	active    string
	decisions map[string]chan decision
	done      map[string]chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an orchestrator. Configured sites are added to the site table
// when missing, and failovers interrupted by a restart are marked failed.
func New(d Deps) (*Orchestrator, error) {
	if d.Executor == nil {
		return nil, drerrors.Configuration(StageSelecting, fmt.Errorf("a step executor is required"))
	}
	if d.Sites == nil {
		d.Sites = state.NewMemory[Site]("sites")
	}
	if d.Plans == nil {
		d.Plans = state.NewMemory[RecoveryPlan]("recovery_plans")
	}
	if d.History == nil {
		d.History = state.NewMemory[FailoverEvent]("failovers")
	}
	if d.Prober == nil {
		d.Prober = HTTPProber{}
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
	if d.Config.HealthCheckTimeout <= 0 {
		d.Config.HealthCheckTimeout = 5 * time.Second
	}
	if d.Config.ApprovalTimeout <= 0 {
		d.Config.ApprovalTimeout = 15 * time.Minute
	}
	if d.Config.FailureCriteriaMin <= 0 {
		d.Config.FailureCriteriaMin = 2
	}
	if d.Config.DefaultPlan == "" {
		d.Config.DefaultPlan = "default"
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:       d.Config,
		sites:     d.Sites,
		plans:     d.Plans,
		history:   d.History,
		prober:    d.Prober,
		lag:       d.Lag,
		executor:  d.Executor,
		events:    d.Events,
		alerts:    d.Alerts,
		logger:    d.Logger.WithField("component", "dr"),
		clock:     d.Clock,
		decisions: make(map[string]chan decision),
		done:      make(map[string]chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	for _, sc := range d.Config.Sites {
		if _, ok := o.sites.Get(sc.ID); ok {
			continue
		}
		role := RoleSecondary
		if sc.Primary {
			role = RolePrimary
		}
		site := Site{
			ID:           sc.ID,
			Region:       sc.Region,
			Role:         role,
			Status:       SiteHealthy,
			Priority:     sc.Priority,
			AutoFailover: sc.AutoFailover,
			HealthURL:    sc.HealthURL,
			Backend:      sc.Backend,
		}
		if err := o.sites.Put(site.ID, site); err != nil {
			cancel()
			return nil, err
		}
	}
	primaries := 0
	for _, s := range o.sites.List() {
		if s.Role == RolePrimary {
			primaries++
		}
	}
	if len(o.sites.List()) > 0 && primaries != 1 {
		cancel()
		return nil, drerrors.Configuration(StageSelecting, fmt.Errorf("exactly one primary site is required, found %d", primaries))
	}

	now := o.clock.Now()
	for _, e := range o.history.List() {
		if e.State.Terminal() {
			continue
		}
		if err := o.history.Update(e.ID, func(x *FailoverEvent) error {
			x.State = EventFailed
			x.FailedStage = x.Stage
			x.Error = "interrupted by restart"
			x.CompletedAt = now
			return nil
		}); err != nil {
			cancel()
			return nil, err
		}
		o.logger.Warnf("Warning: failover %s was interrupted by a restart and marked failed", e.ID)
	}
	return o, nil
}

// Start runs the health loop when an interval is configured
func (o *Orchestrator) Start() {
	if o.cfg.HealthCheckInterval <= 0 {
		return
	}
	o.wg.Add(1)
	go o.healthLoop()
}

// Stop ends the health loop and abandons running failovers
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}

// Sites returns the site table
func (o *Orchestrator) Sites() []Site {
	return o.sites.List()
}

// Site returns one site
func (o *Orchestrator) Site(id string) (Site, bool) {
	return o.sites.Get(id)
}

// Primary returns the current primary site
func (o *Orchestrator) Primary() (Site, bool) {
	for _, s := range o.sites.List() {
		if s.Role == RolePrimary {
			return s, true
		}
	}
	return Site{}, false
}

// SetMaintenance moves a site in or out of maintenance. Sites in maintenance
// are not probed and never selected as a target.
func (o *Orchestrator) SetMaintenance(id string, on bool) error {
	return o.sites.Update(id, func(s *Site) error {
		if on {
			s.Status = SiteMaintenance
		} else if s.Status == SiteMaintenance {
			s.Status = SiteDegraded
		}
		metrics.SetSiteStatus(s.ID, string(s.Status))
		return nil
	})
}

// PutPlan validates and stores a recovery plan
func (o *Orchestrator) PutPlan(p RecoveryPlan) error {
	if err := ValidatePlan(p); err != nil {
		return err
	}
	return o.plans.Put(p.ID, p)
}

// LoadPlans reads a plans file. Nothing is stored unless every plan is valid.
func (o *Orchestrator) LoadPlans(path string) (int, error) {
	plans, err := ReadPlans(path)
	if err != nil {
		return 0, err
	}
	for _, p := range plans {
		if err := o.plans.Put(p.ID, p); err != nil {
			return 0, err
		}
	}
	return len(plans), nil
}

// Plans returns the stored plans
func (o *Orchestrator) Plans() []RecoveryPlan {
	return o.plans.List()
}

func (o *Orchestrator) plan(id string) (RecoveryPlan, error) {
	if id == "" {
		id = o.cfg.DefaultPlan
	}
	if p, ok := o.plans.Get(id); ok {
		return p, nil
	}
	if id == o.cfg.DefaultPlan {
		return DefaultPlan(id), nil
	}
	return RecoveryPlan{}, drerrors.Configuration(StageSelecting, fmt.Errorf("unknown recovery plan %q", id))
}

// Failover starts a failover and returns once it is initiated. The plan runs
// in the background; use Wait for the outcome.
func (o *Orchestrator) Failover(ctx context.Context, req Request) (FailoverEvent, error) {
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}
	return o.start(ctx, req, nil)
}

// TriggerDrill starts a scheduled drill against the default plan. Drills do
// not move the primary designation.
func (o *Orchestrator) TriggerDrill(ctx context.Context) (FailoverEvent, error) {
	return o.start(ctx, Request{Trigger: TriggerScheduled, Drill: true, Reason: "scheduled DR drill", Actor: "system:scheduler"}, nil)
}

func (o *Orchestrator) start(ctx context.Context, req Request, criteria []string) (FailoverEvent, error) {
	plan, err := o.plan(req.PlanID)
	if err != nil {
		return FailoverEvent{}, err
	}
	if err := ValidatePlan(plan); err != nil {
		return FailoverEvent{}, err
	}

	o.mu.Lock()
	if o.active != "" {
		active := o.active
		o.mu.Unlock()
		return FailoverEvent{}, drerrors.Policy(StageSelecting, fmt.Errorf("%w: %s", drerrors.ErrFailoverActive, active))
	}
	id := uuid.NewString()
	o.active = id
	o.mu.Unlock()

	source, target, err := o.chooseTarget(req)
	if err != nil {
		o.release(id)
		o.alert(alerting.SeverityCritical, "Failover not possible",
			fmt.Sprintf("%s failover requested (%s) but no target qualified: %v", req.Trigger, req.Reason, err), "")
		metrics.Failovers.WithLabelValues(string(req.Trigger), "no_target").Inc()
		return FailoverEvent{}, err
	}

	now := o.clock.Now()
	ev := FailoverEvent{
		ID:          id,
		Trigger:     req.Trigger,
		Reason:      req.Reason,
		Criteria:    criteria,
		Drill:       req.Drill,
		FromSite:    source.ID,
		ToSite:      target.ID,
		PlanID:      plan.ID,
		State:       EventInitiated,
		Stage:       StageSelecting,
		Actor:       req.Actor,
		RPO:         target.ReplicationLag,
		InitiatedAt: now,
	}
	ev.ApprovalRequired = o.cfg.RequireApproval && req.Trigger != TriggerManual
	if ev.ApprovalRequired {
		ev.ApprovalExpiresAt = now.Add(o.cfg.ApprovalTimeout)
	}

	o.mu.Lock()
	o.done[id] = make(chan struct{})
	o.decisions[id] = make(chan decision, 1)
	o.mu.Unlock()

	if err := o.history.Put(id, ev); err != nil {
		o.release(id)
		o.closeDone(id)
		return FailoverEvent{}, drerrors.Transient(StageSelecting, err)
	}
	o.logger.WithFields(logrus.Fields{"failover": id, "trigger": req.Trigger, "from": source.ID, "to": target.ID, "drill": req.Drill}).
		Infof("Failover initiated: %s", req.Reason)
	o.publish(ev, "")
	o.alert(alerting.SeverityCritical, "Failover initiated",
		fmt.Sprintf("%s failover %s from %s to %s using plan %s: %s", req.Trigger, id, source.ID, target.ID, plan.ID, req.Reason), id)

	o.wg.Add(1)
	go o.run(id, plan, source, target)
	return ev.Clone(), nil
}

func (o *Orchestrator) chooseTarget(req Request) (Site, Site, error) {
	source, ok := o.Primary()
	if !ok {
		return Site{}, Site{}, drerrors.Configuration(StageSelecting, fmt.Errorf("no primary site configured"))
	}
	if req.Target == "" {
		target, ok := SelectTarget(o.sites.List(), o.cfg.RPO)
		if !ok {
			return Site{}, Site{}, drerrors.Policy(StageSelecting, fmt.Errorf("%w within RPO %s", drerrors.ErrNoFailoverTarget, o.cfg.RPO))
		}
		return source, target, nil
	}
	target, ok := o.sites.Get(req.Target)
	if !ok {
		return Site{}, Site{}, drerrors.Configuration(StageSelecting, fmt.Errorf("unknown site %q", req.Target))
	}
	if target.Role != RoleSecondary {
		return Site{}, Site{}, drerrors.Policy(StageSelecting, fmt.Errorf("site %s is already primary", target.ID))
	}
	if target.Status == SiteFailed || target.Status == SiteMaintenance {
		return Site{}, Site{}, drerrors.Policy(StageSelecting, fmt.Errorf("site %s is %s", target.ID, target.Status))
	}
	if !req.Force && o.cfg.RPO > 0 && (!target.LagKnown || target.ReplicationLag >= o.cfg.RPO) {
		return Site{}, Site{}, drerrors.Policy(StageSelecting, fmt.Errorf("site %s lag %s does not meet RPO %s", target.ID, target.ReplicationLag, o.cfg.RPO))
	}
	return source, target, nil
}

func (o *Orchestrator) run(id string, plan RecoveryPlan, source, target Site) {
	defer o.wg.Done()
	defer o.closeDone(id)
	defer o.release(id)

	ev, _ := o.history.Get(id)
	log := o.logger.WithField("failover", id)

	if ev.ApprovalRequired {
		o.update(id, func(e *FailoverEvent) {
			e.State = EventAwaitingApproval
			e.Stage = StageApproval
		})
		o.publish(o.snapshot(id), "")
		d, err := o.awaitDecision(id)
		if err != nil {
			log.Warnf("Warning: failover aborted at approval: %v", err)
			o.finish(id, EventFailed, StageApproval, err)
			return
		}
		o.update(id, func(e *FailoverEvent) {
			e.Approver = d.approver
			e.ApprovalReason = d.reason
		})
	}

	o.update(id, func(e *FailoverEvent) {
		e.State = EventInProgress
		e.StartedAt = o.clock.Now()
	})

	sc := &StepContext{EventID: id, Source: source, Target: target, Drill: ev.Drill}
	for _, step := range plan.Steps {
		if err := o.runStep(id, sc, step); err != nil {
			o.rollbackStep(id, sc, step)
			o.finish(id, EventFailed, step.ID, err)
			return
		}
	}

	if !ev.Drill {
		o.update(id, func(e *FailoverEvent) { e.Stage = StagePromoting })
		if err := o.promote(source.ID, target.ID); err != nil {
			o.finish(id, EventFailed, StagePromoting, err)
			return
		}
	}
	o.update(id, func(e *FailoverEvent) { e.BackupID = sc.BackupID })
	o.finish(id, EventCompleted, "", nil)
}

func (o *Orchestrator) runStep(id string, sc *StepContext, step RecoveryStep) error {
	log := o.logger.WithFields(logrus.Fields{"failover": id, "step": step.ID})
	idx := -1
	o.update(id, func(e *FailoverEvent) {
		e.Stage = step.ID
		e.Steps = append(e.Steps, FailoverStep{
			StepID:    step.ID,
			Name:      step.Name,
			Type:      step.Type,
			State:     StepRunning,
			StartedAt: o.clock.Now(),
		})
		idx = len(e.Steps) - 1
	})
	o.publish(o.snapshot(id), "")

	attempts := 0
	var msg string
	op := func() error {
		attempts++
		ctx, cancel := context.WithTimeout(o.ctx, step.timeout())
		defer cancel()
		out, err := o.executor.Execute(ctx, sc, step)
		if err == nil || errors.Is(err, ErrSkipped) {
			msg = out
			return err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("step %s timed out after %s: %w", step.ID, step.timeout(), err)
		}
		if !drerrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(step.retryDelay()), uint64(step.Retries)), o.ctx)
	err := backoff.RetryNotify(op, policy, func(err error, d time.Duration) {
		log.Warnf("Warning: step %s attempt %d failed, retrying in %s: %v", step.ID, attempts, d, err)
	})

	o.update(id, func(e *FailoverEvent) {
		s := &e.Steps[idx]
		s.Attempts = attempts
		s.CompletedAt = o.clock.Now()
		switch {
		case errors.Is(err, ErrSkipped):
			s.State = StepSkipped
			s.Message = "skipped during drill"
		case err != nil:
			s.State = StepFailed
			s.Error = err.Error()
		default:
			s.State = StepCompleted
			s.Message = msg
		}
	})
	if errors.Is(err, ErrSkipped) {
		log.Infof("Step %s skipped", step.ID)
		return nil
	}
	if err != nil {
		log.Errorf("Step %s failed after %d attempts: %v", step.ID, attempts, err)
		return err
	}
	log.Infof("Step %s completed: %s", step.ID, msg)
	return nil
}

func (o *Orchestrator) rollbackStep(id string, sc *StepContext, step RecoveryStep) {
	if step.Rollback == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), step.timeout())
	defer cancel()
	err := o.executor.Rollback(ctx, sc, step)
	o.update(id, func(e *FailoverEvent) {
		for i := len(e.Steps) - 1; i >= 0; i-- {
			if e.Steps[i].StepID != step.ID {
				continue
			}
			if err != nil {
				e.Steps[i].RollbackError = err.Error()
			} else {
				e.Steps[i].State = StepRolledBack
			}
			return
		}
	})
	if err != nil {
		o.logger.WithField("failover", id).Errorf("Rollback of step %s failed: %v", step.ID, err)
		return
	}
	o.logger.WithField("failover", id).Infof("Rolled back step %s", step.ID)
}

// promote swaps the primary designation
func (o *Orchestrator) promote(from, to string) error {
	if err := o.sites.Update(to, func(s *Site) error {
		s.Role = RolePrimary
		return nil
	}); err != nil {
		return err
	}
	return o.sites.Update(from, func(s *Site) error {
		s.Role = RoleSecondary
		return nil
	})
}

func (o *Orchestrator) awaitDecision(id string) (decision, error) {
	o.mu.Lock()
	ch := o.decisions[id]
	o.mu.Unlock()

	timer := o.clock.NewTimer(o.cfg.ApprovalTimeout)
	defer timer.Stop()
	select {
	case d := <-ch:
		if !d.approved {
			return d, drerrors.Policy(StageApproval, fmt.Errorf("%w by %s: %s", drerrors.ErrApprovalDenied, d.approver, d.reason))
		}
		return d, nil
	case <-timer.Chan():
		o.mu.Lock()
		delete(o.decisions, id)
		o.mu.Unlock()
		return decision{}, drerrors.Policy(StageApproval, fmt.Errorf("%w after %s", drerrors.ErrApprovalTimeout, o.cfg.ApprovalTimeout))
	case <-o.ctx.Done():
		return decision{}, drerrors.New(drerrors.ClassTransient, StageApproval, drerrors.ErrCancelled)
	}
}

// Approve lets a failover awaiting approval proceed
func (o *Orchestrator) Approve(id, approver, reason string) error {
	return o.decide(id, decision{approved: true, approver: approver, reason: reason})
}

// Reject aborts a failover awaiting approval
func (o *Orchestrator) Reject(id, approver, reason string) error {
	return o.decide(id, decision{approved: false, approver: approver, reason: reason})
}

func (o *Orchestrator) decide(id string, d decision) error {
	if d.approver == "" {
		return drerrors.Policy(StageApproval, fmt.Errorf("an approver is required"))
	}
	ev, ok := o.history.Get(id)
	if !ok {
		return fmt.Errorf("failover %s: %w", id, drerrors.ErrNotFound)
	}
	if ev.State != EventAwaitingApproval {
		return drerrors.Policy(StageApproval, fmt.Errorf("failover %s is %s, not awaiting approval", id, ev.State))
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, ok := o.decisions[id]
	if !ok {
		return drerrors.Policy(StageApproval, fmt.Errorf("failover %s is no longer awaiting approval", id))
	}
	delete(o.decisions, id)
	ch <- d
	return nil
}

// Rollback restores the previous primary after a completed failover
func (o *Orchestrator) Rollback(id, actor, reason string) (FailoverEvent, error) {
	if actor == "" {
		return FailoverEvent{}, drerrors.Policy("rollback", fmt.Errorf("an actor is required"))
	}
	o.mu.Lock()
	if o.active != "" {
		o.mu.Unlock()
		return FailoverEvent{}, drerrors.Policy("rollback", drerrors.ErrFailoverActive)
	}
	o.active = id
	o.mu.Unlock()
	defer o.release(id)

	ev, ok := o.history.Get(id)
	if !ok {
		return FailoverEvent{}, fmt.Errorf("failover %s: %w", id, drerrors.ErrNotFound)
	}
	if ev.State != EventCompleted || ev.Drill {
		return FailoverEvent{}, drerrors.Policy("rollback", fmt.Errorf("only completed failovers can be rolled back, %s is %s", id, ev.State))
	}
	if primary, ok := o.Primary(); !ok || primary.ID != ev.ToSite {
		return FailoverEvent{}, drerrors.Policy("rollback", fmt.Errorf("site %s is no longer primary", ev.ToSite))
	}
	if err := o.promote(ev.ToSite, ev.FromSite); err != nil {
		return FailoverEvent{}, err
	}
	o.update(id, func(e *FailoverEvent) {
		e.State = EventRolledBack
		e.Stage = "rolled_back"
		e.ApprovalReason = fmt.Sprintf("rolled back by %s: %s", actor, reason)
	})
	o.logger.WithField("failover", id).Infof("Failover rolled back by %s, %s is primary again", actor, ev.FromSite)
	o.alert(alerting.SeverityWarning, "Failover rolled back", fmt.Sprintf("Failover %s rolled back by %s: %s", id, actor, reason), id)
	metrics.Failovers.WithLabelValues(string(ev.Trigger), string(EventRolledBack)).Inc()
	out := o.snapshot(id)
	o.publish(out, "")
	return out, nil
}

func (o *Orchestrator) finish(id string, st EventState, failedStage string, err error) {
	now := o.clock.Now()
	o.update(id, func(e *FailoverEvent) {
		e.State = st
		e.CompletedAt = now
		if err != nil {
			e.FailedStage = failedStage
			e.Error = err.Error()
			return
		}
		e.Stage = StageCompleted
		e.RTO = now.Sub(e.InitiatedAt)
	})
	ev := o.snapshot(id)
	metrics.Failovers.WithLabelValues(string(ev.Trigger), string(st)).Inc()
	if err != nil {
		o.alert(alerting.SeverityCritical, "Failover failed",
			fmt.Sprintf("Failover %s from %s to %s failed at %s: %v", id, ev.FromSite, ev.ToSite, failedStage, err), id)
		o.publish(ev, ev.Error)
		return
	}
	if !ev.Drill {
		metrics.FailoverRTO.Set(ev.RTO.Seconds())
	}
	kind := "Failover"
	if ev.Drill {
		kind = "DR drill"
	}
	sev := alerting.SeverityInfo
	if o.cfg.RTO > 0 && ev.RTO > o.cfg.RTO {
		sev = alerting.SeverityWarning
	}
	o.alert(sev, kind+" completed",
		fmt.Sprintf("%s %s to %s completed in %s (RTO objective %s)", kind, id, ev.ToSite, ev.RTO.Round(time.Millisecond), o.cfg.RTO), id)
	o.logger.WithField("failover", id).Infof("%s completed in %s", kind, ev.RTO)
	o.publish(ev, "")
}

func (o *Orchestrator) update(id string, fn func(e *FailoverEvent)) {
	err := o.history.Update(id, func(e *FailoverEvent) error {
		fn(e)
		return nil
	})
	if err != nil {
		o.logger.Warnf("Warning: failed to persist failover %s: %v", id, err)
	}
}

func (o *Orchestrator) snapshot(id string) FailoverEvent {
	ev, _ := o.history.Get(id)
	return ev
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == id {
		o.active = ""
	}
	delete(o.decisions, id)
}

func (o *Orchestrator) closeDone(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ch, ok := o.done[id]; ok {
		close(ch)
		delete(o.done, id)
	}
}

// Wait blocks until the failover reaches a terminal state
func (o *Orchestrator) Wait(ctx context.Context, id string) (FailoverEvent, error) {
	o.mu.Lock()
	ch, running := o.done[id]
	o.mu.Unlock()
	if running {
		select {
		case <-ch:
		case <-ctx.Done():
			return FailoverEvent{}, ctx.Err()
		}
	}
	ev, ok := o.history.Get(id)
	if !ok {
		return FailoverEvent{}, fmt.Errorf("failover %s: %w", id, drerrors.ErrNotFound)
	}
	return ev, nil
}

// Active returns the failover in progress, if any
func (o *Orchestrator) Active() (FailoverEvent, bool) {
	o.mu.Lock()
	id := o.active
	o.mu.Unlock()
	if id == "" {
		return FailoverEvent{}, false
	}
	return o.history.Get(id)
}

// Event returns one failover
func (o *Orchestrator) Event(id string) (FailoverEvent, bool) {
	return o.history.Get(id)
}

// Events returns the failover history newest first
func (o *Orchestrator) Events() []FailoverEvent {
	out := o.history.List()
	sort.Slice(out, func(i, j int) bool { return out[i].InitiatedAt.After(out[j].InitiatedAt) })
	return out
}

func (o *Orchestrator) publish(ev FailoverEvent, errText string) {
	o.events.Publish(events.Event{
		OperationID: ev.ID,
		Operation:   events.OpFailover,
		Stage:       ev.Stage,
		Message:     fmt.Sprintf("%s %s -> %s: %s", ev.Trigger, ev.FromSite, ev.ToSite, ev.State),
		Error:       errText,
		Time:        o.clock.Now(),
	})
}

func (o *Orchestrator) alert(sev alerting.Severity, title, msg, eventID string) {
	fields := map[string]string{}
	if eventID != "" {
		fields["failover"] = eventID
	}
	o.alerts.Notify(context.Background(), alerting.Alert{
		ID:       uuid.NewString(),
		Severity: sev,
		Source:   "dr",
		Title:    title,
		Message:  msg,
		Fields:   fields,
		Time:     o.clock.Now(),
	})
}
