package dr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoDRGuard/pkg/alerting"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/state"
)

type stepFunc func(ctx context.Context, sc *StepContext) (string, error)

type fakeExecutor struct {
	mu         sync.Mutex
	steps      map[string]stepFunc
	executed   []string
	rolledBack []string
	drill      []bool
}

func (f *fakeExecutor) Execute(ctx context.Context, sc *StepContext, step RecoveryStep) (string, error) {
	f.mu.Lock()
	f.executed = append(f.executed, step.ID)
	f.drill = append(f.drill, sc.Drill)
	fn := f.steps[step.ID]
	f.mu.Unlock()
	if fn == nil {
		return "ok", nil
	}
	return fn(ctx, sc)
}

func (f *fakeExecutor) Rollback(_ context.Context, _ *StepContext, step RecoveryStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rolledBack = append(f.rolledBack, step.ID)
	return nil
}

func (f *fakeExecutor) calls() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...), append([]string(nil), f.rolledBack...)
}

type fakeProber struct {
	mu   sync.Mutex
	errs map[string]error
}

func (p *fakeProber) Probe(_ context.Context, s Site) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return 5 * time.Millisecond, p.errs[s.ID]
}

type fakeLag map[string]time.Duration

func (l fakeLag) RegionLag(region string) (time.Duration, bool) {
	d, ok := l[region]
	return d, ok
}

type harness struct {
	o      *Orchestrator
	exec   *fakeExecutor
	prober *fakeProber
	alerts *alerting.Recorder
	clock  *testclock.Clock
}

func siteConfigs() []config.SiteConfig {
	return []config.SiteConfig{
		{ID: "east", Region: "us-east-1", Primary: true},
		{ID: "west", Region: "us-west-2", Priority: 1, AutoFailover: true},
		{ID: "central", Region: "us-central-1", Priority: 1, AutoFailover: true},
	}
}

func newHarness(t *testing.T, cfg config.DRConfig, lag fakeLag) *harness {
	t.Helper()
	if cfg.Sites == nil {
		cfg.Sites = siteConfigs()
	}
	if cfg.RPO == 0 {
		cfg.RPO = time.Minute
	}
	h := &harness{
		exec:   &fakeExecutor{steps: map[string]stepFunc{}},
		prober: &fakeProber{errs: map[string]error{}},
		alerts: &alerting.Recorder{},
		clock:  testclock.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	o, err := New(Deps{
		Config:   cfg,
		Prober:   h.prober,
		Lag:      lag,
		Executor: h.exec,
		Alerts:   h.alerts,
		Logger:   logging.Discard(),
		Clock:    h.clock,
	})
	require.NoError(t, err)
	t.Cleanup(o.Stop)
	h.o = o
	return h
}

func (h *harness) wait(t *testing.T, id string) FailoverEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := h.o.Wait(ctx, id)
	require.NoError(t, err)
	return ev
}

func (h *harness) waitState(t *testing.T, id string, st EventState) {
	t.Helper()
	require.Eventually(t, func() bool {
		ev, ok := h.o.Event(id)
		return ok && ev.State == st
	}, 5*time.Second, 5*time.Millisecond)
}

func testPlan(steps ...RecoveryStep) RecoveryPlan {
	return RecoveryPlan{ID: "test", Name: "test plan", Steps: steps}
}

func TestSelectTargetRespectsRPO(t *testing.T) {
	sites := []Site{
		{ID: "east", Role: RolePrimary, Status: SiteFailed},
		{ID: "west", Role: RoleSecondary, Status: SiteHealthy, AutoFailover: true, Priority: 1, ReplicationLag: 10 * time.Second, LagKnown: true},
		{ID: "central", Role: RoleSecondary, Status: SiteHealthy, AutoFailover: true, Priority: 1, ReplicationLag: 120 * time.Second, LagKnown: true},
	}
	got, ok := SelectTarget(sites, time.Minute)
	require.True(t, ok)
	assert.Equal(t, "west", got.ID)

	sites[1].ReplicationLag = 90 * time.Second
	_, ok = SelectTarget(sites, time.Minute)
	assert.False(t, ok)
}

func TestSelectTargetOrdersByPriorityThenLag(t *testing.T) {
	sites := []Site{
		{ID: "a", Role: RoleSecondary, Status: SiteHealthy, AutoFailover: true, Priority: 2, ReplicationLag: time.Second, LagKnown: true},
		{ID: "b", Role: RoleSecondary, Status: SiteHealthy, AutoFailover: true, Priority: 1, ReplicationLag: 30 * time.Second, LagKnown: true},
		{ID: "c", Role: RoleSecondary, Status: SiteHealthy, AutoFailover: true, Priority: 1, ReplicationLag: 20 * time.Second, LagKnown: true},
		{ID: "d", Role: RoleSecondary, Status: SiteHealthy, AutoFailover: false, Priority: 0, LagKnown: true},
		{ID: "e", Role: RoleSecondary, Status: SiteDegraded, AutoFailover: true, Priority: 0, LagKnown: true},
		{ID: "f", Role: RoleSecondary, Status: SiteHealthy, AutoFailover: true, Priority: 0},
	}
	got, ok := SelectTarget(sites, time.Minute)
	require.True(t, ok)
	assert.Equal(t, "c", got.ID)
}

func TestFailoverWithoutTargetAlerts(t *testing.T) {
	h := newHarness(t, config.DRConfig{}, fakeLag{"us-west-2": 2 * time.Minute, "us-central-1": 3 * time.Minute})
	h.o.CheckHealth(context.Background())

	_, err := h.o.Failover(context.Background(), Request{Reason: "test"})
	require.Error(t, err)
	assert.ErrorIs(t, err, drerrors.ErrNoFailoverTarget)
	assert.Equal(t, drerrors.ClassPolicy, drerrors.ClassOf(err))
	assert.Equal(t, 1, h.alerts.Count("dr"))
	assert.Empty(t, h.o.Events())
	_, active := h.o.Active()
	assert.False(t, active)
}

func TestFailureCriteria(t *testing.T) {
	s := Site{Status: SiteFailed, Uptime: 0.5, Recent: []bool{true, false}, ResponseTime: 6 * time.Second}
	assert.Len(t, FailureCriteria(s, 0.9, 5*time.Second), 3)

	s = Site{Status: SiteDegraded, Uptime: 0.95, Recent: []bool{true}, ResponseTime: time.Second}
	assert.Empty(t, FailureCriteria(s, 0.9, 5*time.Second))

	// thresholds of zero disable their criterion
	s = Site{Status: SiteDegraded, Uptime: 0, Recent: []bool{false}, ResponseTime: time.Hour}
	assert.Empty(t, FailureCriteria(s, 0, 0))
}

func TestHealthChecksTriggerAutomaticFailover(t *testing.T) {
	h := newHarness(t, config.DRConfig{
		FailureCriteriaMin:     2,
		UptimeFailureThreshold: 0.9,
		ResponseTimeCeiling:    5 * time.Second,
	}, fakeLag{"us-west-2": 10 * time.Second, "us-central-1": 2 * time.Minute})
	h.prober.errs["east"] = errors.New("connection refused")

	for i := 0; i < 2; i++ {
		h.o.CheckHealth(context.Background())
		east, _ := h.o.Site("east")
		assert.Equal(t, SiteDegraded, east.Status)
		assert.Empty(t, h.o.Events(), "one criterion is not enough")
	}

	h.o.CheckHealth(context.Background())
	east, _ := h.o.Site("east")
	assert.Equal(t, SiteFailed, east.Status)
	assert.Equal(t, 3, east.ConsecutiveFailures)

	evs := h.o.Events()
	require.Len(t, evs, 1)
	ev := h.wait(t, evs[0].ID)
	assert.Equal(t, TriggerAutomatic, ev.Trigger)
	assert.Equal(t, EventCompleted, ev.State)
	assert.Equal(t, "west", ev.ToSite)
	assert.Len(t, ev.Criteria, 2)
	assert.Equal(t, 10*time.Second, ev.RPO)

	primary, ok := h.o.Primary()
	require.True(t, ok)
	assert.Equal(t, "west", primary.ID)
	old, _ := h.o.Site("east")
	assert.Equal(t, RoleSecondary, old.Role)
}

func TestMaintenanceSitesAreNotProbed(t *testing.T) {
	h := newHarness(t, config.DRConfig{}, fakeLag{})
	require.NoError(t, h.o.SetMaintenance("central", true))
	h.prober.errs["central"] = errors.New("down")

	h.o.CheckHealth(context.Background())
	s, _ := h.o.Site("central")
	assert.Equal(t, SiteMaintenance, s.Status)
	assert.Zero(t, s.ConsecutiveFailures)

	require.NoError(t, h.o.SetMaintenance("central", false))
	h.o.CheckHealth(context.Background())
	s, _ = h.o.Site("central")
	assert.Equal(t, SiteDegraded, s.Status)
}

func TestStepTimeoutFailsAndRollsBack(t *testing.T) {
	h := newHarness(t, config.DRConfig{}, fakeLag{"us-west-2": 10 * time.Second})
	h.o.CheckHealth(context.Background())
	require.NoError(t, h.o.PutPlan(testPlan(
		RecoveryStep{ID: "prepare", Type: StepValidation},
		RecoveryStep{ID: "start-db", Type: StepCustom, Timeout: 20 * time.Millisecond, Rollback: "systemctl stop db",
			Custom: &CustomParams{Command: "systemctl start db"}},
		RecoveryStep{ID: "never", Type: StepValidation},
	)))
	h.exec.steps["start-db"] = func(ctx context.Context, _ *StepContext) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	ev, err := h.o.Failover(context.Background(), Request{Reason: "test", PlanID: "test", Actor: "ops"})
	require.NoError(t, err)
	ev = h.wait(t, ev.ID)

	assert.Equal(t, EventFailed, ev.State)
	assert.Equal(t, "start-db", ev.FailedStage)
	assert.Contains(t, ev.Error, "timed out")
	require.Len(t, ev.Steps, 2)
	assert.Equal(t, StepCompleted, ev.Steps[0].State)
	assert.Equal(t, StepRolledBack, ev.Steps[1].State)

	executed, rolledBack := h.exec.calls()
	assert.Equal(t, []string{"prepare", "start-db"}, executed)
	assert.Equal(t, []string{"start-db"}, rolledBack)

	primary, _ := h.o.Primary()
	assert.Equal(t, "east", primary.ID)
	_, active := h.o.Active()
	assert.False(t, active)
}

func TestStepRetriesTransientFailures(t *testing.T) {
	h := newHarness(t, config.DRConfig{}, fakeLag{"us-west-2": 10 * time.Second})
	h.o.CheckHealth(context.Background())
	require.NoError(t, h.o.PutPlan(testPlan(
		RecoveryStep{ID: "flaky", Type: StepValidation, Retries: 3, RetryDelay: time.Millisecond},
		RecoveryStep{ID: "broken", Type: StepValidation, Retries: 3, RetryDelay: time.Millisecond},
	)))
	n := 0
	h.exec.steps["flaky"] = func(context.Context, *StepContext) (string, error) {
		n++
		if n < 3 {
			return "", errors.New("connection reset")
		}
		return "ready", nil
	}
	h.exec.steps["broken"] = func(context.Context, *StepContext) (string, error) {
		return "", drerrors.Configuration("validate", errors.New("bad target"))
	}

	ev, err := h.o.Failover(context.Background(), Request{Reason: "test", PlanID: "test"})
	require.NoError(t, err)
	ev = h.wait(t, ev.ID)

	require.Len(t, ev.Steps, 2)
	assert.Equal(t, 3, ev.Steps[0].Attempts)
	assert.Equal(t, StepCompleted, ev.Steps[0].State)
	assert.Equal(t, 1, ev.Steps[1].Attempts, "configuration errors are not retried")
	assert.Equal(t, StepFailed, ev.Steps[1].State)
	assert.Equal(t, EventFailed, ev.State)
}

func TestApprovalRejected(t *testing.T) {
	h := newHarness(t, config.DRConfig{RequireApproval: true, ApprovalTimeout: 15 * time.Minute}, fakeLag{"us-west-2": 10 * time.Second})
	h.o.CheckHealth(context.Background())

	ev, err := h.o.Failover(context.Background(), Request{Trigger: TriggerAutomatic, Reason: "primary down"})
	require.NoError(t, err)
	assert.True(t, ev.ApprovalRequired)
	h.waitState(t, ev.ID, EventAwaitingApproval)

	assert.Error(t, h.o.Reject(ev.ID, "", "no approver"))
	require.NoError(t, h.o.Reject(ev.ID, "alice", "false alarm"))
	ev = h.wait(t, ev.ID)

	assert.Equal(t, EventFailed, ev.State)
	assert.Equal(t, StageApproval, ev.FailedStage)
	assert.Contains(t, ev.Error, "false alarm")
	executed, _ := h.exec.calls()
	assert.Empty(t, executed)
	primary, _ := h.o.Primary()
	assert.Equal(t, "east", primary.ID)

	assert.Error(t, h.o.Approve(ev.ID, "bob", "too late"))
}

func TestApprovalTimeout(t *testing.T) {
	h := newHarness(t, config.DRConfig{RequireApproval: true, ApprovalTimeout: 15 * time.Minute}, fakeLag{"us-west-2": 10 * time.Second})
	h.o.CheckHealth(context.Background())

	ev, err := h.o.Failover(context.Background(), Request{Trigger: TriggerAutomatic, Reason: "primary down"})
	require.NoError(t, err)
	h.waitState(t, ev.ID, EventAwaitingApproval)

	require.NoError(t, h.clock.WaitAdvance(15*time.Minute, 5*time.Second, 1))
	ev = h.wait(t, ev.ID)
	assert.Equal(t, EventFailed, ev.State)
	assert.Equal(t, StageApproval, ev.FailedStage)
	assert.Contains(t, ev.Error, drerrors.ErrApprovalTimeout.Error())
}

func TestApprovedFailoverRuns(t *testing.T) {
	h := newHarness(t, config.DRConfig{RequireApproval: true, ApprovalTimeout: 15 * time.Minute}, fakeLag{"us-west-2": 10 * time.Second})
	h.o.CheckHealth(context.Background())

	ev, err := h.o.Failover(context.Background(), Request{Trigger: TriggerAutomatic, Reason: "primary down"})
	require.NoError(t, err)
	h.waitState(t, ev.ID, EventAwaitingApproval)
	require.NoError(t, h.o.Approve(ev.ID, "alice", "confirmed outage"))

	ev = h.wait(t, ev.ID)
	assert.Equal(t, EventCompleted, ev.State)
	assert.Equal(t, "alice", ev.Approver)
}

func TestManualFailoverSkipsApproval(t *testing.T) {
	h := newHarness(t, config.DRConfig{RequireApproval: true}, fakeLag{"us-west-2": 10 * time.Second})
	h.o.CheckHealth(context.Background())

	ev, err := h.o.Failover(context.Background(), Request{Reason: "planned move", Actor: "ops"})
	require.NoError(t, err)
	assert.False(t, ev.ApprovalRequired)
	assert.Equal(t, EventCompleted, h.wait(t, ev.ID).State)
}

func TestOnlyOneActiveFailover(t *testing.T) {
	h := newHarness(t, config.DRConfig{}, fakeLag{"us-west-2": 10 * time.Second, "us-central-1": 20 * time.Second})
	h.o.CheckHealth(context.Background())
	release := make(chan struct{})
	require.NoError(t, h.o.PutPlan(testPlan(RecoveryStep{ID: "hold", Type: StepValidation})))
	h.exec.steps["hold"] = func(ctx context.Context, _ *StepContext) (string, error) {
		<-release
		return "released", nil
	}

	first, err := h.o.Failover(context.Background(), Request{Reason: "first", PlanID: "test"})
	require.NoError(t, err)
	_, err = h.o.Failover(context.Background(), Request{Reason: "second", PlanID: "test", Target: "central"})
	require.Error(t, err)
	assert.ErrorIs(t, err, drerrors.ErrFailoverActive)

	active, ok := h.o.Active()
	require.True(t, ok)
	assert.Equal(t, first.ID, active.ID)

	close(release)
	assert.Equal(t, EventCompleted, h.wait(t, first.ID).State)
	assert.Len(t, h.o.Events(), 1)
}

func TestExplicitTargetNeedsForceBeyondRPO(t *testing.T) {
	h := newHarness(t, config.DRConfig{}, fakeLag{"us-west-2": 10 * time.Second, "us-central-1": 2 * time.Minute})
	h.o.CheckHealth(context.Background())

	_, err := h.o.Failover(context.Background(), Request{Reason: "move", Target: "central"})
	require.Error(t, err)
	assert.Equal(t, drerrors.ClassPolicy, drerrors.ClassOf(err))

	ev, err := h.o.Failover(context.Background(), Request{Reason: "move", Target: "central", Force: true})
	require.NoError(t, err)
	assert.Equal(t, "central", h.wait(t, ev.ID).ToSite)

	_, err = h.o.Failover(context.Background(), Request{Reason: "move", Target: "nowhere"})
	assert.Equal(t, drerrors.ClassConfiguration, drerrors.ClassOf(err))
}

func TestDrillDoesNotMovePrimary(t *testing.T) {
	h := newHarness(t, config.DRConfig{}, fakeLag{"us-west-2": 10 * time.Second})
	h.o.CheckHealth(context.Background())

	ev, err := h.o.TriggerDrill(context.Background())
	require.NoError(t, err)
	ev = h.wait(t, ev.ID)

	assert.Equal(t, EventCompleted, ev.State)
	assert.True(t, ev.Drill)
	assert.Equal(t, TriggerScheduled, ev.Trigger)
	primary, _ := h.o.Primary()
	assert.Equal(t, "east", primary.ID)

	h.exec.mu.Lock()
	for _, d := range h.exec.drill {
		assert.True(t, d)
	}
	h.exec.mu.Unlock()

	_, err = h.o.Rollback(ev.ID, "ops", "nothing to undo")
	assert.Error(t, err)
}

func TestFailoverAndRollback(t *testing.T) {
	h := newHarness(t, config.DRConfig{RTO: time.Hour}, fakeLag{"us-west-2": 10 * time.Second})
	h.o.CheckHealth(context.Background())

	ev, err := h.o.Failover(context.Background(), Request{Reason: "region evacuation", Actor: "ops"})
	require.NoError(t, err)
	assert.Equal(t, "default", ev.PlanID)
	ev = h.wait(t, ev.ID)

	assert.Equal(t, EventCompleted, ev.State)
	assert.Equal(t, StageCompleted, ev.Stage)
	assert.GreaterOrEqual(t, ev.RTO, time.Duration(0))
	assert.False(t, ev.CompletedAt.IsZero())
	require.Len(t, ev.Steps, 2)
	primary, _ := h.o.Primary()
	assert.Equal(t, "west", primary.ID)

	_, err = h.o.Rollback(ev.ID, "", "missing actor")
	assert.Error(t, err)
	rolled, err := h.o.Rollback(ev.ID, "ops", "failback")
	require.NoError(t, err)
	assert.Equal(t, EventRolledBack, rolled.State)
	primary, _ = h.o.Primary()
	assert.Equal(t, "east", primary.ID)

	titles := make([]string, 0)
	for _, a := range h.alerts.Alerts() {
		titles = append(titles, a.Title)
	}
	assert.Contains(t, titles, "Failover initiated")
	assert.Contains(t, titles, "Failover completed")
	assert.Contains(t, titles, "Failover rolled back")
}

func TestRestartMarksInterruptedFailoversFailed(t *testing.T) {
	history := state.NewMemory[FailoverEvent]("failovers")
	require.NoError(t, history.Put("old", FailoverEvent{ID: "old", State: EventInProgress, Stage: "sync"}))
	require.NoError(t, history.Put("done", FailoverEvent{ID: "done", State: EventCompleted}))

	o, err := New(Deps{
		Config:   config.DRConfig{Sites: siteConfigs()},
		History:  history,
		Executor: &fakeExecutor{},
		Logger:   logging.Discard(),
		Clock:    testclock.NewClock(time.Now()),
	})
	require.NoError(t, err)
	defer o.Stop()

	old, _ := o.Event("old")
	assert.Equal(t, EventFailed, old.State)
	assert.Equal(t, "sync", old.FailedStage)
	done, _ := o.Event("done")
	assert.Equal(t, EventCompleted, done.State)
}

func TestNewRequiresExactlyOnePrimary(t *testing.T) {
	sites := siteConfigs()
	sites[1].Primary = true
	_, err := New(Deps{Config: config.DRConfig{Sites: sites}, Executor: &fakeExecutor{}, Logger: logging.Discard()})
	assert.Equal(t, drerrors.ClassConfiguration, drerrors.ClassOf(err))

	_, err = New(Deps{Config: config.DRConfig{Sites: siteConfigs()}})
	assert.Error(t, err)
}

func TestValidatePlan(t *testing.T) {
	tests := []struct {
		name string
		plan RecoveryPlan
		want string
	}{
		{"valid", DefaultPlan("default"), ""},
		{"no steps", RecoveryPlan{ID: "p"}, "Steps"},
		{"unknown type", testPlan(RecoveryStep{ID: "a", Type: "reboot"}), "Type"},
		{"duplicate step", testPlan(RecoveryStep{ID: "a", Type: StepValidation}, RecoveryStep{ID: "a", Type: StepValidation}), "duplicate"},
		{"forward dependency", testPlan(RecoveryStep{ID: "a", Type: StepValidation, DependsOn: []string{"b"}}, RecoveryStep{ID: "b", Type: StepValidation}), "not an earlier step"},
		{"missing params", testPlan(RecoveryStep{ID: "a", Type: StepCustom}), "requires its parameters"},
		{"wrong params", testPlan(RecoveryStep{ID: "a", Type: StepValidation, Custom: &CustomParams{Command: "true"}}), "not allowed"},
		{"bad dns url", testPlan(RecoveryStep{ID: "a", Type: StepDNSUpdate, DNSUpdate: &DNSUpdateParams{Endpoint: "not a url", Record: "db"}}), "Endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePlan(tt.plan)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, drerrors.ClassConfiguration, drerrors.ClassOf(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDecodePlans(t *testing.T) {
	good := `
plans:
  - id: west
    name: Promote west
    steps:
      - id: restore
        type: backup_restore
        timeout: 30m
        retries: 1
        rollback: "dropdb app"
        backupRestore:
          host: db.west
          port: 5432
          username: postgres
          passwordEnv: PGPASSWORD
          database: app
      - id: dns
        type: dns_update
        dependsOn: [restore]
        dnsUpdate:
          endpoint: https://dns.example.com/api/records
          record: db.example.com
`
	plans, err := decodePlans([]byte(good))
	require.NoError(t, err)
	require.Len(t, plans, 1)
	require.Len(t, plans[0].Steps, 2)
	assert.Equal(t, 30*time.Minute, plans[0].Steps[0].Timeout)
	assert.Equal(t, "PGPASSWORD", plans[0].Steps[0].BackupRestore.PasswordEnv)

	_, err = decodePlans([]byte(strings.Replace(good, "type: dns_update", "type: teleport", 1)))
	assert.Error(t, err)

	_, err = decodePlans([]byte(strings.Replace(good, "retries: 1", "retires: 1", 1)))
	assert.Error(t, err, "unknown fields are rejected")

	dup := good + good[strings.Index(good, "  - id: west"):]
	_, err = decodePlans([]byte(dup))
	assert.Error(t, err)
}

type recordingRunner struct {
	commands []string
	env      []string
}

func (r *recordingRunner) Run(_ context.Context, command string, env []string) error {
	r.commands = append(r.commands, command)
	r.env = env
	return nil
}

func TestRunnerSkipsOutwardStepsDuringDrill(t *testing.T) {
	cmds := &recordingRunner{}
	r := &Runner{Commands: cmds}
	sc := &StepContext{EventID: "e1", Target: Site{ID: "west", Region: "us-west-2"}, Drill: true}

	for _, step := range []RecoveryStep{
		{ID: "dns", Type: StepDNSUpdate, DNSUpdate: &DNSUpdateParams{Endpoint: "http://127.0.0.1:1", Record: "db"}},
		{ID: "svc", Type: StepServiceStart, ServiceStart: &ServiceStartParams{Service: "app", Command: "start app"}},
		{ID: "cmd", Type: StepCustom, Custom: &CustomParams{Command: "echo hi"}},
	} {
		_, err := r.Execute(context.Background(), sc, step)
		assert.ErrorIs(t, err, ErrSkipped, step.ID)
	}
	assert.Empty(t, cmds.commands)

	sc.Drill = false
	out, err := r.Execute(context.Background(), sc, RecoveryStep{ID: "svc", Type: StepServiceStart,
		ServiceStart: &ServiceStartParams{Service: "app", Command: "start app"}})
	require.NoError(t, err)
	assert.Equal(t, "started app", out)
	assert.Equal(t, []string{"start app"}, cmds.commands)
	assert.Contains(t, cmds.env, "DR_TARGET_SITE=west")
	assert.Contains(t, cmds.env, fmt.Sprintf("DR_DRILL=%t", false))
}

func TestRunnerRestoreWithoutBackupSource(t *testing.T) {
	r := &Runner{}
	sc := &StepContext{EventID: "e1", Target: Site{ID: "west", Region: "us-west-2"}, BackupID: "synced-earlier"}
	step := RecoveryStep{ID: "restore", Type: StepBackupRestore, BackupRestore: &BackupRestoreParams{Host: "db-west", Database: "shop"}}

	var err error
	require.NotPanics(t, func() {
		_, err = r.Execute(context.Background(), sc, step)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no backup source configured")
}

func TestRunnerValidationChecksLag(t *testing.T) {
	r := &Runner{}
	sc := &StepContext{Target: Site{ID: "west", Status: SiteHealthy, ReplicationLag: 2 * time.Minute, LagKnown: true}}
	_, err := r.Execute(context.Background(), sc, RecoveryStep{ID: "v", Type: StepValidation, Validation: &ValidationParams{MaxLag: time.Minute}})
	assert.Error(t, err)

	out, err := r.Execute(context.Background(), sc, RecoveryStep{ID: "v", Type: StepValidation})
	require.NoError(t, err)
	assert.Contains(t, out, "healthy")
}
