package restoretest_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/GoDRGuard/pkg/alerting"
	"github.com/supporttools/GoDRGuard/pkg/backup/backuptest"
	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/restoretest"
	"github.com/supporttools/GoDRGuard/pkg/state"
	"github.com/supporttools/GoDRGuard/pkg/verification"
)

func testConfig() config.RestoreTestingConfig {
	return config.RestoreTestingConfig{
		Enabled:            true,
		MaxConcurrentTests: 2,
		DefaultType:        "basic",
		Teardown:           true,
		SampleRows:         2,
		MaxRestoreTime:     time.Minute,
		MaxQueryTime:       time.Second,
		RequiredTables:     []string{"orders"},
		Environments: []config.EnvironmentConfig{
			{Name: "staging", Type: "mysql", Host: "restore.internal", DatabasePrefix: "t_"},
		},
	}
}

type harness struct {
	f   *backuptest.Fixture
	svc *restoretest.Service
	id  string
}

func newHarness(t *testing.T, cfg config.RestoreTestingConfig, runs *state.Collection[restoretest.Run]) *harness {
	t.Helper()
	f := backuptest.New(t, backuptest.WithEncryption())
	id, err := f.Engine.CreateBackup(context.Background(), catalog.KindFull, nil)
	require.NoError(t, err)

	svc, err := restoretest.New(restoretest.Deps{
		Config:       cfg,
		Engine:       f.Engine,
		Catalog:      f.Catalog,
		Providers:    func(config.EnvironmentConfig) (common.Provider, error) { return f.Provider, nil },
		Source:       f.Provider,
		SourceTarget: common.Target{Database: "shop"},
		Runs:         runs,
		Alerts:       f.Alerts,
		Events:       f.Bus,
		Logger:       logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(svc.Stop)
	return &harness{f: f, svc: svc, id: id}
}

func (h *harness) runAndWait(t *testing.T, req restoretest.Request) restoretest.Run {
	t.Helper()
	run, err := h.svc.Queue(req)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err = h.svc.Wait(ctx, run.ID)
	require.NoError(t, err)
	return run
}

func checkNames(run restoretest.Run) []string {
	var names []string
	for _, c := range run.Checks {
		names = append(names, c.Name)
	}
	return names
}

func TestBasicRunPassesAndTearsDown(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	run := h.runAndWait(t, restoretest.Request{BackupID: h.id})

	assert.Equal(t, restoretest.StateCompleted, run.State)
	assert.Equal(t, restoretest.OutcomePassed, run.Outcome)
	assert.Equal(t, restoretest.StageCompleted, run.Stage)
	assert.Equal(t, "staging", run.Environment)
	assert.Contains(t, run.Database, "t_restore_")
	assert.ElementsMatch(t, []string{"schema_present", "table_orders", "sample_orders"}, checkNames(run))
	assert.Equal(t, 100.0, run.Summary.SuccessRate)
	require.NotNil(t, run.Inspection)
	assert.EqualValues(t, 3, run.Inspection.TotalRows())

	assert.True(t, run.TornDown)
	assert.Contains(t, h.f.Provider.Dropped, run.Database)
	_, exists := h.f.Provider.Database(run.Database)
	assert.False(t, exists)
}

func TestComprehensiveRunComparesSchemaObjects(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	keep := false
	run := h.runAndWait(t, restoretest.Request{BackupID: h.id, Type: restoretest.TypeComprehensive, Teardown: &keep})

	assert.Equal(t, restoretest.OutcomePassed, run.Outcome, "%+v", run.Checks)
	names := checkNames(run)
	for _, want := range []string{"foreign_keys", "indexes", "triggers", "views", "restore_time", "query_time"} {
		assert.Contains(t, names, want)
	}
	assert.False(t, run.TornDown)
	db, exists := h.f.Provider.Database(run.Database)
	require.True(t, exists)
	assert.Len(t, db.Tables["orders"], 3)
}

func TestDisasterScenarios(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	run := h.runAndWait(t, restoretest.Request{BackupID: h.id, Type: restoretest.TypeDisaster})

	assert.Equal(t, restoretest.OutcomePassed, run.Outcome, "%+v", run.Checks)
	assert.Equal(t, []restoretest.Scenario{restoretest.ScenarioPointInTime, restoretest.ScenarioPartialLoss}, run.Scenarios)
	names := checkNames(run)
	assert.Contains(t, names, "scenario_point_in_time")
	assert.Contains(t, names, "scenario_partial_loss")
	assert.Contains(t, h.f.Provider.Dropped, run.Database+"_pit")
}

func TestMissingRequiredTableIsCritical(t *testing.T) {
	cfg := testConfig()
	cfg.RequiredTables = []string{"orders", "invoices"}
	h := newHarness(t, cfg, nil)
	run := h.runAndWait(t, restoretest.Request{BackupID: h.id})

	assert.Equal(t, restoretest.StateCompleted, run.State)
	assert.Equal(t, restoretest.OutcomeFailed, run.Outcome)
	assert.Equal(t, []string{"table_invoices"}, run.Summary.CriticalFailures)
	assert.Equal(t, 1, h.f.Alerts.Count("restoretest"))
	assert.Equal(t, alerting.SeverityCritical, h.f.Alerts.Alerts()[len(h.f.Alerts.Alerts())-1].Severity)
}

func TestRestoreFailureNamesStage(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.f.Provider.RestoreErr = errors.New("ERROR 1045: access denied")
	run := h.runAndWait(t, restoretest.Request{BackupID: h.id})

	assert.Equal(t, restoretest.StateFailed, run.State)
	assert.Equal(t, restoretest.StageRestoring, run.FailedStage)
	assert.Contains(t, run.Error, "access denied")
	assert.True(t, run.TornDown)
}

func TestQueueValidation(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	tests := []struct {
		name string
		req  restoretest.Request
	}{
		{"unknown type", restoretest.Request{BackupID: h.id, Type: "chaos"}},
		{"unknown environment", restoretest.Request{BackupID: h.id, Environment: "prod"}},
		{"unknown backup", restoretest.Request{BackupID: "missing"}},
		{"unknown scenario", restoretest.Request{BackupID: h.id, Type: restoretest.TypeDisaster, Scenarios: []restoretest.Scenario{"meteor"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Queue(tt.req)
			require.Error(t, err)
			assert.Equal(t, drerrors.ClassConfiguration, drerrors.ClassOf(err))
		})
	}
	assert.Empty(t, h.svc.List())
}

func TestQueueIsFIFOAndBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentTests = 1
	h := newHarness(t, cfg, nil)
	h.f.Provider.RestoreTime = 100 * time.Millisecond

	first, err := h.svc.Queue(restoretest.Request{BackupID: h.id})
	require.NoError(t, err)
	second, err := h.svc.Queue(restoretest.Request{BackupID: h.id})
	require.NoError(t, err)
	third, err := h.svc.Queue(restoretest.Request{BackupID: h.id})
	require.NoError(t, err)

	got, err := h.svc.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, restoretest.StateQueued, got.State)

	require.NoError(t, h.svc.Cancel(third.ID))
	got, err = h.svc.Get(third.ID)
	require.NoError(t, err)
	assert.Equal(t, restoretest.StateCancelled, got.State)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r1, err := h.svc.Wait(ctx, first.ID)
	require.NoError(t, err)
	r2, err := h.svc.Wait(ctx, second.ID)
	require.NoError(t, err)

	assert.Equal(t, restoretest.StateCompleted, r1.State)
	assert.Equal(t, restoretest.StateCompleted, r2.State)
	assert.False(t, r2.StartedAt.Before(r1.CompletedAt))

	assert.Error(t, h.svc.Cancel(first.ID))
}

func TestCancelRunningTest(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.f.Provider.RestoreTime = 5 * time.Second

	run, err := h.svc.Queue(restoretest.Request{BackupID: h.id})
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		r, err := h.svc.Get(run.ID)
		return err == nil && r.Stage == restoretest.StageRestoring
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.svc.Cancel(run.ID))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err = h.svc.Wait(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, restoretest.StateCancelled, run.State)
}

func TestInterruptedRunsFailOnRestart(t *testing.T) {
	runs := state.NewMemory[restoretest.Run]("restore_tests")
	require.NoError(t, runs.Put("stale", restoretest.Run{ID: "stale", State: restoretest.StateRunning, Stage: restoretest.StageRestoring}))

	h := newHarness(t, testConfig(), runs)
	run, err := h.svc.Get("stale")
	require.NoError(t, err)
	assert.Equal(t, restoretest.StateFailed, run.State)
	assert.Equal(t, restoretest.StageRestoring, run.FailedStage)
	assert.Equal(t, "interrupted by restart", run.Error)
}

func TestVerifyRestoreFeedsVerification(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	svc, err := verification.New(verification.Deps{
		Config:       config.VerificationConfig{Restoration: true, Consistency: true},
		Engine:       h.f.Engine,
		Catalog:      h.f.Catalog,
		Source:       h.f.Provider,
		SourceTarget: common.Target{Database: "shop"},
		Restorer:     h.svc,
		Logger:       logging.Discard(),
	})
	require.NoError(t, err)

	res, err := svc.Verify(context.Background(), h.id)
	require.NoError(t, err)
	assert.Equal(t, verification.StatusPassed, res.Status, "%+v", res.Details)
	cons, ok := res.Detail(verification.CheckConsistency)
	require.True(t, ok)
	assert.Equal(t, verification.StatusPassed, cons.Status)
	assert.Len(t, h.svc.List(), 1)
}

func TestTriggerScheduled(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	run, err := h.svc.TriggerScheduled(context.Background())
	require.NoError(t, err)
	assert.Equal(t, h.id, run.BackupID)
	assert.Equal(t, restoretest.TypeBasic, run.Type)
}

func TestSummarize(t *testing.T) {
	s := restoretest.Summarize([]restoretest.CheckResult{
		{Name: "a", Status: restoretest.CheckPassed},
		{Name: "b", Status: restoretest.CheckWarning},
		{Name: "c", Status: restoretest.CheckFailed, Critical: true},
		{Name: "d", Status: restoretest.CheckPassed},
	})
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.Passed)
	assert.Equal(t, 1, s.Warnings)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 50.0, s.SuccessRate)
	assert.Equal(t, []string{"c"}, s.CriticalFailures)
	assert.Equal(t, restoretest.OutcomeFailed, s.Outcome())
}
