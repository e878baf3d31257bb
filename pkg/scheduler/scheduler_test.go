package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/dr"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/replication"
	"github.com/supporttools/GoDRGuard/pkg/restoretest"
	"github.com/supporttools/GoDRGuard/pkg/retention"
)

type fakeBackups struct {
	kinds []catalog.Kind
}

func (f *fakeBackups) CreateBackup(_ context.Context, kind catalog.Kind, tags map[string]string) (string, error) {
	f.kinds = append(f.kinds, kind)
	return "b-" + string(kind) + "-" + tags["trigger"], nil
}

func (f *fakeBackups) RotateKeyIfDue() (bool, error) { return false, nil }
func (f *fakeBackups) PruneJobs(time.Duration) int  { return 0 }

type fakeRetention struct {
	policies []retention.Policy
	due      int
}

func (f *fakeRetention) Policies() []retention.Policy { return f.policies }

func (f *fakeRetention) ExecutePolicy(_ context.Context, id string, dryRun bool) (retention.Execution, error) {
	return retention.Execution{PolicyID: id, DryRun: dryRun}, nil
}

func (f *fakeRetention) ExecuteDue(context.Context) ([]retention.Execution, error) {
	f.due++
	return nil, nil
}

type fakeReplication struct{ rules []replication.Rule }

func (f *fakeReplication) Rules() []replication.Rule { return f.rules }
func (f *fakeReplication) TriggerRule(context.Context, string) ([]replication.Job, error) {
	return nil, nil
}
func (f *fakeReplication) PruneJobs(time.Duration) (int, error) { return 0, nil }

type fakeTests struct{}

func (fakeTests) TriggerScheduled(context.Context) (restoretest.Run, error) {
	return restoretest.Run{ID: "t1"}, nil
}

type fakeDrills struct{}

func (fakeDrills) TriggerDrill(context.Context) (dr.FailoverEvent, error) {
	return dr.FailoverEvent{ID: "d1"}, nil
}

func testConfig() *config.AppConfig {
	cfg := &config.AppConfig{}
	cfg.Backup.Schedules = map[string]string{"full": "0 2 * * *", "incremental": "0 * * * *", "differential": ""}
	cfg.Retention.Enabled = true
	cfg.Replication.Enabled = true
	cfg.RestoreTesting.Enabled = true
	cfg.RestoreTesting.Schedule = "0 4 * * 0"
	cfg.DR.Enabled = true
	cfg.DR.DrillSchedule = "0 5 1 * *"
	return cfg
}

func TestSetupJobs(t *testing.T) {
	ret := &fakeRetention{policies: []retention.Policy{
		{ID: "nightly", Enabled: true, Schedule: "0 1 * * *"},
		{ID: "global", Enabled: true},
		{ID: "off", Enabled: false, Schedule: "0 1 * * *"},
	}}
	repl := &fakeReplication{rules: []replication.Rule{
		{ID: "west", Enabled: true, SyncMode: replication.SyncScheduled, Schedule: "*/10 * * * *"},
		{ID: "east", Enabled: true, SyncMode: replication.SyncImmediate},
	}}
	s := New(Deps{
		Config:       testConfig(),
		Backups:      &fakeBackups{},
		Retention:    ret,
		Replication:  repl,
		RestoreTests: fakeTests{},
		Drills:       fakeDrills{},
		Logger:       logging.Discard(),
	})
	require.NoError(t, s.SetupJobs())

	var names []string
	for _, e := range s.Entries() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{
		"backup:full",
		"backup:incremental",
		"dr-drill",
		"key-rotation",
		"prune",
		"replication:west",
		"restore-test",
		"retention",
		"retention:nightly",
	}, names)

	s.Start()
	defer s.Stop()
	next, err := s.NextRunTime("backup:full")
	require.NoError(t, err)
	assert.Equal(t, 2, next.Hour())
	_, err = s.NextRunTime("missing")
	assert.Error(t, err)
}

func TestInvalidScheduleIsSkipped(t *testing.T) {
	cfg := testConfig()
	cfg.Backup.Schedules = map[string]string{"full": "every day"}
	s := New(Deps{Config: cfg, Backups: &fakeBackups{}, Logger: logging.Discard()})
	require.NoError(t, s.SetupJobs())

	for _, e := range s.Entries() {
		assert.NotEqual(t, "backup:full", e.Name)
	}
}

func TestReloadSchedules(t *testing.T) {
	cfg := testConfig()
	s := New(Deps{Config: cfg, Backups: &fakeBackups{}, Logger: logging.Discard()})
	require.NoError(t, s.SetupJobs())
	before := len(s.Entries())

	delete(cfg.Backup.Schedules, "incremental")
	require.NoError(t, s.ReloadSchedules())
	assert.Len(t, s.Entries(), before-1)
}

func TestRunOnce(t *testing.T) {
	b := &fakeBackups{}
	ret := &fakeRetention{}
	cfg := testConfig()
	s := New(Deps{Config: cfg, Backups: b, Retention: ret, Logger: logging.Discard()})

	id, err := s.RunOnce(context.Background(), catalog.KindFull)
	require.NoError(t, err)
	assert.Equal(t, "b-full-manual", id)
	assert.Equal(t, []catalog.Kind{catalog.KindFull}, b.kinds)

	s.RunRetentionOnce(context.Background())
	assert.Equal(t, 1, ret.due)

	_, err = New(Deps{Config: cfg, Logger: logging.Discard()}).RunOnce(context.Background(), catalog.KindFull)
	assert.Error(t, err)
}
