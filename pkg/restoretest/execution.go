package restoretest

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/supporttools/GoDRGuard/pkg/backup"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
)

// execution carries the working state of one run
type execution struct {
	svc *Service
	run Run
	log *logrus.Entry

	stage           string
	provider        common.Provider
	target          common.Target
	inspection      *common.Inspection
	restoreDuration time.Duration
	checks          []CheckResult
	tornDown        bool
}

func (x *execution) enter(stage string, progress float64) {
	x.stage = stage
	x.svc.update(x.run.ID, func(r *Run) { r.Stage = stage })
	x.svc.events.Publish(eventFor(x.run.ID, stage, progress, x.svc.clock.Now()))
}

func (x *execution) perform(ctx context.Context) (err error) {
	env := x.svc.cfg.Environment(x.run.Environment)
	if env == nil {
		return drerrors.Configuration(StageProvisioning, fmt.Errorf("restore test environment %q no longer exists", x.run.Environment))
	}

	x.enter(StageProvisioning, 5)
	x.provider, err = x.svc.providers(*env)
	if err != nil {
		return drerrors.Environment(StageProvisioning, err)
	}
	x.target = common.TargetFromEnvironment(*env).WithDatabase(x.run.Database)
	if err := x.provider.CreateDatabase(ctx, x.target); err != nil {
		return drerrors.Environment(StageProvisioning, err)
	}
	defer func() {
		if x.run.Teardown {
			x.teardown()
		}
	}()

	x.enter(StageRestoring, 15)
	if err := x.restore(ctx, x.target); err != nil {
		return err
	}
	x.inspection, err = x.provider.Inspect(ctx, x.target)
	if err != nil {
		return drerrors.Environment(StageValidating, err)
	}

	x.enter(StageValidating, 50)
	x.schemaChecks()
	x.sampleChecks(ctx)
	if x.run.Type == TypeComprehensive {
		x.objectChecks(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if x.run.Type == TypePerformance || x.run.Type == TypeComprehensive {
		x.enter(StageBenchmarking, 70)
		x.benchmarkChecks(ctx)
	}

	if x.run.Type == TypeDisaster {
		x.enter(StageScenarios, 70)
		for _, sc := range x.run.Scenarios {
			if err := ctx.Err(); err != nil {
				return err
			}
			x.scenario(ctx, sc)
		}
	}
	return ctx.Err()
}

func (x *execution) restore(ctx context.Context, target common.Target) error {
	start := x.svc.clock.Now()
	_, err := x.svc.engine.RestoreBackup(ctx, x.run.BackupID, target, backup.RestoreOptions{
		VerifyChecksum: true,
		Provider:       x.provider,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return drerrors.New(drerrors.ClassOf(err), StageRestoring, err)
	}
	x.restoreDuration = x.svc.clock.Now().Sub(start)
	return nil
}

func (x *execution) teardown() {
	x.stage = StageTeardown
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, db := range []string{x.run.Database, x.run.Database + "_pit"} {
		target := x.target.WithDatabase(db)
		if db != x.run.Database && !x.hasScenario(ScenarioPointInTime) {
			continue
		}
		if err := x.provider.DropDatabase(ctx, target); err != nil {
			x.log.WithError(err).Warnf("Warning: failed to drop ephemeral database %s", db)
			return
		}
	}
	x.tornDown = true
}

func (x *execution) add(c CheckResult) {
	x.checks = append(x.checks, c)
}

// schemaChecks requires restored tables and every configured required table
func (x *execution) schemaChecks() {
	c := CheckResult{Name: "schema_present", Category: "schema", Critical: true}
	if len(x.inspection.Tables) == 0 {
		c.Status, c.Message = CheckFailed, "restored database has no tables"
	} else {
		c.Status, c.Message = CheckPassed, fmt.Sprintf("%d tables restored", len(x.inspection.Tables))
	}
	x.add(c)

	for _, name := range x.svc.cfg.RequiredTables {
		c := CheckResult{Name: "table_" + name, Category: "schema", Critical: true}
		if _, ok := x.inspection.Table(name); ok {
			c.Status, c.Message = CheckPassed, "present"
		} else {
			c.Status, c.Message = CheckFailed, "required table missing"
		}
		x.add(c)
	}
}

// sampleChecks reads up to SampleRows rows from every non-empty table
func (x *execution) sampleChecks(ctx context.Context) {
	limit := x.svc.cfg.SampleRows
	if limit <= 0 {
		limit = 100
	}
	for _, t := range x.inspection.Tables {
		if t.Rows == 0 {
			continue
		}
		start := x.svc.clock.Now()
		n, err := x.provider.SampleRows(ctx, x.target, t.Name, limit)
		c := CheckResult{Name: "sample_" + t.Name, Category: "data", Duration: x.svc.clock.Now().Sub(start)}
		want := int(t.Rows)
		if want > limit {
			want = limit
		}
		switch {
		case err != nil:
			c.Status, c.Message = CheckFailed, err.Error()
		case n != want:
			c.Status, c.Message = CheckFailed, fmt.Sprintf("sampled %d rows, expected %d", n, want)
		default:
			c.Status, c.Message = CheckPassed, fmt.Sprintf("sampled %d rows", n)
		}
		x.add(c)
	}
}

// objectChecks compares FK/index/trigger/view counts with the live source
func (x *execution) objectChecks(ctx context.Context) {
	if x.svc.source == nil {
		x.add(CheckResult{Name: "schema_objects", Category: "schema", Status: CheckWarning, Message: "no source database to compare with"})
		return
	}
	live, err := x.svc.source.Inspect(ctx, x.svc.sourceTarget)
	if err != nil {
		x.add(CheckResult{Name: "schema_objects", Category: "schema", Status: CheckWarning, Message: fmt.Sprintf("source inspection failed: %v", err)})
		return
	}
	objects := []struct {
		name             string
		source, restored int
		critical         bool
	}{
		{"foreign_keys", live.ForeignKeys, x.inspection.ForeignKeys, true},
		{"indexes", live.Indexes, x.inspection.Indexes, false},
		{"triggers", live.Triggers, x.inspection.Triggers, false},
		{"views", live.Views, x.inspection.Views, false},
	}
	for _, o := range objects {
		c := CheckResult{Name: o.name, Category: "schema", Critical: o.critical}
		switch {
		case o.source > 0 && o.restored == 0:
			c.Status, c.Message = CheckFailed, fmt.Sprintf("source has %d, restored copy has none", o.source)
		case o.restored < o.source:
			c.Status, c.Message = CheckWarning, fmt.Sprintf("restored %d of %d", o.restored, o.source)
		default:
			c.Status, c.Message = CheckPassed, fmt.Sprintf("%d present", o.restored)
		}
		x.add(c)
	}
}

// benchmarkChecks times the restore and a sampling query per table
func (x *execution) benchmarkChecks(ctx context.Context) {
	cfg := x.svc.cfg
	c := CheckResult{Name: "restore_time", Category: "performance", Duration: x.restoreDuration}
	if cfg.MaxRestoreTime > 0 && x.restoreDuration > cfg.MaxRestoreTime {
		c.Status, c.Message = CheckWarning, fmt.Sprintf("restore took %s, limit %s", x.restoreDuration, cfg.MaxRestoreTime)
	} else {
		c.Status, c.Message = CheckPassed, fmt.Sprintf("restore took %s", x.restoreDuration)
	}
	x.add(c)

	var slowest time.Duration
	for _, t := range x.inspection.Tables {
		start := x.svc.clock.Now()
		if _, err := x.provider.SampleRows(ctx, x.target, t.Name, 1); err != nil {
			continue
		}
		if d := x.svc.clock.Now().Sub(start); d > slowest {
			slowest = d
		}
	}
	q := CheckResult{Name: "query_time", Category: "performance", Duration: slowest}
	if cfg.MaxQueryTime > 0 && slowest > cfg.MaxQueryTime {
		q.Status, q.Message = CheckWarning, fmt.Sprintf("slowest query took %s, limit %s", slowest, cfg.MaxQueryTime)
	} else {
		q.Status, q.Message = CheckPassed, fmt.Sprintf("slowest query took %s", slowest)
	}
	x.add(q)
}

func (x *execution) scenario(ctx context.Context, sc Scenario) {
	c := CheckResult{Name: "scenario_" + string(sc), Category: "disaster", Critical: true}
	start := x.svc.clock.Now()
	var err error
	switch sc {
	case ScenarioPointInTime:
		err = x.pointInTime(ctx)
	case ScenarioPartialLoss:
		err = x.partialLoss(ctx)
	}
	c.Duration = x.svc.clock.Now().Sub(start)
	if err != nil {
		c.Status, c.Message = CheckFailed, err.Error()
	} else {
		c.Status, c.Message = CheckPassed, "recovered to the backup point"
	}
	x.add(c)
}

// pointInTime restores the backup into a second database and expects the
// same state as the first restore
func (x *execution) pointInTime(ctx context.Context) error {
	target := x.target.WithDatabase(x.run.Database + "_pit")
	if err := x.provider.CreateDatabase(ctx, target); err != nil {
		return err
	}
	if err := x.restore(ctx, target); err != nil {
		return err
	}
	got, err := x.provider.Inspect(ctx, target)
	if err != nil {
		return err
	}
	return sameData(x.inspection, got)
}

// partialLoss drops the restored database and recovers it from the backup
func (x *execution) partialLoss(ctx context.Context) error {
	if err := x.provider.DropDatabase(ctx, x.target); err != nil {
		return err
	}
	if err := x.provider.CreateDatabase(ctx, x.target); err != nil {
		return err
	}
	if err := x.restore(ctx, x.target); err != nil {
		return err
	}
	got, err := x.provider.Inspect(ctx, x.target)
	if err != nil {
		return err
	}
	return sameData(x.inspection, got)
}

func (x *execution) hasScenario(sc Scenario) bool {
	for _, s := range x.run.Scenarios {
		if s == sc {
			return true
		}
	}
	return false
}

func sameData(want, got *common.Inspection) error {
	if len(want.Tables) != len(got.Tables) {
		return fmt.Errorf("recovered %d tables, expected %d", len(got.Tables), len(want.Tables))
	}
	for _, t := range want.Tables {
		g, ok := got.Table(t.Name)
		if !ok {
			return fmt.Errorf("table %s missing after recovery", t.Name)
		}
		if g.Rows != t.Rows {
			return fmt.Errorf("table %s has %d rows after recovery, expected %d", t.Name, g.Rows, t.Rows)
		}
	}
	return nil
}
