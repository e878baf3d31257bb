package retention_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/GoDRGuard/pkg/backup/backuptest"
	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/retention"
	"github.com/supporttools/GoDRGuard/pkg/state"
	"github.com/supporttools/GoDRGuard/pkg/storage"
)

type harness struct {
	f     *backuptest.Fixture
	m     *retention.Manager
	clk   *testclock.Clock
	audit *state.Collection[retention.AuditEntry]
}

// newHarness creates n full backups before the manager so that every record
// is older than the manager's clock
func newHarness(t *testing.T, n int) (*harness, []catalog.BackupRecord) {
	t.Helper()
	return newHarnessWith(t, n, nil)
}

// newHarnessWith lets a test supply the approvals collection; nil keeps it
// in memory
func newHarnessWith(t *testing.T, n int, approvals *state.Collection[retention.Approval]) (*harness, []catalog.BackupRecord) {
	t.Helper()
	f := backuptest.New(t)
	var recs []catalog.BackupRecord
	for i := 0; i < n; i++ {
		id, err := f.Engine.CreateBackup(context.Background(), catalog.KindFull, map[string]string{"env": "prod"})
		require.NoError(t, err)
		rec, err := f.Catalog.Get(id)
		require.NoError(t, err)
		recs = append(recs, rec)
	}

	h := &harness{
		f:     f,
		clk:   testclock.NewClock(time.Now().Add(time.Minute)),
		audit: state.NewMemory[retention.AuditEntry]("retention_audit"),
	}
	var err error
	h.m, err = retention.New(retention.Deps{
		Config:    config.RetentionConfig{MaxConcurrentExecutions: 2, ApprovalTimeout: time.Hour},
		Archive:   config.ArchiveConfig{RetrievalClass: "standard", CostPerGBMonth: 0.004},
		Catalog:   f.Catalog,
		Registry:  f.Registry,
		Audit:     h.audit,
		Approvals: approvals,
		Events:    f.Bus,
		Alerts:    f.Alerts,
		Logger:    logging.Discard(),
		Clock:     h.clk,
	})
	require.NoError(t, err)
	return h, recs
}

func agePolicy(id string, action retention.Action) retention.Policy {
	return retention.Policy{
		ID:         id,
		Enabled:    true,
		Conditions: []retention.Condition{{Type: retention.ConditionAge, Operator: retention.OpGTE, Value: 0, Unit: "days"}},
		Actions:    []retention.Action{action},
	}
}

func catalogIDs(t *testing.T, s catalog.Store) []string {
	t.Helper()
	recs, err := s.List(catalog.Filter{})
	require.NoError(t, err)
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestEvaluateConditions(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	rec := catalog.BackupRecord{
		ID:           "r1",
		Kind:         catalog.KindFull,
		Status:       catalog.StatusSuccess,
		CreatedAt:    now.Add(-10 * 24 * time.Hour),
		ArtifactSize: 3 << 20,
		Tags:         map[string]string{"env": "prod"},
	}

	tests := []struct {
		name string
		cond retention.Condition
		want bool
	}{
		{"older than a week", retention.Condition{Type: retention.ConditionAge, Value: 1, Unit: "weeks"}, true},
		{"not older than a month", retention.Condition{Type: retention.ConditionAge, Value: 1, Unit: "months"}, false},
		{"younger than 300 hours", retention.Condition{Type: retention.ConditionAge, Operator: retention.OpLT, Value: 300, Unit: "hours"}, true},
		{"at least 2 MB", retention.Condition{Type: retention.ConditionSize, Value: 2, Unit: "MB"}, true},
		{"at least 1 GB", retention.Condition{Type: retention.ConditionSize, Value: 1, Unit: "GB"}, false},
		{"tag present", retention.Condition{Type: retention.ConditionTag, Key: "env"}, true},
		{"tag value", retention.Condition{Type: retention.ConditionTag, Key: "env", TagValue: "dev"}, false},
		{"tag not equal", retention.Condition{Type: retention.ConditionTag, Operator: retention.OpNE, Key: "env", TagValue: "dev"}, true},
		{"count beyond newest one", retention.Condition{Type: retention.ConditionCount, Value: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := retention.Policy{ID: "p", Conditions: []retention.Condition{tt.cond}}
			ev := retention.Evaluate(p, []catalog.BackupRecord{rec}, now)
			assert.Equal(t, tt.want, len(ev.Candidates) == 1)
		})
	}
}

func TestEvaluateCountKeepsNewest(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	var recs []catalog.BackupRecord
	for i := 0; i < 5; i++ {
		recs = append(recs, catalog.BackupRecord{
			ID:        string(rune('a' + i)),
			Kind:      catalog.KindFull,
			Status:    catalog.StatusSuccess,
			CreatedAt: now.Add(-time.Duration(i) * time.Hour),
		})
	}
	recs = append(recs,
		catalog.BackupRecord{ID: "pending", Kind: catalog.KindFull, Status: catalog.StatusPending, CreatedAt: now.Add(-100 * time.Hour)},
		catalog.BackupRecord{ID: "inc", Kind: catalog.KindIncremental, Status: catalog.StatusSuccess, CreatedAt: now.Add(-100 * time.Hour)},
	)

	p := retention.Policy{
		ID:         "keep-3",
		Scope:      retention.Scope{Kinds: []catalog.Kind{catalog.KindFull}},
		Conditions: []retention.Condition{{Type: retention.ConditionCount, Value: 3}},
	}
	ev := retention.Evaluate(p, recs, now)
	assert.Equal(t, 5, ev.Evaluated)
	require.Len(t, ev.Candidates, 2)
	assert.Equal(t, "e", ev.Candidates[0].Record.ID)
	assert.Equal(t, 5, ev.Candidates[0].Rank)
	assert.Equal(t, "d", ev.Candidates[1].Record.ID)
}

func TestEvaluateNeverSelectsHeld(t *testing.T) {
	now := time.Now()
	recs := []catalog.BackupRecord{
		{ID: "held", Status: catalog.StatusSuccess, CreatedAt: now.Add(-time.Hour), LegalHold: true},
		{ID: "free", Status: catalog.StatusSuccess, CreatedAt: now.Add(-2 * time.Hour)},
	}
	p := agePolicy("all", retention.Action{Type: retention.ActionDelete})
	ev := retention.Evaluate(p, recs, now)
	assert.Equal(t, 1, ev.Held)
	require.Len(t, ev.Candidates, 1)
	assert.Equal(t, "free", ev.Candidates[0].Record.ID)
}

func TestValidatePolicy(t *testing.T) {
	age := []retention.Condition{{Type: retention.ConditionAge, Value: 30}}
	tests := []struct {
		name   string
		policy retention.Policy
		ok     bool
	}{
		{"valid", retention.Policy{ID: "p", Conditions: age, Actions: []retention.Action{{Type: retention.ActionDelete}}}, true},
		{"no conditions", retention.Policy{ID: "p", Actions: []retention.Action{{Type: retention.ActionDelete}}}, false},
		{"no actions", retention.Policy{ID: "p", Conditions: age}, false},
		{"unknown action", retention.Policy{ID: "p", Conditions: age, Actions: []retention.Action{{Type: "shred"}}}, false},
		{"bad age unit", retention.Policy{ID: "p", Conditions: []retention.Condition{{Type: retention.ConditionAge, Value: 1, Unit: "fortnights"}}, Actions: []retention.Action{{Type: retention.ActionDelete}}}, false},
		{"tag without key", retention.Policy{ID: "p", Conditions: []retention.Condition{{Type: retention.ConditionTag}}, Actions: []retention.Action{{Type: retention.ActionDelete}}}, false},
		{"move without destination", retention.Policy{ID: "p", Conditions: age, Actions: []retention.Action{{Type: retention.ActionMove}}}, false},
		{"params for another action", retention.Policy{ID: "p", Conditions: age, Actions: []retention.Action{{Type: retention.ActionDelete, Tag: &retention.TagParams{Tags: map[string]string{"a": "b"}}}}}, false},
		{"bad schedule", retention.Policy{ID: "p", Schedule: "daily", Conditions: age, Actions: []retention.Action{{Type: retention.ActionDelete}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := retention.ValidatePolicy(tt.policy)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, drerrors.ClassConfiguration, drerrors.ClassOf(err))
		})
	}
}

func TestExecuteUnknownAndDisabledPolicy(t *testing.T) {
	h, _ := newHarness(t, 0)

	_, err := h.m.ExecutePolicy(context.Background(), "missing", false)
	assert.Equal(t, drerrors.ClassConfiguration, drerrors.ClassOf(err))

	p := agePolicy("off", retention.Action{Type: retention.ActionDelete})
	p.Enabled = false
	require.NoError(t, h.m.PutPolicy(p))
	_, err = h.m.ExecutePolicy(context.Background(), "off", false)
	assert.Equal(t, drerrors.ClassPolicy, drerrors.ClassOf(err))
}

func TestDryRunMutatesNothing(t *testing.T) {
	h, recs := newHarness(t, 2)
	require.NoError(t, h.m.PutPolicy(agePolicy("purge", retention.Action{Type: retention.ActionDelete})))

	first, err := h.m.ExecutePolicy(context.Background(), "purge", true)
	require.NoError(t, err)
	second, err := h.m.ExecutePolicy(context.Background(), "purge", true)
	require.NoError(t, err)

	assert.Equal(t, 2, first.Count(retention.ActionDelete, retention.OutcomePlanned))
	assert.Equal(t, first.Matched, second.Matched)
	assert.Equal(t, first.Actions, second.Actions)
	assert.ElementsMatch(t, []string{recs[0].ID, recs[1].ID}, catalogIDs(t, h.f.Catalog))
	assert.Empty(t, h.m.AuditLog(""))
	assert.Empty(t, h.m.Executions("purge"))

	_, ok := h.f.Primary.Bytes(recs[0].Locations[0].Location)
	assert.True(t, ok)
}

func TestDeleteWritesVerifiableAuditChain(t *testing.T) {
	h, recs := newHarness(t, 2)
	require.NoError(t, h.m.PutPolicy(agePolicy("purge", retention.Action{Type: retention.ActionDelete})))

	exec, err := h.m.ExecutePolicy(context.Background(), "purge", false)
	require.NoError(t, err)
	assert.Equal(t, retention.ExecutionCompleted, exec.State)
	assert.Equal(t, 2, exec.Count(retention.ActionDelete, retention.OutcomeExecuted))
	assert.Positive(t, exec.BytesFreed)
	assert.Empty(t, catalogIDs(t, h.f.Catalog))

	_, ok := h.f.Primary.Bytes(recs[0].Locations[0].Location)
	assert.False(t, ok)

	stored, ok := h.m.Execution(exec.ID)
	require.True(t, ok)
	assert.Equal(t, exec.Summary, stored.Summary)

	entries := h.m.AuditLog("")
	require.Len(t, entries, 2)
	assert.Equal(t, "delete", entries[0].Operation)
	assert.Equal(t, "policy:purge", entries[0].Actor)
	assert.Equal(t, entries[0].Digest, entries[1].PrevDigest)

	n, err := h.m.VerifyAuditChain()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, h.audit.Update(fmt.Sprintf("%012d", entries[0].Seq), func(e *retention.AuditEntry) error {
		e.Reason = "edited"
		return nil
	}))
	_, err = h.m.VerifyAuditChain()
	require.Error(t, err)
	assert.Equal(t, drerrors.ClassIntegrity, drerrors.ClassOf(err))
}

func TestLegalHoldBlocksDestructiveActions(t *testing.T) {
	h, recs := newHarness(t, 2)
	held := recs[0].ID
	require.NoError(t, h.m.SetLegalHold(held, "legal@example.com", "litigation 42"))
	require.NoError(t, h.m.PutPolicy(agePolicy("purge", retention.Action{Type: retention.ActionDelete})))

	exec, err := h.m.ExecutePolicy(context.Background(), "purge", false)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.Held)
	assert.Equal(t, 1, exec.Count(retention.ActionDelete, retention.OutcomeExecuted))
	assert.Equal(t, []string{held}, catalogIDs(t, h.f.Catalog))
	require.Len(t, h.m.Holds(), 1)

	err = h.m.RemoveLegalHold(held, "", "case closed")
	require.Error(t, err)
	assert.Equal(t, drerrors.ClassPolicy, drerrors.ClassOf(err))

	require.NoError(t, h.m.RemoveLegalHold(held, "counsel@example.com", "case closed"))
	assert.Empty(t, h.m.Holds())

	_, err = h.m.ExecutePolicy(context.Background(), "purge", false)
	require.NoError(t, err)
	assert.Empty(t, catalogIDs(t, h.f.Catalog))

	ops := []string{}
	for _, e := range h.m.AuditLog(held) {
		ops = append(ops, e.Operation)
	}
	assert.Equal(t, []string{"legal_hold", "remove_legal_hold", "delete"}, ops)
}

// stallingStore parks the first Delete until released
type stallingStore struct {
	storage.Store
	once     sync.Once
	entered  chan struct{}
	released chan struct{}
}

func newStallingStore(s storage.Store) *stallingStore {
	return &stallingStore{Store: s, entered: make(chan struct{}), released: make(chan struct{})}
}

func (s *stallingStore) Delete(ctx context.Context, loc storage.Location) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.released
	})
	return s.Store.Delete(ctx, loc)
}

func TestLegalHoldWaitsForInFlightAction(t *testing.T) {
	h, recs := newHarness(t, 1)
	id := recs[0].ID
	primary, ok := h.f.Registry.Target("primary")
	require.True(t, ok)
	stalled := newStallingStore(h.f.Primary)
	h.f.Registry.Register(primary, stalled)
	require.NoError(t, h.m.PutPolicy(agePolicy("purge", retention.Action{Type: retention.ActionDelete})))

	done := runAsync(h, "purge")
	select {
	case <-stalled.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("delete never reached storage")
	}

	held := make(chan error, 1)
	go func() { held <- h.m.SetLegalHold(id, "legal@example.com", "litigation 42") }()
	select {
	case err := <-held:
		t.Fatalf("hold placed while the delete was running: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(stalled.released)
	exec := await(t, done)
	assert.Equal(t, 1, exec.Count(retention.ActionDelete, retention.OutcomeExecuted))

	select {
	case err := <-held:
		assert.ErrorIs(t, err, drerrors.ErrNotFound)
	case <-time.After(5 * time.Second):
		t.Fatal("hold request never returned")
	}
	assert.Empty(t, h.m.Holds(), "no hold is left for a deleted backup")
	assert.Empty(t, catalogIDs(t, h.f.Catalog))

	ops := []string{}
	for _, e := range h.m.AuditLog(id) {
		ops = append(ops, e.Operation)
	}
	assert.Equal(t, []string{"delete"}, ops)
}

func TestLegalHoldDuringApprovalWaitSkipsAction(t *testing.T) {
	h, recs := newHarness(t, 1)
	id := recs[0].ID
	require.NoError(t, h.m.PutPolicy(agePolicy("gated", retention.Action{Type: retention.ActionDelete, RequiresApproval: true})))

	done := runAsync(h, "gated")
	ap := pendingApproval(t, h)

	// a pending approval does not block the hold
	held := make(chan error, 1)
	go func() { held <- h.m.SetLegalHold(id, "legal@example.com", "litigation 42") }()
	select {
	case err := <-held:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("hold request blocked behind the approval wait")
	}

	_, err := h.m.Approve(ap.ID, "ops@example.com", "")
	require.NoError(t, err)

	exec := await(t, done)
	assert.Equal(t, 1, exec.Count(retention.ActionDelete, retention.OutcomeSkipped))
	assert.Zero(t, exec.Count(retention.ActionDelete, retention.OutcomeExecuted))
	require.Len(t, h.m.Holds(), 1)
	assert.Equal(t, []string{id}, catalogIDs(t, h.f.Catalog))
}

func TestArchiveCreatesArchiveRecord(t *testing.T) {
	h, recs := newHarness(t, 1)
	rec := recs[0]
	require.NoError(t, h.m.PutPolicy(agePolicy("cold", retention.Action{
		Type:    retention.ActionArchive,
		Archive: &retention.ArchiveParams{RetrievalClass: catalog.RetrievalExpedited},
	})))

	exec, err := h.m.ExecutePolicy(context.Background(), "cold", false)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.Count(retention.ActionArchive, retention.OutcomeExecuted))
	assert.Equal(t, rec.ArtifactSize, exec.BytesArchived)

	archives, err := h.m.Archives()
	require.NoError(t, err)
	require.Len(t, archives, 1)
	a := archives[0]
	assert.Equal(t, rec.ID, a.OriginalID)
	assert.Equal(t, rec.ArtifactSize, a.SizeBefore)
	assert.Equal(t, rec.ArtifactSize, a.SizeAfter)
	assert.Equal(t, catalog.RetrievalExpedited, a.RetrievalClass)
	assert.Equal(t, catalog.RetrievalArchived, a.RetrievalState)
	assert.Equal(t, "cold", a.PolicyID)
	assert.Equal(t, rec.Checksum, a.Original.Checksum)

	_, ok := h.f.Archive.Bytes(a.Location.Location)
	assert.True(t, ok)
	_, ok = h.f.Primary.Bytes(rec.Locations[0].Location)
	assert.False(t, ok)
	assert.Empty(t, catalogIDs(t, h.f.Catalog))

	// retrieval becomes possible after the class latency
	_, err = h.m.RequestRetrieval(a.ID, "", "ops@example.com")
	require.NoError(t, err)
	_, err = h.m.CompleteRetrieval(context.Background(), a.ID, "ops@example.com")
	require.Error(t, err)
	assert.Equal(t, drerrors.ClassPolicy, drerrors.ClassOf(err))

	h.clk.Advance(catalog.RetrievalExpedited.Latency())
	restored, err := h.m.CompleteRetrieval(context.Background(), a.ID, "ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, restored.ID)
	require.Len(t, restored.Locations, 1)
	assert.Equal(t, "primary", restored.Locations[0].Backend)
	assert.Equal(t, a.ID, restored.Tags["retrievedFrom"])

	got, err := h.f.Catalog.GetArchive(a.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.RetrievalRetrieved, got.RetrievalState)

	_, err = h.m.VerifyAuditChain()
	assert.NoError(t, err)
}

func TestArchiveRejectsCorruptSource(t *testing.T) {
	h, recs := newHarness(t, 1)
	h.f.Primary.Corrupt(recs[0].Locations[0].Location)
	require.NoError(t, h.m.PutPolicy(agePolicy("cold", retention.Action{Type: retention.ActionArchive})))

	exec, err := h.m.ExecutePolicy(context.Background(), "cold", false)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.Count(retention.ActionArchive, retention.OutcomeFailed))

	archives, err := h.m.Archives()
	require.NoError(t, err)
	assert.Empty(t, archives)
	assert.Equal(t, []string{recs[0].ID}, catalogIDs(t, h.f.Catalog))
}

func TestTagAndMoveActions(t *testing.T) {
	h, recs := newHarness(t, 1)
	h.f.RegisterSecondaryForReplication()
	p := agePolicy("relocate", retention.Action{Type: retention.ActionTag, Tag: &retention.TagParams{Tags: map[string]string{"tier": "warm"}}})
	p.Actions = append(p.Actions, retention.Action{Type: retention.ActionMove, Move: &retention.MoveParams{To: "secondary"}})
	require.NoError(t, h.m.PutPolicy(p))

	exec, err := h.m.ExecutePolicy(context.Background(), "relocate", false)
	require.NoError(t, err)
	assert.Equal(t, 1, exec.Count(retention.ActionTag, retention.OutcomeExecuted))
	assert.Equal(t, 1, exec.Count(retention.ActionMove, retention.OutcomeExecuted))

	rec, err := h.f.Catalog.Get(recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "warm", rec.Tags["tier"])
	assert.Equal(t, "prod", rec.Tags["env"])
	require.Len(t, rec.Locations, 1)
	assert.Equal(t, "secondary", rec.Locations[0].Backend)
	_, ok := h.f.Secondary.Bytes(rec.Locations[0].Location)
	assert.True(t, ok)
	_, ok = h.f.Primary.Bytes(recs[0].Locations[0].Location)
	assert.False(t, ok)
}

func runAsync(h *harness, id string) <-chan retention.Execution {
	done := make(chan retention.Execution, 1)
	go func() {
		exec, _ := h.m.ExecutePolicy(context.Background(), id, false)
		done <- exec
	}()
	return done
}

func pendingApproval(t *testing.T, h *harness) retention.Approval {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.m.Approvals(retention.ApprovalPending)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	return h.m.Approvals(retention.ApprovalPending)[0]
}

func await(t *testing.T, done <-chan retention.Execution) retention.Execution {
	t.Helper()
	select {
	case exec := <-done:
		return exec
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish")
		return retention.Execution{}
	}
}

func TestApprovalGrantedRunsAction(t *testing.T) {
	h, _ := newHarness(t, 1)
	require.NoError(t, h.m.PutPolicy(agePolicy("gated", retention.Action{Type: retention.ActionDelete, RequiresApproval: true})))

	done := runAsync(h, "gated")
	ap := pendingApproval(t, h)
	assert.Equal(t, retention.ActionDelete, ap.Action)

	_, err := h.m.Approve(ap.ID, "", "")
	assert.Equal(t, drerrors.ClassPolicy, drerrors.ClassOf(err))
	_, err = h.m.Approve(ap.ID, "dba@example.com", "expired data")
	require.NoError(t, err)

	exec := await(t, done)
	assert.Equal(t, 1, exec.Count(retention.ActionDelete, retention.OutcomeExecuted))
	assert.Empty(t, catalogIDs(t, h.f.Catalog))
	assert.Positive(t, h.f.Alerts.Count("retention"))

	_, err = h.m.Deny(ap.ID, "dba@example.com", "too late")
	assert.Error(t, err)
}

func TestApprovalDeniedSkipsAction(t *testing.T) {
	h, recs := newHarness(t, 1)
	p := agePolicy("gated", retention.Action{Type: retention.ActionDelete, RequiresApproval: true})
	p.Actions = append(p.Actions, retention.Action{Type: retention.ActionTag, Tag: &retention.TagParams{Tags: map[string]string{"reviewed": "yes"}}})
	require.NoError(t, h.m.PutPolicy(p))

	done := runAsync(h, "gated")
	ap := pendingApproval(t, h)
	_, err := h.m.Deny(ap.ID, "dba@example.com", "still needed")
	require.NoError(t, err)

	exec := await(t, done)
	assert.Equal(t, 1, exec.Count(retention.ActionDelete, retention.OutcomeDenied))
	assert.Equal(t, 1, exec.Count(retention.ActionTag, retention.OutcomeExecuted))

	rec, err := h.f.Catalog.Get(recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "yes", rec.Tags["reviewed"])
}

func TestApprovalTimeout(t *testing.T) {
	t.Run("expires", func(t *testing.T) {
		h, recs := newHarness(t, 1)
		require.NoError(t, h.m.PutPolicy(agePolicy("gated", retention.Action{Type: retention.ActionDelete, RequiresApproval: true})))

		done := runAsync(h, "gated")
		pendingApproval(t, h)
		require.NoError(t, h.clk.WaitAdvance(time.Hour, 5*time.Second, 1))

		exec := await(t, done)
		assert.Equal(t, 1, exec.Count(retention.ActionDelete, retention.OutcomeDenied))
		assert.Len(t, h.m.Approvals(retention.ApprovalExpired), 1)
		assert.Equal(t, []string{recs[0].ID}, catalogIDs(t, h.f.Catalog))
	})

	t.Run("auto approves", func(t *testing.T) {
		h, _ := newHarness(t, 1)
		p := agePolicy("gated", retention.Action{Type: retention.ActionDelete, RequiresApproval: true})
		p.ApprovalTimeout = 10 * time.Minute
		p.AutoApproveOnTimeout = true
		require.NoError(t, h.m.PutPolicy(p))

		done := runAsync(h, "gated")
		pendingApproval(t, h)
		require.NoError(t, h.clk.WaitAdvance(10*time.Minute, 5*time.Second, 1))

		exec := await(t, done)
		assert.Equal(t, 1, exec.Count(retention.ActionDelete, retention.OutcomeExecuted))
		approved := h.m.Approvals(retention.ApprovalApproved)
		require.Len(t, approved, 1)
		assert.Equal(t, "system:timeout", approved[0].Approver)
	})
}

func TestApprovalTimeoutWithUnsavableDecision(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "approvals")
	approvals, err := state.Open[retention.Approval](dir, "retention_approvals")
	require.NoError(t, err)
	h, recs := newHarnessWith(t, 1, approvals)
	require.NoError(t, h.m.PutPolicy(agePolicy("gated", retention.Action{Type: retention.ActionDelete, RequiresApproval: true})))

	done := runAsync(h, "gated")
	pendingApproval(t, h)

	// a file where the collection directory was makes every save fail
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("not a directory"), 0o644))
	require.NoError(t, h.clk.WaitAdvance(time.Hour, 5*time.Second, 1))

	exec := await(t, done)
	assert.Equal(t, 1, exec.Count(retention.ActionDelete, retention.OutcomeDenied))
	assert.Equal(t, []string{recs[0].ID}, catalogIDs(t, h.f.Catalog))

	// once storage recovers a late decision has nothing left to gate
	require.NoError(t, os.Remove(dir))
	pending := h.m.Approvals(retention.ApprovalPending)
	require.Len(t, pending, 1)
	_, err = h.m.Approve(pending[0].ID, "ops@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, []string{recs[0].ID}, catalogIDs(t, h.f.Catalog))
}

func TestLoadPolicies(t *testing.T) {
	h, _ := newHarness(t, 0)
	body := `
policies:
  - id: incrementals-30d
    enabled: true
    scope:
      kinds: [incremental]
    conditions:
      - type: age
        operator: gt
        value: 30
        unit: days
    actions:
      - type: delete
  - id: fulls-yearly
    enabled: true
    scope:
      kinds: [full]
    conditions:
      - type: count
        value: 12
    actions:
      - type: archive
        archive:
          retrievalClass: bulk
      - type: notify
        notify:
          severity: info
`
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	n, err := h.m.LoadPolicies(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, ok := h.m.Policy("fulls-yearly")
	require.True(t, ok)
	require.Len(t, p.Actions, 2)
	assert.Equal(t, catalog.RetrievalBulk, p.Actions[0].Archive.RetrievalClass)
	assert.False(t, p.CreatedAt.IsZero())

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("policies:\n  - id: x\n    conditions: []\n"), 0o600))
	_, err = h.m.LoadPolicies(bad)
	assert.Error(t, err)
}
