package retention

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/supporttools/GoDRGuard/pkg/alerting"
	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/events"
)

func auditKey(seq int64) string {
	return fmt.Sprintf("%012d", seq)
}

func auditDigest(e AuditEntry) string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		fmt.Sprint(e.Seq),
		e.Operation,
		e.BackupID,
		e.Actor,
		e.Reason,
		e.Time.UTC().Format(time.RFC3339Nano),
		e.PrevDigest,
	}, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

// appendAudit adds an entry to the hash chain. Callers record the entry
// before the change it describes.
func (m *Manager) appendAudit(op, backupID, actor, reason, policyID, execID string) (AuditEntry, error) {
	m.auditMu.Lock()
	defer m.auditMu.Unlock()

	var prev AuditEntry
	if entries := m.audit.List(); len(entries) > 0 {
		prev = entries[len(entries)-1]
	}
	e := AuditEntry{
		Seq:         prev.Seq + 1,
		Time:        m.clock.Now().UTC(),
		Operation:   op,
		BackupID:    backupID,
		Actor:       actor,
		Reason:      reason,
		PolicyID:    policyID,
		ExecutionID: execID,
		PrevDigest:  prev.Digest,
	}
	e.Digest = auditDigest(e)
	if err := m.audit.Put(auditKey(e.Seq), e); err != nil {
		return AuditEntry{}, drerrors.Transient(StageActing, fmt.Errorf("failed to write audit entry: %w", err))
	}
	return e, nil
}

// AuditLog returns the audit entries for a backup, or every entry when
// backupID is empty, in chain order
func (m *Manager) AuditLog(backupID string) []AuditEntry {
	var out []AuditEntry
	for _, e := range m.audit.List() {
		if backupID == "" || e.BackupID == backupID {
			out = append(out, e)
		}
	}
	return out
}

// VerifyAuditChain recomputes every digest and link. It returns the number of
// entries checked and an integrity error naming the first broken entry.
func (m *Manager) VerifyAuditChain() (int, error) {
	m.auditMu.Lock()
	defer m.auditMu.Unlock()

	prev := ""
	entries := m.audit.List()
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			return i, drerrors.Integrity("audit", fmt.Errorf("audit entry %d out of sequence (found %d)", i+1, e.Seq))
		}
		if e.PrevDigest != prev {
			return i, drerrors.Integrity("audit", fmt.Errorf("audit entry %d does not link to its predecessor", e.Seq))
		}
		if auditDigest(e) != e.Digest {
			return i, drerrors.Integrity("audit", fmt.Errorf("audit entry %d digest mismatch", e.Seq))
		}
		prev = e.Digest
	}
	return len(entries), nil
}

// SetLegalHold exempts a backup from every destructive action until the
// hold is removed
func (m *Manager) SetLegalHold(backupID, actor, reason string) error {
	if actor == "" || reason == "" {
		return drerrors.Policy("hold", fmt.Errorf("a legal hold needs an actor and a reason"))
	}
	m.records.Lock(backupID)
	defer m.records.Unlock(backupID)
	return m.placeHold(backupID, actor, reason, "", "")
}

// placeHold expects the caller to hold the record's lock
func (m *Manager) placeHold(backupID, actor, reason, policyID, execID string) error {
	if _, err := m.catalog.Get(backupID); err != nil {
		return err
	}
	if _, err := m.appendAudit("legal_hold", backupID, actor, reason, policyID, execID); err != nil {
		return err
	}
	if err := m.catalog.Update(backupID, func(r *catalog.BackupRecord) error {
		r.LegalHold = true
		return nil
	}); err != nil {
		return err
	}
	m.logger.Infof("Legal hold placed on %s by %s: %s", backupID, actor, reason)
	return m.holds.Put(backupID, Hold{BackupID: backupID, Reason: reason, SetBy: actor, SetAt: m.clock.Now()})
}

// RemoveLegalHold lifts a hold. An approver is always required.
func (m *Manager) RemoveLegalHold(backupID, approver, reason string) error {
	if approver == "" {
		return drerrors.Policy("hold", fmt.Errorf("removing the legal hold on %s requires an approver", backupID))
	}
	m.records.Lock(backupID)
	defer m.records.Unlock(backupID)

	rec, err := m.catalog.Get(backupID)
	if err != nil {
		return err
	}
	if !rec.LegalHold {
		return drerrors.Policy("hold", fmt.Errorf("backup %s is not under legal hold", backupID))
	}
	if _, err := m.appendAudit("remove_legal_hold", backupID, approver, reason, "", ""); err != nil {
		return err
	}
	if err := m.catalog.Update(backupID, func(r *catalog.BackupRecord) error {
		r.LegalHold = false
		return nil
	}); err != nil {
		return err
	}
	m.logger.Infof("Legal hold on %s removed by %s", backupID, approver)
	if _, ok := m.holds.Get(backupID); ok {
		return m.holds.Delete(backupID)
	}
	return nil
}

// Holds lists the active legal holds
func (m *Manager) Holds() []Hold {
	return m.holds.List()
}

// awaitApproval blocks until the approval is decided or times out. Timeouts
// approve only when the policy says so.
func (m *Manager) awaitApproval(ctx context.Context, p Policy, exec *Execution, rec catalog.BackupRecord, a Action) Approval {
	timeout := p.ApprovalTimeout
	if timeout <= 0 {
		timeout = m.cfg.ApprovalTimeout
	}
	if timeout <= 0 {
		timeout = defaultApprovalTimeout
	}
	now := m.clock.Now()
	ap := Approval{
		ID:          uuid.NewString(),
		ExecutionID: exec.ID,
		PolicyID:    p.ID,
		BackupID:    rec.ID,
		Action:      a.Type,
		State:       ApprovalPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(timeout),
	}

	ch := make(chan Approval, 1)
	m.waitMu.Lock()
	m.waiters[ap.ID] = ch
	m.waitMu.Unlock()
	defer func() {
		m.waitMu.Lock()
		delete(m.waiters, ap.ID)
		m.waitMu.Unlock()
	}()

	if err := m.approvals.Put(ap.ID, ap); err != nil {
		m.logger.Errorf("Failed to persist approval request %s: %v", ap.ID, err)
		ap.State = ApprovalDenied
		return ap
	}
	m.alerts.Notify(ctx, alerting.Alert{
		ID:       uuid.NewString(),
		Severity: alerting.SeverityInfo,
		Source:   "retention",
		Title:    "Retention action awaiting approval",
		Message:  fmt.Sprintf("Policy %s wants to %s backup %s. Approval %s expires at %s.", p.ID, a.Type, rec.ID, ap.ID, ap.ExpiresAt.Format(time.RFC3339)),
		Fields:   map[string]string{"approval": ap.ID, "policy": p.ID, "backup": rec.ID},
		Time:     now,
	})
	m.events.Publish(events.Event{
		OperationID: exec.ID,
		Operation:   events.OpRetention,
		Stage:       "awaiting_approval",
		Message:     fmt.Sprintf("approval %s for %s on %s", ap.ID, a.Type, rec.ID),
		Time:        now,
	})

	timer := m.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-ch:
		return d
	case <-timer.Chan():
		state, approver := ApprovalExpired, ""
		if p.AutoApproveOnTimeout {
			state, approver = ApprovalApproved, "system:timeout"
		}
		return m.settleApproval(ap, ch, state, approver, "approval timed out")
	case <-ctx.Done():
		return m.settleApproval(ap, ch, ApprovalExpired, "", "execution cancelled")
	}
}

// settleApproval records the outcome of an approval nobody decided in time.
// A concurrent decision already delivered on ch wins. When the outcome cannot
// be saved the action still gets st, so the caller never waits forever.
func (m *Manager) settleApproval(ap Approval, ch <-chan Approval, st ApprovalState, approver, reason string) Approval {
	d, err := m.decide(ap.ID, st, approver, reason)
	if err == nil {
		return d
	}
	select {
	case d := <-ch:
		return d
	default:
	}
	if stored, ok := m.approvals.Get(ap.ID); ok && stored.State != ApprovalPending {
		return stored
	}
	m.logger.Errorf("Failed to record %s for approval %s: %v", st, ap.ID, err)
	ap.State = st
	ap.Approver = approver
	ap.Reason = reason
	ap.DecidedAt = m.clock.Now()
	return ap
}

// Approve lets a waiting action proceed
func (m *Manager) Approve(id, approver, reason string) (Approval, error) {
	if approver == "" {
		return Approval{}, drerrors.Policy("approval", fmt.Errorf("approving %s requires an approver", id))
	}
	return m.decide(id, ApprovalApproved, approver, reason)
}

// Deny skips the action the approval gates
func (m *Manager) Deny(id, approver, reason string) (Approval, error) {
	if approver == "" {
		return Approval{}, drerrors.Policy("approval", fmt.Errorf("denying %s requires an approver", id))
	}
	return m.decide(id, ApprovalDenied, approver, reason)
}

func (m *Manager) decide(id string, st ApprovalState, approver, reason string) (Approval, error) {
	if _, ok := m.approvals.Get(id); !ok {
		return Approval{}, fmt.Errorf("approval %s: %w", id, drerrors.ErrNotFound)
	}
	var decided Approval
	err := m.approvals.Update(id, func(a *Approval) error {
		if a.State != ApprovalPending {
			return drerrors.Policy("approval", fmt.Errorf("approval %s is already %s", id, a.State))
		}
		a.State = st
		a.Approver = approver
		a.Reason = reason
		a.DecidedAt = m.clock.Now()
		decided = *a
		return nil
	})
	if err != nil {
		return Approval{}, err
	}
	m.waitMu.Lock()
	if ch, ok := m.waiters[id]; ok {
		ch <- decided
	}
	m.waitMu.Unlock()
	m.logger.Infof("Approval %s %s by %s", id, st, approver)
	return decided, nil
}

// Approvals lists approval requests, optionally filtered by state
func (m *Manager) Approvals(st ApprovalState) []Approval {
	var out []Approval
	for _, a := range m.approvals.List() {
		if st == "" || a.State == st {
			out = append(out, a)
		}
	}
	return out
}
