package retention

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/alerting"
	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/metrics"
	"github.com/supporttools/GoDRGuard/pkg/storage"
)

// applyAll runs the policy's actions against one record in order. Delays
// and approval waits happen unlocked; each action then re-reads the record
// and runs under the record's lock, so a legal hold placed at any point
// before that is honoured.
func (m *Manager) applyAll(ctx context.Context, p Policy, exec *Execution, id string) []ActionResult {
	log := m.logger.WithFields(logrus.Fields{"policy": p.ID, "execution": exec.ID, "backup": id})
	var results []ActionResult
	for _, a := range p.Actions {
		if a.Delay > 0 {
			select {
			case <-m.clock.After(a.Delay):
			case <-ctx.Done():
				results = append(results, ActionResult{BackupID: id, Action: a.Type, Outcome: OutcomeFailed, Message: "cancelled during delay"})
				return results
			}
		}

		res := ActionResult{BackupID: id, Action: a.Type}
		if a.RequiresApproval {
			rec, err := m.catalog.Get(id)
			if err != nil {
				res.Outcome, res.Message = OutcomeSkipped, "backup no longer in catalog"
				results = append(results, res)
				continue
			}
			if rec.LegalHold && a.Type.Destructive() {
				res.Outcome, res.Message = OutcomeSkipped, drerrors.ErrLegalHold.Error()
				results = append(results, res)
				continue
			}
			decision := m.awaitApproval(ctx, p, exec, rec, a)
			res.Approval = decision.ID
			if decision.State != ApprovalApproved {
				res.Outcome = OutcomeDenied
				res.Message = fmt.Sprintf("approval %s", decision.State)
				log.Infof("Retention action %s on %s not approved (%s)", a.Type, id, decision.State)
				metrics.RetentionActions.WithLabelValues(string(a.Type), string(OutcomeDenied)).Inc()
				results = append(results, res)
				continue
			}
		}

		results = append(results, m.applyLocked(ctx, p, exec, id, a, res, log))
	}
	return results
}

func (m *Manager) applyLocked(ctx context.Context, p Policy, exec *Execution, id string, a Action, res ActionResult, log *logrus.Entry) ActionResult {
	m.records.Lock(id)
	defer m.records.Unlock(id)

	rec, err := m.catalog.Get(id)
	if err != nil {
		res.Outcome, res.Message = OutcomeSkipped, "backup no longer in catalog"
		return res
	}
	if rec.LegalHold && a.Type.Destructive() {
		res.Outcome, res.Message = OutcomeSkipped, drerrors.ErrLegalHold.Error()
		log.Infof("Retention action %s on %s skipped: %v", a.Type, id, drerrors.ErrLegalHold)
		return res
	}

	bytes, msg, err := m.apply(ctx, p, exec, rec, a)
	res.Bytes, res.Message = bytes, msg
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Message = err.Error()
		log.Errorf("Retention action %s failed: %v", a.Type, err)
	} else {
		res.Outcome = OutcomeExecuted
		log.Infof("Retention action %s executed: %s", a.Type, msg)
	}
	metrics.RetentionActions.WithLabelValues(string(a.Type), string(res.Outcome)).Inc()
	return res
}

func (m *Manager) apply(ctx context.Context, p Policy, exec *Execution, rec catalog.BackupRecord, a Action) (int64, string, error) {
	actor := "policy:" + p.ID
	switch a.Type {
	case ActionDelete:
		return m.deleteBackup(ctx, p, exec, rec)
	case ActionArchive:
		ar, err := m.archiveBackup(ctx, p, exec, rec, a.Archive)
		if err != nil {
			return 0, "", err
		}
		return ar.SizeAfter, fmt.Sprintf("archived to %s as %s", ar.Location.Location, ar.ID), nil
	case ActionMove:
		loc, err := m.moveBackup(ctx, p, exec, rec, *a.Move)
		if err != nil {
			return 0, "", err
		}
		return rec.ArtifactSize, fmt.Sprintf("moved to %s", loc), nil
	case ActionTag:
		if _, err := m.appendAudit("tag", rec.ID, actor, tagReason(a.Tag.Tags), p.ID, exec.ID); err != nil {
			return 0, "", err
		}
		err := m.catalog.Update(rec.ID, func(r *catalog.BackupRecord) error {
			if r.Tags == nil {
				r.Tags = make(map[string]string, len(a.Tag.Tags))
			}
			for k, v := range a.Tag.Tags {
				r.Tags[k] = v
			}
			return nil
		})
		if err != nil {
			return 0, "", err
		}
		return 0, fmt.Sprintf("merged %d tags", len(a.Tag.Tags)), nil
	case ActionNotify:
		sev := alerting.SeverityInfo
		msg := fmt.Sprintf("Retention policy %s selected backup %s (%s, created %s)", p.ID, rec.ID, rec.Kind, rec.CreatedAt.Format("2006-01-02 15:04"))
		if a.Notify != nil {
			if a.Notify.Severity != "" {
				sev = alerting.Severity(a.Notify.Severity)
			}
			if a.Notify.Message != "" {
				msg = a.Notify.Message
			}
		}
		m.alerts.Notify(ctx, alerting.Alert{
			ID:       uuid.NewString(),
			Severity: sev,
			Source:   "retention",
			Title:    "Retention policy notification",
			Message:  msg,
			Fields:   map[string]string{"policy": p.ID, "backup": rec.ID},
			Time:     m.clock.Now(),
		})
		return 0, "notification sent", nil
	case ActionLegalHold:
		if err := m.placeHold(rec.ID, actor, a.Hold.Reason, p.ID, exec.ID); err != nil {
			return 0, "", err
		}
		return 0, "legal hold placed", nil
	}
	return 0, "", drerrors.Configuration(StageActing, fmt.Errorf("unknown retention action %q", a.Type))
}

// deleteBackup records the deletion and then removes every copy and the
// catalog entry. Copies that cannot be removed stay in the catalog.
func (m *Manager) deleteBackup(ctx context.Context, p Policy, exec *Execution, rec catalog.BackupRecord) (int64, string, error) {
	if _, err := m.appendAudit("delete", rec.ID, "policy:"+p.ID, "retention policy conditions met", p.ID, exec.ID); err != nil {
		return 0, "", err
	}
	remaining, freed, errs := m.removeCopies(ctx, rec.Locations)
	if len(remaining) > 0 {
		if err := m.catalog.Update(rec.ID, func(r *catalog.BackupRecord) error {
			r.Locations = remaining
			return nil
		}); err != nil {
			errs = append(errs, err)
		}
		return freed, "", drerrors.Transient(StageActing, fmt.Errorf("removed %d of %d copies: %w", len(rec.Locations)-len(remaining), len(rec.Locations), errors.Join(errs...)))
	}
	if err := m.catalog.Delete(rec.ID); err != nil {
		return freed, "", err
	}
	return freed, fmt.Sprintf("deleted %d copies", len(rec.Locations)), nil
}

func (m *Manager) removeCopies(ctx context.Context, locs []catalog.StorageLocation) ([]catalog.StorageLocation, int64, []error) {
	var (
		remaining []catalog.StorageLocation
		freed     int64
		errs      []error
	)
	for _, loc := range locs {
		store, err := m.registry.Resolve(loc.Location)
		if err == nil {
			var info storage.ObjectInfo
			info, _ = store.Head(ctx, loc.Location)
			if err = store.Delete(ctx, loc.Location); err == nil {
				freed += info.Size
				continue
			}
		}
		remaining = append(remaining, loc)
		errs = append(errs, fmt.Errorf("%s: %w", loc.Location, err))
	}
	return remaining, freed, errs
}

func (m *Manager) archiveTarget() (storage.Target, error) {
	if m.archive.Backend != "" {
		t, ok := m.registry.Target(m.archive.Backend)
		if !ok || !t.Archive {
			return storage.Target{}, drerrors.Configuration(StageActing, fmt.Errorf("archive backend %q is not registered as an archive tier", m.archive.Backend))
		}
		return t, nil
	}
	t, ok := m.registry.ArchiveTarget()
	if !ok {
		return storage.Target{}, drerrors.Configuration(StageActing, fmt.Errorf("no archive tier configured"))
	}
	return t, nil
}

// archiveBackup copies the artifact to the archive tier, records an
// ArchiveRecord and removes the live copies and the catalog entry
func (m *Manager) archiveBackup(ctx context.Context, p Policy, exec *Execution, rec catalog.BackupRecord, params *ArchiveParams) (catalog.ArchiveRecord, error) {
	target, err := m.archiveTarget()
	if err != nil {
		return catalog.ArchiveRecord{}, err
	}
	if len(rec.Locations) == 0 {
		return catalog.ArchiveRecord{}, drerrors.Configuration(StageActing, fmt.Errorf("backup %s has no stored copy to archive", rec.ID))
	}
	dst := target.Location(path.Join(rec.ID, path.Base(rec.Locations[0].Key)))
	size, err := m.copyFirst(ctx, rec, rec.Locations, target, dst)
	if err != nil {
		return catalog.ArchiveRecord{}, err
	}

	class := catalog.RetrievalClass(m.archive.RetrievalClass)
	if params != nil && params.RetrievalClass != "" {
		class = params.RetrievalClass
	}
	if class == "" {
		class = catalog.RetrievalStandard
	}
	now := m.clock.Now()
	ar := catalog.ArchiveRecord{
		ID:             uuid.NewString(),
		OriginalID:     rec.ID,
		Location:       catalog.StorageLocation{Location: dst, AddedAt: now},
		SizeBefore:     rec.ArtifactSize * int64(len(rec.Locations)),
		SizeAfter:      size,
		RetrievalClass: class,
		CostEstimate:   float64(size) / (1 << 30) * m.archive.CostPerGBMonth,
		ArchivedAt:     now,
		PolicyID:       p.ID,
		Original:       rec.Clone(),
		RetrievalState: catalog.RetrievalArchived,
	}
	if _, err := m.appendAudit("archive", rec.ID, "policy:"+p.ID, "archived to "+dst.String(), p.ID, exec.ID); err != nil {
		m.discard(ctx, target, dst)
		return catalog.ArchiveRecord{}, err
	}
	if err := m.catalog.PutArchive(ar); err != nil {
		m.discard(ctx, target, dst)
		return catalog.ArchiveRecord{}, err
	}

	remaining, _, errs := m.removeCopies(ctx, rec.Locations)
	if len(remaining) > 0 {
		if err := m.catalog.Update(rec.ID, func(r *catalog.BackupRecord) error {
			r.Locations = remaining
			return nil
		}); err != nil {
			m.logger.WithField("backup", rec.ID).Errorf("Failed to record remaining copies after archive: %v", err)
			errs = append(errs, fmt.Errorf("catalog update: %w", err))
		}
		return ar, drerrors.Transient(StageActing, fmt.Errorf("archived but %d live copies remain: %w", len(remaining), errors.Join(errs...)))
	}
	if err := m.catalog.Delete(rec.ID); err != nil {
		return ar, err
	}
	return ar, nil
}

// moveBackup relocates one copy to another backend
func (m *Manager) moveBackup(ctx context.Context, p Policy, exec *Execution, rec catalog.BackupRecord, params MoveParams) (storage.Location, error) {
	target, ok := m.registry.Target(params.To)
	if !ok {
		return storage.Location{}, drerrors.Configuration(StageActing, fmt.Errorf("unknown move destination backend %q", params.To))
	}
	if rec.HasLocation(target.Name) {
		return storage.Location{}, drerrors.Policy(StageActing, fmt.Errorf("backup %s already stored on %s", rec.ID, target.Name))
	}
	idx := 0
	if params.From != "" {
		idx = -1
		for i, l := range rec.Locations {
			if l.Backend == params.From {
				idx = i
				break
			}
		}
		if idx < 0 {
			return storage.Location{}, drerrors.Configuration(StageActing, fmt.Errorf("backup %s has no copy on %s", rec.ID, params.From))
		}
	}
	if len(rec.Locations) == 0 {
		return storage.Location{}, drerrors.Configuration(StageActing, fmt.Errorf("backup %s has no stored copy to move", rec.ID))
	}
	src := rec.Locations[idx]
	dst := target.Location(path.Base(src.Key))
	if _, err := m.copyFirst(ctx, rec, []catalog.StorageLocation{src}, target, dst); err != nil {
		return storage.Location{}, err
	}
	if _, err := m.appendAudit("move", rec.ID, "policy:"+p.ID, fmt.Sprintf("moved %s to %s", src.Location, dst), p.ID, exec.ID); err != nil {
		m.discard(ctx, target, dst)
		return storage.Location{}, err
	}
	now := m.clock.Now()
	err := m.catalog.Update(rec.ID, func(r *catalog.BackupRecord) error {
		for i, l := range r.Locations {
			if l.Backend == src.Backend && l.Key == src.Key {
				r.Locations[i] = catalog.StorageLocation{Location: dst, AddedAt: now}
				return nil
			}
		}
		r.Locations = append(r.Locations, catalog.StorageLocation{Location: dst, AddedAt: now})
		return nil
	})
	if err != nil {
		m.discard(ctx, target, dst)
		return storage.Location{}, err
	}
	if _, _, errs := m.removeCopies(ctx, []catalog.StorageLocation{src}); len(errs) > 0 {
		m.logger.Warnf("Warning: moved copy of %s but the old copy %s could not be removed: %v", rec.ID, src.Location, errors.Join(errs...))
	}
	return dst, nil
}

// copyFirst copies the first readable source to dst and checks the digest
// against the catalog
func (m *Manager) copyFirst(ctx context.Context, rec catalog.BackupRecord, sources []catalog.StorageLocation, target storage.Target, dst storage.Location) (int64, error) {
	dstStore, err := m.registry.Resolve(dst)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, src := range sources {
		store, err := m.registry.Resolve(src.Location)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		body, err := store.Get(ctx, src.Location)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Location, err))
			continue
		}
		h := sha256.New()
		cr := &countingReader{r: io.TeeReader(body, h)}
		err = dstStore.Put(ctx, dst, cr, rec.ArtifactSize)
		body.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", dst, err))
			continue
		}
		if digest := hex.EncodeToString(h.Sum(nil)); rec.Checksum.Digest != "" && digest != rec.Checksum.Digest {
			m.discard(ctx, target, dst)
			return 0, drerrors.Integrity(StageActing, fmt.Errorf("copy of %s from %s: %w", rec.ID, src.Location, drerrors.ErrChecksumMismatch))
		}
		return cr.n, nil
	}
	return 0, drerrors.Transient(StageActing, fmt.Errorf("no readable copy of %s: %w", rec.ID, errors.Join(errs...)))
}

func (m *Manager) discard(ctx context.Context, target storage.Target, loc storage.Location) {
	store, err := m.registry.Resolve(loc)
	if err == nil {
		err = store.Delete(ctx, loc)
	}
	if err != nil {
		m.logger.Warnf("Warning: failed to remove %s from %s: %v", loc, target.Name, err)
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func tagReason(tags map[string]string) string {
	return fmt.Sprintf("merged tags %v", tags)
}
