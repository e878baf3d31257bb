package retention

import (
	"context"
	"fmt"
	"path"

	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/storage"
)

// Archives lists the archive records
func (m *Manager) Archives() ([]catalog.ArchiveRecord, error) {
	return m.catalog.ListArchives()
}

// RequestRetrieval starts restoring an archived artifact. The copy becomes
// available after the retrieval class latency. An empty class uses the one
// the artifact was archived with.
func (m *Manager) RequestRetrieval(archiveID string, class catalog.RetrievalClass, actor string) (catalog.ArchiveRecord, error) {
	var out catalog.ArchiveRecord
	err := m.catalog.UpdateArchive(archiveID, func(a *catalog.ArchiveRecord) error {
		if a.RetrievalState != catalog.RetrievalArchived {
			return drerrors.Policy("retrieval", fmt.Errorf("archive %s is %s", archiveID, a.RetrievalState))
		}
		if class == "" {
			class = a.RetrievalClass
		}
		now := m.clock.Now()
		a.RetrievalState = catalog.RetrievalRetrieving
		a.RetrievalClass = class
		a.RetrievalRequestedAt = now
		a.RetrievalReadyAt = now.Add(class.Latency())
		out = a.Clone()
		return nil
	})
	if err != nil {
		return catalog.ArchiveRecord{}, err
	}
	if _, err := m.appendAudit("request_retrieval", out.OriginalID, actor, fmt.Sprintf("archive %s, %s class", archiveID, class), out.PolicyID, ""); err != nil {
		return out, err
	}
	m.logger.Infof("Retrieval of archive %s requested by %s, ready at %s", archiveID, actor, out.RetrievalReadyAt.Format("2006-01-02 15:04:05"))
	return out, nil
}

// CompleteRetrieval copies a retrieved artifact back to a live backend and
// restores its catalog entry
func (m *Manager) CompleteRetrieval(ctx context.Context, archiveID, actor string) (catalog.BackupRecord, error) {
	a, err := m.catalog.GetArchive(archiveID)
	if err != nil {
		return catalog.BackupRecord{}, err
	}
	if a.RetrievalState != catalog.RetrievalRetrieving {
		return catalog.BackupRecord{}, drerrors.Policy("retrieval", fmt.Errorf("archive %s is %s, request a retrieval first", archiveID, a.RetrievalState))
	}
	if now := m.clock.Now(); now.Before(a.RetrievalReadyAt) {
		return catalog.BackupRecord{}, drerrors.Policy("retrieval", fmt.Errorf("archive %s is not ready until %s", archiveID, a.RetrievalReadyAt.Format("2006-01-02 15:04:05")))
	}

	m.records.Lock(a.OriginalID)
	defer m.records.Unlock(a.OriginalID)

	if _, err := m.catalog.Get(a.OriginalID); err == nil {
		return catalog.BackupRecord{}, drerrors.Policy("retrieval", fmt.Errorf("backup %s is already in the catalog", a.OriginalID))
	}

	target, err := m.retrievalTarget(a.Original)
	if err != nil {
		return catalog.BackupRecord{}, err
	}
	orig := a.Original.Clone()
	dst := target.Location(path.Join("retrieved", path.Base(a.Location.Key)))
	if _, err := m.copyFirst(ctx, orig, []catalog.StorageLocation{a.Location}, target, dst); err != nil {
		return catalog.BackupRecord{}, err
	}

	now := m.clock.Now()
	orig.Locations = []catalog.StorageLocation{{Location: dst, AddedAt: now}}
	orig.LegalHold = false
	if orig.Tags == nil {
		orig.Tags = map[string]string{}
	}
	orig.Tags["retrievedFrom"] = archiveID

	if _, err := m.appendAudit("complete_retrieval", orig.ID, actor, "restored from archive "+archiveID, a.PolicyID, ""); err != nil {
		m.discard(ctx, target, dst)
		return catalog.BackupRecord{}, err
	}
	if err := m.catalog.Put(orig); err != nil {
		m.discard(ctx, target, dst)
		return catalog.BackupRecord{}, err
	}
	if err := m.catalog.UpdateArchive(archiveID, func(x *catalog.ArchiveRecord) error {
		x.RetrievalState = catalog.RetrievalRetrieved
		x.RetrievedAt = now
		return nil
	}); err != nil {
		return orig, err
	}
	m.logger.Infof("Archive %s restored to %s as backup %s", archiveID, dst, orig.ID)
	return orig, nil
}

// retrievalTarget prefers a live backend in the region the artifact was
// originally stored in
func (m *Manager) retrievalTarget(orig catalog.BackupRecord) (storage.Target, error) {
	var live []storage.Target
	for _, t := range m.registry.Targets() {
		if !t.Archive {
			live = append(live, t)
		}
	}
	if len(live) == 0 {
		return storage.Target{}, drerrors.Configuration("retrieval", fmt.Errorf("no live storage backend to retrieve into"))
	}
	for _, l := range orig.Locations {
		for _, t := range live {
			if t.Name == l.Backend {
				return t, nil
			}
		}
	}
	for _, l := range orig.Locations {
		for _, t := range live {
			if t.Region == l.Region {
				return t, nil
			}
		}
	}
	return live[0], nil
}
