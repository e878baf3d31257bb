// Package catalog tracks backup and archive records.
package catalog

import (
	"fmt"
	"sort"
	"time"

	"github.com/supporttools/GoDRGuard/pkg/catalog/types"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/state"
)

// Re-export types from the types package so callers need one import
type (
	BackupRecord      = types.BackupRecord
	ArchiveRecord     = types.ArchiveRecord
	StorageLocation   = types.StorageLocation
	Checksum          = types.Checksum
	Kind              = types.Kind
	Status            = types.Status
	VerificationState = types.VerificationState
	Filter            = types.Filter
	Store             = types.Store
	RetrievalClass    = types.RetrievalClass
	RetrievalState    = types.RetrievalState
)

const (
	KindFull         = types.KindFull
	KindIncremental  = types.KindIncremental
	KindDifferential = types.KindDifferential

	StatusPending = types.StatusPending
	StatusSuccess = types.StatusSuccess
	StatusFailed  = types.StatusFailed
	StatusPartial = types.StatusPartial

	VerificationNone    = types.VerificationNone
	VerificationPassed  = types.VerificationPassed
	VerificationWarning = types.VerificationWarning
	VerificationFailed  = types.VerificationFailed

	RetrievalExpedited  = types.RetrievalExpedited
	RetrievalStandard   = types.RetrievalStandard
	RetrievalBulk       = types.RetrievalBulk
	RetrievalArchived   = types.RetrievalArchived
	RetrievalRetrieving = types.RetrievalRetrieving
	RetrievalRetrieved  = types.RetrievalRetrieved
)

// FileStore keeps the catalog in two JSON collections
type FileStore struct {
	backups  *state.Collection[types.BackupRecord]
	archives *state.Collection[types.ArchiveRecord]
}

// NewFileStore opens (or creates) the catalog under dir. An empty dir keeps
// the catalog in memory.
func NewFileStore(dir string) (*FileStore, error) {
	backups, err := state.Open[types.BackupRecord](dir, "backups")
	if err != nil {
		return nil, err
	}
	archives, err := state.Open[types.ArchiveRecord](dir, "archives")
	if err != nil {
		return nil, err
	}
	return &FileStore{backups: backups, archives: archives}, nil
}

// Put stores a record
func (s *FileStore) Put(rec types.BackupRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("backup record has no id")
	}
	return s.backups.Put(rec.ID, rec)
}

// Get returns a record by id
func (s *FileStore) Get(id string) (types.BackupRecord, error) {
	rec, ok := s.backups.Get(id)
	if !ok {
		return types.BackupRecord{}, fmt.Errorf("backup %s: %w", id, drerrors.ErrNotFound)
	}
	return rec, nil
}

// Update mutates a record under the collection lock
func (s *FileStore) Update(id string, fn func(rec *types.BackupRecord) error) error {
	return s.backups.Update(id, fn)
}

// Delete removes a record
func (s *FileStore) Delete(id string) error {
	return s.backups.Delete(id)
}

// List returns matching records newest first
func (s *FileStore) List(f types.Filter) ([]types.BackupRecord, error) {
	var out []types.BackupRecord
	for _, rec := range s.backups.List() {
		if f.Match(rec) {
			out = append(out, rec)
		}
	}
	SortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// PutArchive stores an archive record
func (s *FileStore) PutArchive(a types.ArchiveRecord) error {
	if a.ID == "" {
		return fmt.Errorf("archive record has no id")
	}
	return s.archives.Put(a.ID, a)
}

// GetArchive returns an archive record by id
func (s *FileStore) GetArchive(id string) (types.ArchiveRecord, error) {
	a, ok := s.archives.Get(id)
	if !ok {
		return types.ArchiveRecord{}, fmt.Errorf("archive %s: %w", id, drerrors.ErrNotFound)
	}
	return a, nil
}

// UpdateArchive mutates an archive record
func (s *FileStore) UpdateArchive(id string, fn func(a *types.ArchiveRecord) error) error {
	return s.archives.Update(id, fn)
}

// ListArchives returns every archive record, most recently archived first
func (s *FileStore) ListArchives() ([]types.ArchiveRecord, error) {
	out := s.archives.List()
	sort.SliceStable(out, func(i, j int) bool { return out[i].ArchivedAt.After(out[j].ArchivedAt) })
	return out, nil
}

// SortNewestFirst orders records by creation time, newest first, breaking
// ties by id so the order is stable across calls.
func SortNewestFirst(recs []types.BackupRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID > recs[j].ID
		}
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}

// FailPending marks every pending record failed. Called at startup: a
// pending record means the process died mid-backup and the artifact is
// not trustworthy.
func FailPending(s types.Store, now time.Time) (int, error) {
	pending, err := s.List(types.Filter{Status: types.StatusPending})
	if err != nil {
		return 0, err
	}
	for _, rec := range pending {
		err := s.Update(rec.ID, func(r *types.BackupRecord) error {
			r.FailedStage = r.Stage
			r.Status = types.StatusFailed
			r.Error = "interrupted by restart"
			r.CompletedAt = now
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}

// Stats summarises the catalog for the admin API
type Stats struct {
	TotalCount     int            `json:"totalCount"`
	TotalSize      int64          `json:"totalSize"`
	StatusCounts   map[string]int `json:"statusCounts"`
	KindCounts     map[string]int `json:"kindCounts"`
	RegionCounts   map[string]int `json:"regionCounts"`
	LegalHolds     int            `json:"legalHolds"`
	ArchiveCount   int            `json:"archiveCount"`
	LastBackupTime *time.Time     `json:"lastBackupTime,omitempty"`
}

// GetStats computes catalog statistics
func GetStats(s types.Store) (Stats, error) {
	recs, err := s.List(types.Filter{})
	if err != nil {
		return Stats{}, err
	}
	archives, err := s.ListArchives()
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		TotalCount:   len(recs),
		StatusCounts: make(map[string]int),
		KindCounts:   make(map[string]int),
		RegionCounts: make(map[string]int),
		ArchiveCount: len(archives),
	}
	for _, rec := range recs {
		stats.StatusCounts[string(rec.Status)]++
		stats.KindCounts[string(rec.Kind)]++
		if rec.LegalHold {
			stats.LegalHolds++
		}
		if rec.Completed() {
			stats.TotalSize += rec.ArtifactSize
			if stats.LastBackupTime == nil || rec.CompletedAt.After(*stats.LastBackupTime) {
				t := rec.CompletedAt
				stats.LastBackupTime = &t
			}
		}
		for _, l := range rec.Locations {
			stats.RegionCounts[l.Region]++
		}
	}
	return stats, nil
}
