package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/GoDRGuard/pkg/catalog/types"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/storage"
)

func record(id string, created time.Time, status Status, region string) BackupRecord {
	rec := BackupRecord{
		ID:           id,
		CreatedAt:    created,
		CompletedAt:  created.Add(time.Minute),
		Kind:         KindFull,
		Database:     "shop",
		Status:       status,
		ArtifactSize: 100,
		Tags:         map[string]string{"env": "prod"},
	}
	if region != "" {
		rec.Locations = []StorageLocation{{Location: storage.Location{Backend: "b-" + region, Region: region, Bucket: "bk", Key: id}}}
	}
	return rec
}

func TestFileStoreCRUD(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.Put(record("old", now.Add(-2*time.Hour), StatusSuccess, "east")))
	require.NoError(t, s.Put(record("new", now, StatusSuccess, "west")))

	list, err := s.List(Filter{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)

	list, err = s.List(Filter{Region: "east"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "old", list[0].ID)

	require.NoError(t, s.Update("old", func(r *BackupRecord) error {
		r.Tags["tier"] = "gold"
		return nil
	}))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	got, err := reopened.Get("old")
	require.NoError(t, err)
	assert.Equal(t, "gold", got.Tags["tier"])

	require.NoError(t, reopened.Delete("old"))
	_, err = reopened.Get("old")
	assert.ErrorIs(t, err, drerrors.ErrNotFound)
}

func TestFileStoreArchives(t *testing.T) {
	s, err := NewFileStore("")
	require.NoError(t, err)

	a := ArchiveRecord{ID: "a1", OriginalID: "b1", ArchivedAt: time.Now(), RetrievalState: types.RetrievalArchived}
	require.NoError(t, s.PutArchive(a))
	require.NoError(t, s.UpdateArchive("a1", func(a *ArchiveRecord) error {
		a.RetrievalState = types.RetrievalRetrieving
		return nil
	}))
	got, err := s.GetArchive("a1")
	require.NoError(t, err)
	assert.Equal(t, types.RetrievalRetrieving, got.RetrievalState)

	archives, err := s.ListArchives()
	require.NoError(t, err)
	assert.Len(t, archives, 1)
}

func TestFailPending(t *testing.T) {
	s, err := NewFileStore("")
	require.NoError(t, err)
	now := time.Now()

	pending := record("p1", now, StatusPending, "")
	pending.Stage = "uploading"
	require.NoError(t, s.Put(pending))
	require.NoError(t, s.Put(record("ok", now, StatusSuccess, "east")))

	n, err := FailPending(s, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := s.Get("p1")
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "uploading", got.FailedStage)
	assert.NotEmpty(t, got.Error)
}

func TestGetStats(t *testing.T) {
	s, err := NewFileStore("")
	require.NoError(t, err)
	now := time.Now()

	held := record("held", now, StatusSuccess, "east")
	held.LegalHold = true
	require.NoError(t, s.Put(held))
	require.NoError(t, s.Put(record("failed", now, StatusFailed, "")))

	stats, err := GetStats(s)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalCount)
	assert.Equal(t, 1, stats.LegalHolds)
	assert.Equal(t, int64(100), stats.TotalSize)
	assert.Equal(t, 1, stats.RegionCounts["east"])
	require.NotNil(t, stats.LastBackupTime)
}

func TestRecordHelpers(t *testing.T) {
	rec := record("r", time.Now(), StatusSuccess, "east")
	assert.True(t, rec.ValidSource())
	rec.Verification = types.VerificationFailed
	assert.False(t, rec.ValidSource())

	clone := rec.Clone()
	clone.Tags["env"] = "dev"
	clone.Locations[0].Key = "changed"
	assert.Equal(t, "prod", rec.Tags["env"])
	assert.Equal(t, "r", rec.Locations[0].Key)
}
