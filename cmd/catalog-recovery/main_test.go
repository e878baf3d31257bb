package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/storage"
)

const (
	idA = "0b6e3c52-4a3e-4f0e-9a55-2d6f5b1c9e01"
	idB = "7f1d2e3c-1111-4222-8333-944455556666"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		name        string
		key         string
		shouldMatch bool
		want        found
	}{
		{
			name:        "compressed full backup",
			key:         "shop/full/2025/05/23/" + idA + ".sql.zst",
			shouldMatch: true,
			want:        found{ID: idA, Database: "shop", Kind: catalog.KindFull, Compression: "zstd"},
		},
		{
			name:        "encrypted gzip incremental under a prefix",
			key:         "backups/east/shop/incremental/2025/05/23/" + idA + ".sql.gz.enc",
			shouldMatch: true,
			want:        found{ID: idA, Database: "shop", Kind: catalog.KindIncremental, Compression: "gzip", Encrypted: true},
		},
		{
			name:        "uncompressed differential",
			key:         "shop/differential/2025/05/23/" + idA + ".sql",
			shouldMatch: true,
			want:        found{ID: idA, Database: "shop", Kind: catalog.KindDifferential},
		},
		{name: "unknown kind", key: "shop/hourly/2025/05/23/" + idA + ".sql.gz", shouldMatch: false},
		{name: "not a uuid", key: "shop/full/2025/05/23/backup.sql.gz", shouldMatch: false},
		{name: "state file", key: "state/backups.json", shouldMatch: false},
		{name: "wrong extension", key: "shop/full/2025/05/23/" + idA + ".tar", shouldMatch: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseKey(tt.key)
			if !tt.shouldMatch {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.want.ID, got.ID)
			assert.Equal(t, tt.want.Database, got.Database)
			assert.Equal(t, tt.want.Kind, got.Kind)
			assert.Equal(t, tt.want.Compression, got.Compression)
			assert.Equal(t, tt.want.Encrypted, got.Encrypted)
			assert.Equal(t, time.Date(2025, 5, 23, 0, 0, 0, 0, time.UTC), got.Day)
		})
	}
}

func TestScanLocalStorage(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"shop/full/2025/05/23/" + idA + ".sql.zst":        "artifact-a",
		"shop/incremental/2025/05/24/" + idB + ".sql.zst": "artifact-bb",
		"state/backups.json":                              "{}",
		"shop/full/2025/05/23/notes.txt":                  "notes",
	}
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}

	got, err := scanLocalStorage(config.LocalConfig{Enabled: true, Directory: dir, Region: "us-east-1"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	byID := map[string]found{}
	for _, f := range got {
		byID[f.ID] = f
	}
	a := byID[idA]
	assert.Equal(t, int64(len("artifact-a")), a.Size)
	assert.Equal(t, storage.Location{Backend: "local", Region: "us-east-1", Key: "shop/full/2025/05/23/" + idA + ".sql.zst"}, a.Location)
	assert.Equal(t, catalog.KindIncremental, byID[idB].Kind)
}

type fakeS3 struct {
	s3iface.S3API
	pages  [][]*s3.Object
	params *s3.ListObjectsV2Input
}

func (f *fakeS3) ListObjectsV2PagesWithContext(_ aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	f.params = in
	for i, page := range f.pages {
		if !fn(&s3.ListObjectsV2Output{Contents: page}, i == len(f.pages)-1) {
			break
		}
	}
	return nil
}

func TestScanS3Storage(t *testing.T) {
	modified := time.Date(2025, 5, 23, 2, 0, 0, 0, time.UTC)
	client := &fakeS3{pages: [][]*s3.Object{
		{
			{Key: aws.String("west/shop/full/2025/05/23/" + idA + ".sql.zst"), Size: aws.Int64(42), LastModified: aws.Time(modified)},
			{Key: aws.String("west/README"), Size: aws.Int64(1), LastModified: aws.Time(modified)},
		},
		{
			{Key: aws.String("west/shop/incremental/2025/05/24/" + idB + ".sql.zst.enc"), Size: aws.Int64(7), LastModified: aws.Time(modified)},
		},
	}}
	cfg := config.S3Config{Name: "dr-west", Bucket: "backups", Region: "us-west-2", Prefix: "west"}

	got, err := scanS3Storage(context.Background(), client, cfg)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "west/", aws.StringValue(client.params.Prefix))
	assert.Equal(t, "backups", aws.StringValue(client.params.Bucket))

	assert.Equal(t, idA, got[0].ID)
	assert.Equal(t, int64(42), got[0].Size)
	assert.Equal(t, modified, got[0].ModTime)
	assert.Equal(t, storage.Location{Backend: "dr-west", Region: "us-west-2", Bucket: "backups", Key: "west/shop/full/2025/05/23/" + idA + ".sql.zst"}, got[0].Location)
	assert.True(t, got[1].Encrypted)
}

func TestReconcile(t *testing.T) {
	day := time.Date(2025, 5, 23, 0, 0, 0, 0, time.UTC)
	artifacts := []found{
		{
			ID: idA, Database: "shop", Kind: catalog.KindFull, Day: day, Compression: "zstd", Size: 100,
			ModTime:  day.Add(3 * time.Hour),
			Location: storage.Location{Backend: "local", Region: "us-east-1", Key: "a"},
		},
		{
			ID: idA, Database: "shop", Kind: catalog.KindFull, Day: day, Compression: "zstd", Size: 100,
			ModTime:  day.Add(2 * time.Hour),
			Location: storage.Location{Backend: "dr-west", Region: "us-west-2", Bucket: "backups", Key: "a"},
		},
		{
			// copied days later: the key's day wins
			ID: idB, Database: "shop", Kind: catalog.KindIncremental, Day: day, Size: 10,
			ModTime:  day.Add(72 * time.Hour),
			Location: storage.Location{Backend: "local", Region: "us-east-1", Key: "b"},
		},
	}

	recs := reconcile(artifacts,
		config.DatabaseConfig{Name: "primary-db", Type: "mysql"},
		config.ExpiryConfig{FullMonths: 12, IncrementalDays: 7})
	require.Len(t, recs, 2)

	byID := map[string]catalog.BackupRecord{}
	for _, r := range recs {
		byID[r.ID] = r
	}
	a := byID[idA]
	assert.Len(t, a.Locations, 2)
	assert.Equal(t, "dr-west", a.Locations[0].Backend)
	assert.Equal(t, day.Add(2*time.Hour), a.CreatedAt)
	assert.Equal(t, day.Add(2*time.Hour+360*24*time.Hour), a.ExpiresAt)
	assert.Equal(t, catalog.StatusSuccess, a.Status)
	assert.Equal(t, catalog.VerificationNone, a.Verification)
	assert.Equal(t, "primary-db", a.Server)
	assert.Equal(t, "true", a.Tags["recovered"])
	assert.True(t, a.Completed())

	b := byID[idB]
	assert.Equal(t, day, b.CreatedAt)
	assert.Equal(t, day.Add(7*24*time.Hour), b.ExpiresAt)
}

func TestApply(t *testing.T) {
	store, err := catalog.NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Put(catalog.BackupRecord{ID: idA, Kind: catalog.KindFull, Status: catalog.StatusSuccess, Tags: map[string]string{"origin": "engine"}}))

	recs := []catalog.BackupRecord{
		{ID: idA, Kind: catalog.KindFull, Status: catalog.StatusSuccess, Tags: map[string]string{"recovered": "true"}},
		{ID: idB, Kind: catalog.KindIncremental, Status: catalog.StatusSuccess},
	}

	written, skipped, err := apply(store, recs, false)
	require.NoError(t, err)
	assert.Equal(t, 1, written)
	assert.Equal(t, 1, skipped)
	kept, err := store.Get(idA)
	require.NoError(t, err)
	assert.Equal(t, "engine", kept.Tags["origin"])

	written, skipped, err = apply(store, recs, true)
	require.NoError(t, err)
	assert.Equal(t, 2, written)
	assert.Equal(t, 0, skipped)
	replaced, err := store.Get(idA)
	require.NoError(t, err)
	assert.Equal(t, "true", replaced.Tags["recovered"])
}
