// catalog-recovery rebuilds the GoDRGuard backup catalog from the artifacts
// found in the configured storage backends
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/dustin/go-humanize"

	"github.com/supporttools/GoDRGuard/pkg/backup"
	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/storage"
)

var (
	configFile   = flag.String("config", os.Getenv("CONFIG_FILE"), "Path to the configuration file")
	dryRun       = flag.Bool("dry-run", false, "Report what would be recovered without writing the catalog")
	verbose      = flag.Bool("verbose", false, "Enable verbose logging")
	scanLocal    = flag.Bool("local", true, "Scan local storage for artifacts")
	scanS3       = flag.Bool("s3", true, "Scan S3 backends for artifacts")
	forceRebuild = flag.Bool("force", false, "Overwrite catalog entries that already exist")
	mergeMode    = flag.Bool("merge", false, "Add missing entries to an existing catalog")

	// Artifact keys look like [prefix/]{database}/{kind}/{yyyy/mm/dd}/{id}.sql[.gz|.zst][.enc]
	artifactPattern = regexp.MustCompile(`(?:^|/)([^/]+)/(full|incremental|differential)/(\d{4}/\d{2}/\d{2})/([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})\.sql(\.gz|\.zst)?(\.enc)?$`)
)

// found is one artifact copy discovered in a backend
type found struct {
	ID          string
	Database    string
	Kind        catalog.Kind
	Day         time.Time
	Compression string
	Encrypted   bool
	Size        int64
	ModTime     time.Time
	Location    storage.Location
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var store catalog.Store
	if cfg.CatalogDB.Enabled {
		store, err = catalog.OpenDBStore(cfg.CatalogDB, cfg.Debug)
	} else {
		store, err = catalog.NewFileStore(cfg.State.Directory)
	}
	if err != nil {
		log.Fatalf("Failed to open catalog: %v", err)
	}

	existing, err := store.List(catalog.Filter{})
	if err != nil {
		log.Fatalf("Failed to read catalog: %v", err)
	}
	if len(existing) > 0 && !*forceRebuild && !*mergeMode {
		log.Printf("Found an existing catalog with %d backups. Use -force to rebuild or -merge to merge.", len(existing))
		os.Exit(0)
	}

	log.Println("Starting catalog recovery...")
	ctx := context.Background()

	var artifacts []found
	if *scanLocal && cfg.Storage.Local.Enabled {
		local, err := scanLocalStorage(cfg.Storage.Local)
		if err != nil {
			log.Printf("Error scanning local storage: %v", err)
		}
		artifacts = append(artifacts, local...)
		log.Printf("Found %d artifacts in local storage", len(local))
	}
	if *scanS3 {
		for _, sc := range cfg.Storage.S3 {
			client, err := newS3Client(sc)
			if err != nil {
				log.Printf("Failed to create S3 client for %s: %v", sc.Name, err)
				continue
			}
			remote, err := scanS3Storage(ctx, client, sc)
			if err != nil {
				log.Printf("Error listing %s: %v", sc.Name, err)
			}
			artifacts = append(artifacts, remote...)
			log.Printf("Found %d artifacts in %s (%s)", len(remote), sc.Name, sc.Region)
		}
	}

	records := reconcile(artifacts, cfg.Database, cfg.Backup.Expiry)
	if *dryRun {
		for _, r := range records {
			log.Printf("Would recover %s (%s %s, %d copies, %s)", r.ID, r.Database, r.Kind, len(r.Locations), humanize.Bytes(uint64(r.ArtifactSize)))
		}
		log.Printf("Dry run completed - %d backups found, no changes were saved", len(records))
		return
	}

	written, skipped, err := apply(store, records, *forceRebuild)
	if err != nil {
		log.Fatalf("Failed to write catalog: %v", err)
	}

	var total int64
	for _, r := range records {
		total += r.ArtifactSize
	}
	log.Printf("Recovery summary:")
	log.Printf("- Backups recovered: %d", written)
	log.Printf("- Already catalogued: %d", skipped)
	log.Printf("- Total artifact size: %s", humanize.Bytes(uint64(total)))
	log.Println("Recovered backups are unverified; run verification before relying on them.")
}

// parseKey extracts backup identity from an artifact key
func parseKey(key string) (found, bool) {
	m := artifactPattern.FindStringSubmatch(key)
	if m == nil {
		return found{}, false
	}
	day, err := time.Parse("2006/01/02", m[3])
	if err != nil {
		return found{}, false
	}
	f := found{
		ID:        m[4],
		Database:  m[1],
		Kind:      catalog.Kind(m[2]),
		Day:       day,
		Encrypted: m[6] != "",
	}
	switch m[5] {
	case ".gz":
		f.Compression = "gzip"
	case ".zst":
		f.Compression = "zstd"
	}
	return f, true
}

// scanLocalStorage walks the local backup directory
func scanLocalStorage(cfg config.LocalConfig) ([]found, error) {
	var out []found
	err := filepath.Walk(cfg.Directory, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if *verbose {
				log.Printf("Error accessing path %s: %v", p, err)
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(cfg.Directory, p)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)
		f, ok := parseKey(key)
		if !ok {
			if *verbose {
				log.Printf("Skipping file with non-standard name: %s", key)
			}
			return nil
		}
		f.Size = info.Size()
		f.ModTime = info.ModTime()
		f.Location = storage.Location{Backend: "local", Region: cfg.Region, Key: key}
		out = append(out, f)
		return nil
	})
	return out, err
}

func newS3Client(cfg config.S3Config) (s3iface.S3API, error) {
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.PathStyle),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.DisableSSL = aws.Bool(!cfg.UseSSL)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}
	return s3.New(sess), nil
}

// scanS3Storage lists the artifacts under a backend's prefix
func scanS3Storage(ctx context.Context, client s3iface.S3API, cfg config.S3Config) ([]found, error) {
	var out []found
	params := &s3.ListObjectsV2Input{Bucket: aws.String(cfg.Bucket)}
	if cfg.Prefix != "" {
		params.Prefix = aws.String(strings.TrimSuffix(cfg.Prefix, "/") + "/")
	}
	err := client.ListObjectsV2PagesWithContext(ctx, params, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			f, ok := parseKey(key)
			if !ok {
				if *verbose {
					log.Printf("Skipping S3 object with non-standard name: %s", key)
				}
				continue
			}
			f.Size = aws.Int64Value(obj.Size)
			f.ModTime = aws.TimeValue(obj.LastModified)
			f.Location = storage.Location{Backend: cfg.Name, Region: cfg.Region, Bucket: cfg.Bucket, Key: key}
			out = append(out, f)
		}
		return true
	})
	return out, err
}

// reconcile merges the copies of each backup into one catalog record. The
// earliest modification time within the artifact's day stands in for the
// creation time.
func reconcile(artifacts []found, db config.DatabaseConfig, expiry config.ExpiryConfig) []catalog.BackupRecord {
	byID := make(map[string]*catalog.BackupRecord)
	for _, f := range artifacts {
		rec, ok := byID[f.ID]
		if !ok {
			rec = &catalog.BackupRecord{
				ID:           f.ID,
				Kind:         f.Kind,
				Server:       db.Name,
				DatabaseType: db.Type,
				Database:     f.Database,
				ArtifactSize: f.Size,
				Compression:  f.Compression,
				Encrypted:    f.Encrypted,
				Status:       catalog.StatusSuccess,
				Stage:        backup.StageCompleted,
				Tags:         map[string]string{"recovered": "true"},
			}
			byID[f.ID] = rec
		}
		created := f.ModTime
		if created.IsZero() || created.Before(f.Day) || created.Sub(f.Day) >= 24*time.Hour {
			created = f.Day
		}
		if rec.CreatedAt.IsZero() || created.Before(rec.CreatedAt) {
			rec.CreatedAt = created
		}
		if f.Size > rec.ArtifactSize {
			rec.ArtifactSize = f.Size
		}
		rec.Locations = append(rec.Locations, catalog.StorageLocation{Location: f.Location, AddedAt: f.ModTime})
	}

	out := make([]catalog.BackupRecord, 0, len(byID))
	for _, rec := range byID {
		rec.CompletedAt = rec.CreatedAt
		rec.ExpiresAt = backup.Expiry(expiry, rec.Kind, rec.CreatedAt)
		sort.Slice(rec.Locations, func(i, j int) bool {
			return path.Join(rec.Locations[i].Backend, rec.Locations[i].Key) < path.Join(rec.Locations[j].Backend, rec.Locations[j].Key)
		})
		out = append(out, *rec)
	}
	catalog.SortNewestFirst(out)
	return out
}

// apply writes records to the catalog. Existing entries are kept unless
// overwrite is set.
func apply(store catalog.Store, records []catalog.BackupRecord, overwrite bool) (int, int, error) {
	written, skipped := 0, 0
	for _, rec := range records {
		if _, err := store.Get(rec.ID); err == nil && !overwrite {
			skipped++
			if *verbose {
				log.Printf("Skipping existing backup: %s", rec.ID)
			}
			continue
		}
		if err := store.Put(rec); err != nil {
			return written, skipped, fmt.Errorf("backup %s: %w", rec.ID, err)
		}
		written++
		if *verbose {
			log.Printf("Recovered backup: %s", rec.ID)
		}
	}
	return written, skipped, nil
}
