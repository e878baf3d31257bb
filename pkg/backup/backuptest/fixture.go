// Package backuptest assembles a backup engine over in-memory storage and a
// fake database for tests of the services built on top of it.
package backuptest

import (
	"testing"

	"github.com/juju/clock"
	"github.com/stretchr/testify/require"
	"github.com/supporttools/GoDRGuard/pkg/alerting"
	"github.com/supporttools/GoDRGuard/pkg/backup"
	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/database/dbtest"
	"github.com/supporttools/GoDRGuard/pkg/encryption"
	"github.com/supporttools/GoDRGuard/pkg/events"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/storage"
	"github.com/supporttools/GoDRGuard/pkg/storage/memory"
)

// MasterKey is a fixed 32-byte hex key for tests
const MasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// Regions used by the fixture
const (
	PrimaryRegion   = "us-east-1"
	SecondaryRegion = "us-west-2"
)

// Fixture wires an engine to in-memory collaborators
type Fixture struct {
	Engine    *backup.Engine
	Catalog   *catalog.FileStore
	Registry  *storage.Registry
	Primary   *memory.Store
	Secondary *memory.Store
	Archive   *memory.Store
	Provider  *dbtest.Provider
	KeyRing   *encryption.KeyRing
	Bus       *events.Bus
	Alerts    *alerting.Recorder
	Config    config.BackupConfig
}

// Option adjusts the backup configuration before the engine is built
type Option func(*config.BackupConfig)

// WithEncryption turns on encryption with MasterKey
func WithEncryption() Option {
	return func(c *config.BackupConfig) {
		c.Encryption.Enabled = true
		c.Encryption.MasterKeyHex = MasterKey
	}
}

// WithoutCompression turns compression off
func WithoutCompression() Option {
	return func(c *config.BackupConfig) { c.Compression.Enabled = false }
}

// New builds a fixture with a "primary" backend in PrimaryRegion, a
// "secondary" backend in SecondaryRegion and an "archive" tier. Only the
// primary receives uploads from the engine; the secondary is filled by
// replication.
func New(t testing.TB, opts ...Option) *Fixture {
	t.Helper()

	cfg := config.BackupConfig{
		StagingDirectory: t.TempDir(),
		SchemaVersion:    "v1",
		Compression:      config.CompressionConfig{Enabled: true, Algorithm: "zstd", Level: 3},
		Encryption:       config.EncryptionConfig{KeyHistory: 5},
		Expiry:           config.ExpiryConfig{FullMonths: 12, IncrementalDays: 7, DifferentialWeeks: 4},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	f := &Fixture{
		Registry:  storage.NewRegistry(),
		Primary:   memory.New(),
		Secondary: memory.New(),
		Archive:   memory.New(),
		Provider:  dbtest.New("shop"),
		Bus:       events.NewBus(),
		Alerts:    &alerting.Recorder{},
		Config:    cfg,
	}
	f.Provider.AddTable("orders", "1,widget,9.99", "2,gadget,19.99", "3,gizmo,4.50")
	f.Provider.SetSchemaObjects(1, 2, 0, 0)

	var err error
	f.Catalog, err = catalog.NewFileStore(t.TempDir())
	require.NoError(t, err)

	f.Registry.Register(storage.Target{Name: "primary", Kind: "local", Region: PrimaryRegion, Bucket: "backups"}, f.Primary)
	f.Registry.Register(storage.Target{Name: "archive", Kind: "memory", Region: PrimaryRegion, Bucket: "cold", Archive: true}, f.Archive)

	if cfg.Encryption.Enabled {
		f.KeyRing, err = encryption.NewKeyRing(cfg.Encryption.MasterKeyHex, cfg.Encryption.KeyHistory, nil)
		require.NoError(t, err)
	}

	f.Engine, err = backup.NewEngine(backup.Deps{
		Config:   cfg,
		Database: config.DatabaseConfig{Name: "primary-db", Type: "mysql", Database: "shop"},
		Provider: f.Provider,
		Catalog:  f.Catalog,
		Registry: f.Registry,
		KeyRing:  f.KeyRing,
		Events:   f.Bus,
		Alerts:   f.Alerts,
		Logger:   logging.Discard(),
		Clock:    clock.WallClock,
	})
	require.NoError(t, err)
	return f
}

// AddSecondary registers the secondary backend so it is a live target.
// The engine uploads to every live target, so call this after the backups
// that should exist only in the primary region.
func (f *Fixture) AddSecondary() {
	f.Registry.Register(storage.Target{Name: "secondary", Kind: "s3", Region: SecondaryRegion, Bucket: "dr-west"}, f.Secondary)
}

// RegisterSecondaryForReplication registers the secondary backend as a
// replication destination without making it an upload target.
func (f *Fixture) RegisterSecondaryForReplication() storage.Target {
	t := storage.Target{Name: "secondary", Kind: "s3", Region: SecondaryRegion, Bucket: "dr-west"}
	f.Registry.Register(t, f.Secondary)
	return t
}
