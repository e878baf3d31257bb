package postgresql_test

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/GoDRGuard/pkg/backup"
	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/database"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
	"github.com/supporttools/GoDRGuard/pkg/storage"
	"github.com/supporttools/GoDRGuard/pkg/storage/local"
)

// These tests need a reachable PostgreSQL server plus pg_dump and psql on
// the PATH. They run only with TEST_DB_TYPE=postgres.
func sourceConfig(t *testing.T) config.DatabaseConfig {
	t.Helper()
	if os.Getenv("TEST_DB_TYPE") != "postgres" {
		t.Skip("Skipping PostgreSQL tests")
	}
	port, _ := strconv.Atoi(envOr("TEST_DB_PORT", "5432"))
	return config.DatabaseConfig{
		Name:           "integration",
		Type:           "postgresql",
		Host:           envOr("TEST_DB_HOST", "localhost"),
		Port:           port,
		Username:       envOr("TEST_DB_USER", "postgres"),
		Password:       os.Getenv("TEST_DB_PASSWORD"),
		Database:       envOr("TEST_DB_NAME", "postgres"),
		CommandTimeout: 2 * time.Minute,
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func TestPostgreSQLConnection(t *testing.T) {
	cfg := sourceConfig(t)
	p, err := database.New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "postgresql", p.Name())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, p.Ping(ctx))

	lag, err := p.ReplicationLag(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, lag, time.Duration(0))
}

func TestPostgreSQLInspect(t *testing.T) {
	cfg := sourceConfig(t)
	p, err := database.New(cfg)
	require.NoError(t, err)

	insp, err := p.Inspect(context.Background(), common.TargetFromConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, cfg.Database, insp.Database)
}

func TestPostgreSQLBackupAndRestore(t *testing.T) {
	cfg := sourceConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	p, err := database.New(cfg)
	require.NoError(t, err)

	store, err := catalog.NewFileStore(t.TempDir())
	require.NoError(t, err)
	client, err := local.NewClient(t.TempDir())
	require.NoError(t, err)
	registry := storage.NewRegistry()
	registry.Register(storage.Target{Name: "local", Kind: "local", Region: "us-east-1", Bucket: "backups"}, client)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	engine, err := backup.NewEngine(backup.Deps{
		Config: config.BackupConfig{
			StagingDirectory: t.TempDir(),
			Compression:      config.CompressionConfig{Enabled: true, Algorithm: "zstd", Level: 3},
			Expiry:           config.ExpiryConfig{FullMonths: 1},
		},
		Database: cfg,
		Provider: p,
		Catalog:  store,
		Registry: registry,
		Logger:   logger,
	})
	require.NoError(t, err)

	id, err := engine.CreateBackup(ctx, catalog.KindFull, map[string]string{"suite": "integration"})
	require.NoError(t, err)

	rec, err := engine.GetBackup(id)
	require.NoError(t, err)
	assert.True(t, rec.Completed())
	assert.NotEmpty(t, rec.Checksum.Digest)
	require.Len(t, rec.Locations, 1)

	target := common.TargetFromConfig(cfg)
	target.Database = fmt.Sprintf("godrguard_restore_%d", time.Now().UnixNano())
	require.NoError(t, p.CreateDatabase(ctx, target))
	t.Cleanup(func() {
		_ = p.DropDatabase(context.Background(), target)
	})

	res, err := engine.RestoreBackup(ctx, id, target, backup.RestoreOptions{VerifyChecksum: true, Provider: p})
	require.NoError(t, err)
	assert.True(t, res.Restored)
	assert.Equal(t, id, res.BackupID)

	source, err := p.Inspect(ctx, common.TargetFromConfig(cfg))
	require.NoError(t, err)
	restored, err := p.Inspect(ctx, target)
	require.NoError(t, err)
	assert.Len(t, restored.Tables, len(source.Tables))
}
