package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
debug: true
database:
  type: mysql
  host: db.internal
  username: backup
  password: secret
  database: shop
storage:
  local:
    enabled: true
    directory: /tmp/backups
    region: us-east-1
  s3:
    - name: west
      bucket: dr-west
      region: us-west-2
      endpoint: https://minio.west:9000
      pathStyle: true
backup:
  compression:
    enabled: true
  schedules:
    full: "0 2 * * *"
    incremental: "0 * * * *"
replication:
  enabled: true
  sourceRegion: us-east-1
  consistencyCheck: true
dr:
  enabled: true
  sites:
    - id: east
      region: us-east-1
      primary: true
    - id: west
      region: us-west-2
      priority: 1
      autoFailover: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 3306, cfg.Database.Port)
	assert.Equal(t, "zstd", cfg.Backup.Compression.Algorithm)
	assert.Equal(t, 5, cfg.Backup.Encryption.KeyHistory)
	assert.Equal(t, 12, cfg.Backup.Expiry.FullMonths)
	assert.Equal(t, 3, cfg.Replication.ParallelTransfers)
	assert.Equal(t, 30*time.Second, cfg.Replication.RetryDelay)
	assert.Equal(t, 2, cfg.DR.FailureCriteriaMin)
	assert.Equal(t, 7.5, cfg.Verification.EntropyThreshold)
	assert.Equal(t, 48*time.Hour, cfg.Verification.MaxAge)
	require.Len(t, cfg.Storage.S3, 1)
	assert.True(t, cfg.Storage.S3[0].PathStyle)

	assert.NoError(t, cfg.Validate())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("DB_HOST", "override.internal")
	t.Setenv("DB_PORT", "3307")
	t.Setenv("DB_COMMAND_TIMEOUT", "10m")
	t.Setenv("DEBUG", "off")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.False(t, cfg.Debug)
	assert.Equal(t, "override.internal", cfg.Database.Host)
	assert.Equal(t, 3307, cfg.Database.Port)
	assert.Equal(t, 10*time.Minute, cfg.Database.CommandTimeout)
}

func TestPostgresDefaultPort(t *testing.T) {
	cfg := &AppConfig{Database: DatabaseConfig{Type: "postgresql"}}
	SetDefaults(cfg)
	assert.Equal(t, 5432, cfg.Database.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr string
	}{
		{
			name:    "unknown database type",
			mutate:  func(c *AppConfig) { c.Database.Type = "oracle" },
			wantErr: "invalid configuration",
		},
		{
			name: "encryption without key",
			mutate: func(c *AppConfig) {
				c.Backup.Encryption.Enabled = true
				c.Backup.Encryption.MasterKeyHex = ""
			},
			wantErr: "master key is required",
		},
		{
			name: "short encryption key",
			mutate: func(c *AppConfig) {
				c.Backup.Encryption.Enabled = true
				c.Backup.Encryption.MasterKeyHex = "abcd"
			},
			wantErr: "at least 32 bytes",
		},
		{
			name:    "bad cron",
			mutate:  func(c *AppConfig) { c.Backup.Schedules["full"] = "every day" },
			wantErr: "invalid schedule for backup kind full",
		},
		{
			name:    "unknown kind",
			mutate:  func(c *AppConfig) { c.Backup.Schedules["snapshot"] = "0 * * * *" },
			wantErr: "unknown backup kind",
		},
		{
			name:    "two primaries",
			mutate:  func(c *AppConfig) { c.DR.Sites[1].Primary = true },
			wantErr: "exactly one DR site",
		},
		{
			name:    "duplicate s3 name",
			mutate:  func(c *AppConfig) { c.Storage.S3 = append(c.Storage.S3, c.Storage.S3[0]) },
			wantErr: "duplicate S3 backend",
		},
		{
			name: "restore testing without environments",
			mutate: func(c *AppConfig) {
				c.RestoreTesting.Enabled = true
			},
			wantErr: "restore test environment",
		},
		{
			name:    "failure threshold out of range",
			mutate:  func(c *AppConfig) { c.DR.FailureCriteriaMin = 4 },
			wantErr: "invalid configuration",
		},
		{
			name:    "failure threshold below one",
			mutate:  func(c *AppConfig) { c.DR.FailureCriteriaMin = -1 },
			wantErr: "invalid configuration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, sampleConfig))
			require.NoError(t, err)
			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), err.Error())
		})
	}
}

func TestMaskSensitiveInfo(t *testing.T) {
	assert.Equal(t, "[not set]", maskSensitiveInfo(""))
	assert.Equal(t, "****", maskSensitiveInfo("abc"))
	assert.Equal(t, "se****et", maskSensitiveInfo("secret"))
}

func TestRestoreEnvironmentLookup(t *testing.T) {
	rt := RestoreTestingConfig{Environments: []EnvironmentConfig{{Name: "staging", Type: "mysql", Host: "h"}}}
	require.NotNil(t, rt.Environment("staging"))
	assert.Nil(t, rt.Environment("prod"))
}

func TestDumpOptionArgs(t *testing.T) {
	args := DefaultMySQLDumpOptions().Args()
	assert.Contains(t, args, "--single-transaction")
	assert.Contains(t, args, "--set-gtid-purged=OFF")
	assert.Contains(t, args, "--extended-insert")

	args = MySQLDumpOptions{LockTables: true}.Args()
	assert.Equal(t, []string{"--lock-tables", "--skip-extended-insert"}, args)

	assert.Equal(t, []string{"--no-owner", "--no-privileges", "--no-tablespaces"}, DefaultPostgreSQLDumpOptions().Args())
	// --if-exists and --on-conflict-do-nothing are only valid with their parent flag
	assert.Empty(t, PostgreSQLDumpOptions{IfExists: true, OnConflictDoNothing: true}.Args())
	assert.Equal(t, []string{"--clean", "--if-exists", "--column-inserts"},
		PostgreSQLDumpOptions{Clean: true, IfExists: true, InsertColumns: true}.Args())
}

func TestLoadDumpOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "database:\n  type: mysql\n  mysqlOptions:\n    quick: true\n    hexBlob: true\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Database.MySQLOptions)
	assert.True(t, cfg.Database.MySQLOptions.HexBlob)
	assert.False(t, cfg.Database.MySQLOptions.SingleTransaction)
	assert.Nil(t, cfg.Database.PostgreSQLOptions)
}
