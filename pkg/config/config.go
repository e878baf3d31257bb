// Package config provides configuration loading and management for GoDRGuard
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggingConfig defines logger settings
type LoggingConfig struct {
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// DatabaseConfig defines the primary data store that is dumped and restored
type DatabaseConfig struct {
	Name           string        `yaml:"name"`
	Type           string        `yaml:"type" validate:"required,oneof=mysql postgresql"`
	Host           string        `yaml:"host" validate:"required"`
	Port           int           `yaml:"port" validate:"gte=0,lte=65535"`
	Username       string        `yaml:"username" validate:"required"`
	Password       string        `yaml:"password"`
	Database       string        `yaml:"database" validate:"required"`
	CommandTimeout time.Duration `yaml:"commandTimeout"`
	ExtraArgs      []string      `yaml:"extraArgs"`
	// MySQLOptions and PostgreSQLOptions tune the dump tool; nil uses the defaults
	MySQLOptions      *MySQLDumpOptions      `yaml:"mysqlOptions"`
	PostgreSQLOptions *PostgreSQLDumpOptions `yaml:"postgresqlOptions"`
}

// LocalConfig defines local backup settings
type LocalConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Directory string `yaml:"directory"`
	Region    string `yaml:"region"`
}

// S3Config defines one S3-compatible storage backend
type S3Config struct {
	Name               string `yaml:"name" validate:"required"`
	Bucket             string `yaml:"bucket" validate:"required"`
	Region             string `yaml:"region" validate:"required"`
	Endpoint           string `yaml:"endpoint"`
	AccessKey          string `yaml:"accessKey"`
	SecretKey          string `yaml:"secretKey"`
	Prefix             string `yaml:"prefix"`
	PathStyle          bool   `yaml:"pathStyle"`
	UseSSL             bool   `yaml:"useSSL"`
	CustomCAPath       string `yaml:"customCAPath"`
	SkipCertValidation bool   `yaml:"skipCertValidation"`
}

// ArchiveConfig defines the cold tier used by the archive retention action
type ArchiveConfig struct {
	Backend        string  `yaml:"backend"`
	Region         string  `yaml:"region"`
	Bucket         string  `yaml:"bucket"`
	RetrievalClass string  `yaml:"retrievalClass" validate:"omitempty,oneof=expedited standard bulk"`
	CostPerGBMonth float64 `yaml:"costPerGBMonth"`
}

// StorageConfig groups every object-store backend
type StorageConfig struct {
	Local   LocalConfig   `yaml:"local"`
	S3      []S3Config    `yaml:"s3" validate:"dive"`
	Archive ArchiveConfig `yaml:"archive"`
}

// CompressionConfig defines artifact compression
type CompressionConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Algorithm string `yaml:"algorithm" validate:"omitempty,oneof=zstd gzip"`
	Level     int    `yaml:"level"`
}

// EncryptionConfig defines artifact encryption and key rotation
type EncryptionConfig struct {
	Enabled          bool          `yaml:"enabled"`
	MasterKeyHex     string        `yaml:"masterKeyHex"`
	RotationInterval time.Duration `yaml:"rotationInterval"`
	KeyHistory       int           `yaml:"keyHistory"`
	KeyringFile      string        `yaml:"keyringFile"`
}

// ExpiryConfig defines kind-specific retention expiry rules
type ExpiryConfig struct {
	FullMonths        int `yaml:"fullMonths"`
	IncrementalDays   int `yaml:"incrementalDays"`
	DifferentialWeeks int `yaml:"differentialWeeks"`
}

// BackupConfig defines Backup Engine settings
type BackupConfig struct {
	StagingDirectory string            `yaml:"stagingDirectory"`
	SchemaVersion    string            `yaml:"schemaVersion"`
	Compression      CompressionConfig `yaml:"compression"`
	Encryption       EncryptionConfig  `yaml:"encryption"`
	Expiry           ExpiryConfig      `yaml:"expiry"`
	Schedules        map[string]string `yaml:"schedules"` // kind -> cron expression
	VerifyOnRestore  bool              `yaml:"verifyOnRestore"`
}

// VerificationConfig toggles the individual verification checks
type VerificationConfig struct {
	Checksum            bool          `yaml:"checksum"`
	Format              bool          `yaml:"format"`
	Encryption          bool          `yaml:"encryption"`
	Restoration         bool          `yaml:"restoration"`
	Consistency         bool          `yaml:"consistency"`
	Performance         bool          `yaml:"performance"`
	EntropyThreshold    float64       `yaml:"entropyThreshold"`
	EntropySampleBytes  int           `yaml:"entropySampleBytes"`
	MinThroughputMBps   float64       `yaml:"minThroughputMBps"`
	MinCompressionRatio float64       `yaml:"minCompressionRatio"`
	MaxAge              time.Duration `yaml:"maxAge"`
	RestoreEnvironment  string        `yaml:"restoreEnvironment"`
}

// ReplicationConfig defines Replication Service settings
type ReplicationConfig struct {
	Enabled             bool          `yaml:"enabled"`
	SourceRegion        string        `yaml:"sourceRegion"`
	ParallelTransfers   int           `yaml:"parallelTransfers" validate:"gte=0"`
	RetryAttempts       int           `yaml:"retryAttempts" validate:"gte=0"`
	RetryDelay          time.Duration `yaml:"retryDelay"`
	ConsistencyCheck    bool          `yaml:"consistencyCheck"`
	BandwidthLimit      int64         `yaml:"bandwidthLimit"` // bytes per second, 0 = unlimited
	HealthCheckInterval time.Duration `yaml:"healthCheckInterval"`
	RulesFile           string        `yaml:"rulesFile"`
}

// RetentionConfig defines Retention Manager settings
type RetentionConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	CleanupSchedule         string        `yaml:"cleanupSchedule"`
	MaxConcurrentExecutions int           `yaml:"maxConcurrentExecutions" validate:"gte=0"`
	ApprovalTimeout         time.Duration `yaml:"approvalTimeout"`
	PoliciesFile            string        `yaml:"policiesFile"`
}

// EnvironmentConfig defines one isolated restore-test environment
type EnvironmentConfig struct {
	Name     string `yaml:"name" validate:"required"`
	Type     string `yaml:"type" validate:"required,oneof=mysql postgresql"`
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// DatabasePrefix is prepended to the ephemeral database created per test run.
	DatabasePrefix string `yaml:"databasePrefix"`
}

// RestoreTestingConfig defines Restoration Testing Service settings
type RestoreTestingConfig struct {
	Enabled            bool                `yaml:"enabled"`
	MaxConcurrentTests int                 `yaml:"maxConcurrentTests" validate:"gte=0"`
	Schedule           string              `yaml:"schedule"`
	DefaultType        string              `yaml:"defaultType" validate:"omitempty,oneof=basic comprehensive performance disaster"`
	DefaultEnvironment string              `yaml:"defaultEnvironment"`
	Teardown           bool                `yaml:"teardown"`
	SampleRows         int                 `yaml:"sampleRows"`
	MaxRestoreTime     time.Duration       `yaml:"maxRestoreTime"`
	MaxQueryTime       time.Duration       `yaml:"maxQueryTime"`
	RequiredTables     []string            `yaml:"requiredTables"`
	Environments       []EnvironmentConfig `yaml:"environments" validate:"dive"`
}

// SiteConfig defines a primary or secondary site
type SiteConfig struct {
	ID           string `yaml:"id" validate:"required"`
	Region       string `yaml:"region" validate:"required"`
	Primary      bool   `yaml:"primary"`
	Priority     int    `yaml:"priority"`
	AutoFailover bool   `yaml:"autoFailover"`
	HealthURL    string `yaml:"healthURL"`
	Backend      string `yaml:"backend"`
}

// DRConfig defines Disaster Recovery Orchestrator settings
type DRConfig struct {
	Enabled                bool          `yaml:"enabled"`
	RTO                    time.Duration `yaml:"rto"`
	RPO                    time.Duration `yaml:"rpo"`
	HealthCheckInterval    time.Duration `yaml:"healthCheckInterval"`
	HealthCheckTimeout     time.Duration `yaml:"healthCheckTimeout"`
	RequireApproval        bool          `yaml:"requireApproval"`
	ApprovalTimeout        time.Duration `yaml:"approvalTimeout"`
	FailureCriteriaMin     int           `yaml:"failureCriteriaMin" validate:"gte=1,lte=3"` // 0 in the file means the default of 2
	UptimeFailureThreshold float64       `yaml:"uptimeFailureThreshold"`
	ResponseTimeCeiling    time.Duration `yaml:"responseTimeCeiling"`
	PlansFile              string        `yaml:"plansFile"`
	DefaultPlan            string        `yaml:"defaultPlan"`
	DrillSchedule          string        `yaml:"drillSchedule"`
	Sites                  []SiteConfig  `yaml:"sites" validate:"dive"`
}

// EmailConfig defines the SMTP alert channel
type EmailConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtpHost"`
	SMTPPort int      `yaml:"smtpPort"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// WebhookConfig defines an HTTP JSON alert channel
type WebhookConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	RoutingKey string `yaml:"routingKey"`
}

// AlertingConfig defines alert transports
type AlertingConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Email   EmailConfig   `yaml:"email"`
	Webhook WebhookConfig `yaml:"webhook"`
	Pager   WebhookConfig `yaml:"pager"`
}

// StateConfig defines where durable collections are kept
type StateConfig struct {
	Directory string `yaml:"directory"`
}

// CatalogDBConfig defines MySQL connection settings for the catalog database
type CatalogDBConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	MaxOpenConns    int    `yaml:"maxOpenConns"`
	MaxIdleConns    int    `yaml:"maxIdleConns"`
	ConnMaxLifetime string `yaml:"connMaxLifetime"`
	AutoMigrate     bool   `yaml:"autoMigrate"`
}

// MetricsConfig defines admin/metrics server settings
type MetricsConfig struct {
	Port string `yaml:"port"`
}

// AppConfig contains the complete application configuration
type AppConfig struct {
	Debug          bool                 `yaml:"debug"`
	ConfigFile     string               `yaml:"-"`
	Logging        LoggingConfig        `yaml:"logging"`
	Database       DatabaseConfig       `yaml:"database"`
	Storage        StorageConfig        `yaml:"storage"`
	Backup         BackupConfig         `yaml:"backup"`
	Verification   VerificationConfig   `yaml:"verification"`
	Replication    ReplicationConfig    `yaml:"replication"`
	Retention      RetentionConfig      `yaml:"retention"`
	RestoreTesting RestoreTestingConfig `yaml:"restoreTesting"`
	DR             DRConfig             `yaml:"dr"`
	Alerting       AlertingConfig       `yaml:"alerting"`
	State          StateConfig          `yaml:"state"`
	CatalogDB      CatalogDBConfig      `yaml:"catalogDatabase"`
	Metrics        MetricsConfig        `yaml:"metrics"`
}

// CFG is the global configuration object populated by LoadConfiguration
var CFG AppConfig

// LoadConfiguration loads configuration from CONFIG_FILE (if set) and then
// applies environment overrides and defaults.
func LoadConfiguration() error {
	cfg, err := Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}
	CFG = *cfg
	return nil
}

// Load reads the YAML file at path (may be empty), applies environment
// overrides and fills defaults.
func Load(path string) (*AppConfig, error) {
	cfg := &AppConfig{}

	if path != "" {
		log.Printf("Loading configuration from %s", path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		cfg.ConfigFile = path
	}

	loadFromEnvironment(cfg)
	SetDefaults(cfg)

	if cfg.Debug {
		log.Printf("Configuration loaded: %s", cfg.ConfigFile)
	}
	return cfg, nil
}

// loadFromEnvironment applies environment variable overrides
func loadFromEnvironment(cfg *AppConfig) {
	cfg.Debug = parseEnvBool("DEBUG", cfg.Debug)
	cfg.Logging.Format = getEnvOrDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)

	// Source database
	cfg.Database.Type = getEnvOrDefault("DB_TYPE", cfg.Database.Type)
	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = parseEnvInt("DB_PORT", cfg.Database.Port)
	cfg.Database.Username = getEnvOrDefault("DB_USERNAME", cfg.Database.Username)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DB_DATABASE", cfg.Database.Database)
	cfg.Database.CommandTimeout = parseEnvDuration("DB_COMMAND_TIMEOUT", cfg.Database.CommandTimeout)

	// Local storage
	cfg.Storage.Local.Enabled = parseEnvBool("LOCAL_BACKUP_ENABLED", cfg.Storage.Local.Enabled)
	cfg.Storage.Local.Directory = getEnvOrDefault("LOCAL_BACKUP_DIRECTORY", cfg.Storage.Local.Directory)
	cfg.Storage.Local.Region = getEnvOrDefault("LOCAL_BACKUP_REGION", cfg.Storage.Local.Region)

	// A single S3 backend may be declared entirely from the environment
	if parseEnvBool("S3_BACKUP_ENABLED", false) {
		cfg.Storage.S3 = append(cfg.Storage.S3, S3Config{
			Name:               getEnvOrDefault("S3_NAME", "s3"),
			Bucket:             getEnvOrDefault("S3_BUCKET", ""),
			Region:             getEnvOrDefault("S3_REGION", "us-east-1"),
			Endpoint:           getEnvOrDefault("S3_ENDPOINT", ""),
			AccessKey:          getEnvOrDefault("S3_ACCESS_KEY", ""),
			SecretKey:          getEnvOrDefault("S3_SECRET_KEY", ""),
			Prefix:             getEnvOrDefault("S3_PREFIX", "godrguard"),
			PathStyle:          parseEnvBool("S3_PATH_STYLE", false),
			UseSSL:             parseEnvBool("S3_USE_SSL", true),
			CustomCAPath:       getEnvOrDefault("S3_CUSTOM_CA_PATH", ""),
			SkipCertValidation: parseEnvBool("S3_SKIP_CERT_VALIDATION", false),
		})
	}

	cfg.Backup.Encryption.Enabled = parseEnvBool("ENCRYPTION_ENABLED", cfg.Backup.Encryption.Enabled)
	cfg.Backup.Encryption.MasterKeyHex = getEnvOrDefault("ENCRYPTION_MASTER_KEY", cfg.Backup.Encryption.MasterKeyHex)

	cfg.DR.RequireApproval = parseEnvBool("DR_REQUIRE_APPROVAL", cfg.DR.RequireApproval)

	cfg.CatalogDB.Enabled = parseEnvBool("CATALOG_DB_ENABLED", cfg.CatalogDB.Enabled)
	cfg.CatalogDB.Host = getEnvOrDefault("CATALOG_DB_HOST", cfg.CatalogDB.Host)
	cfg.CatalogDB.Port = parseEnvInt("CATALOG_DB_PORT", cfg.CatalogDB.Port)
	cfg.CatalogDB.Username = getEnvOrDefault("CATALOG_DB_USERNAME", cfg.CatalogDB.Username)
	cfg.CatalogDB.Password = getEnvOrDefault("CATALOG_DB_PASSWORD", cfg.CatalogDB.Password)
	cfg.CatalogDB.Database = getEnvOrDefault("CATALOG_DB_DATABASE", cfg.CatalogDB.Database)

	cfg.State.Directory = getEnvOrDefault("STATE_DIRECTORY", cfg.State.Directory)
	cfg.Metrics.Port = getEnvOrDefault("METRICS_PORT", cfg.Metrics.Port)
}

// SetDefaults ensures all config fields have reasonable default values
func SetDefaults(cfg *AppConfig) {
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Metrics.Port == "" {
		cfg.Metrics.Port = "8080"
	}
	if cfg.State.Directory == "" {
		cfg.State.Directory = "/var/lib/godrguard"
	}

	if cfg.Database.Name == "" {
		cfg.Database.Name = "primary"
	}
	if cfg.Database.Port == 0 {
		switch cfg.Database.Type {
		case "postgresql":
			cfg.Database.Port = 5432
		default:
			cfg.Database.Port = 3306
		}
	}
	if cfg.Database.CommandTimeout == 0 {
		cfg.Database.CommandTimeout = 2 * time.Hour
	}

	if cfg.Storage.Local.Enabled && cfg.Storage.Local.Directory == "" {
		cfg.Storage.Local.Directory = "/backups"
	}
	if cfg.Storage.Local.Region == "" {
		cfg.Storage.Local.Region = "local"
	}
	if cfg.Storage.Archive.RetrievalClass == "" {
		cfg.Storage.Archive.RetrievalClass = "standard"
	}
	if cfg.Storage.Archive.CostPerGBMonth == 0 {
		cfg.Storage.Archive.CostPerGBMonth = 0.004
	}

	if cfg.Backup.StagingDirectory == "" {
		cfg.Backup.StagingDirectory = os.TempDir()
	}
	if cfg.Backup.SchemaVersion == "" {
		cfg.Backup.SchemaVersion = "1"
	}
	if cfg.Backup.Compression.Algorithm == "" {
		cfg.Backup.Compression.Algorithm = "zstd"
	}
	if cfg.Backup.Compression.Level == 0 {
		cfg.Backup.Compression.Level = 3
	}
	if cfg.Backup.Encryption.KeyHistory == 0 {
		cfg.Backup.Encryption.KeyHistory = 5
	}
	if cfg.Backup.Encryption.RotationInterval == 0 {
		cfg.Backup.Encryption.RotationInterval = 90 * 24 * time.Hour
	}
	if cfg.Backup.Expiry.FullMonths == 0 {
		cfg.Backup.Expiry.FullMonths = 12
	}
	if cfg.Backup.Expiry.IncrementalDays == 0 {
		cfg.Backup.Expiry.IncrementalDays = 7
	}
	if cfg.Backup.Expiry.DifferentialWeeks == 0 {
		cfg.Backup.Expiry.DifferentialWeeks = 4
	}

	v := &cfg.Verification
	if !v.Checksum && !v.Format && !v.Encryption && !v.Restoration && !v.Consistency && !v.Performance {
		v.Checksum, v.Format, v.Encryption, v.Consistency, v.Performance = true, true, true, true, true
		v.Restoration = cfg.RestoreTesting.Enabled
	}
	if cfg.Verification.EntropyThreshold == 0 {
		cfg.Verification.EntropyThreshold = 7.5
	}
	if cfg.Verification.EntropySampleBytes == 0 {
		cfg.Verification.EntropySampleBytes = 8192
	}
	if cfg.Verification.MinCompressionRatio == 0 {
		cfg.Verification.MinCompressionRatio = 1.5
	}
	if cfg.Verification.MinThroughputMBps == 0 {
		cfg.Verification.MinThroughputMBps = 1
	}
	if cfg.Verification.MaxAge == 0 {
		cfg.Verification.MaxAge = 48 * time.Hour
	}

	if cfg.Replication.ParallelTransfers == 0 {
		cfg.Replication.ParallelTransfers = 3
	}
	if cfg.Replication.RetryAttempts == 0 {
		cfg.Replication.RetryAttempts = 3
	}
	if cfg.Replication.RetryDelay == 0 {
		cfg.Replication.RetryDelay = 30 * time.Second
	}
	if cfg.Replication.HealthCheckInterval == 0 {
		cfg.Replication.HealthCheckInterval = time.Minute
	}
	if cfg.Replication.SourceRegion == "" {
		cfg.Replication.SourceRegion = cfg.Storage.Local.Region
	}

	if cfg.Retention.CleanupSchedule == "" {
		cfg.Retention.CleanupSchedule = "15 * * * *"
	}
	if cfg.Retention.MaxConcurrentExecutions == 0 {
		cfg.Retention.MaxConcurrentExecutions = 2
	}
	if cfg.Retention.ApprovalTimeout == 0 {
		cfg.Retention.ApprovalTimeout = 24 * time.Hour
	}

	if cfg.RestoreTesting.MaxConcurrentTests == 0 {
		cfg.RestoreTesting.MaxConcurrentTests = 2
	}
	if cfg.RestoreTesting.DefaultType == "" {
		cfg.RestoreTesting.DefaultType = "basic"
	}
	if cfg.RestoreTesting.SampleRows == 0 {
		cfg.RestoreTesting.SampleRows = 100
	}
	if cfg.RestoreTesting.MaxRestoreTime == 0 {
		cfg.RestoreTesting.MaxRestoreTime = time.Hour
	}
	if cfg.RestoreTesting.MaxQueryTime == 0 {
		cfg.RestoreTesting.MaxQueryTime = 5 * time.Second
	}

	if cfg.DR.RTO == 0 {
		cfg.DR.RTO = 15 * time.Minute
	}
	if cfg.DR.RPO == 0 {
		cfg.DR.RPO = time.Minute
	}
	if cfg.DR.HealthCheckInterval == 0 {
		cfg.DR.HealthCheckInterval = 30 * time.Second
	}
	if cfg.DR.HealthCheckTimeout == 0 {
		cfg.DR.HealthCheckTimeout = 5 * time.Second
	}
	if cfg.DR.ApprovalTimeout == 0 {
		cfg.DR.ApprovalTimeout = 15 * time.Minute
	}
	if cfg.DR.FailureCriteriaMin == 0 {
		cfg.DR.FailureCriteriaMin = 2
	}
	if cfg.DR.UptimeFailureThreshold == 0 {
		cfg.DR.UptimeFailureThreshold = 0.9
	}
	if cfg.DR.ResponseTimeCeiling == 0 {
		cfg.DR.ResponseTimeCeiling = 5 * time.Second
	}
	if cfg.DR.DefaultPlan == "" {
		cfg.DR.DefaultPlan = "default"
	}

	if cfg.Alerting.Timeout == 0 {
		cfg.Alerting.Timeout = 10 * time.Second
	}
	if cfg.Alerting.Email.SMTPPort == 0 {
		cfg.Alerting.Email.SMTPPort = 587
	}

	if cfg.CatalogDB.Enabled {
		if cfg.CatalogDB.Host == "" {
			cfg.CatalogDB.Host = "localhost"
		}
		if cfg.CatalogDB.Port == 0 {
			cfg.CatalogDB.Port = 3306
		}
		if cfg.CatalogDB.Database == "" {
			cfg.CatalogDB.Database = "godrguard_catalog"
		}
		if cfg.CatalogDB.MaxOpenConns == 0 {
			cfg.CatalogDB.MaxOpenConns = 10
		}
		if cfg.CatalogDB.MaxIdleConns == 0 {
			cfg.CatalogDB.MaxIdleConns = 5
		}
		if cfg.CatalogDB.ConnMaxLifetime == "" {
			cfg.CatalogDB.ConnMaxLifetime = "5m"
		}
	}
}

// Helper functions for environment variables

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseEnvBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value = strings.ToLower(value)

	switch value {
	case "1", "t", "true", "yes", "on", "enabled":
		return true
	case "0", "f", "false", "no", "off", "disabled":
		return false
	default:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("Error parsing %s as bool: %v. Using default value: %t", key, err, defaultValue)
			return defaultValue
		}
		return boolValue
	}
}

func parseEnvInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("Error parsing %s as int: %v. Using default value: %d", key, err, defaultValue)
		return defaultValue
	}
	return n
}

func parseEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("Error parsing %s as duration: %v. Using default value: %s", key, err, defaultValue)
		return defaultValue
	}
	return d
}
