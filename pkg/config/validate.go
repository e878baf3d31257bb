package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

var validate = validator.New()

// ValidateConfig validates the global configuration
func ValidateConfig() error {
	return CFG.Validate()
}

// Validate checks struct tags first and then the cross-field rules that tags
// cannot express.
func (c *AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Storage.Local.Enabled && c.Storage.Local.Directory == "" {
		return fmt.Errorf("local backup directory must be specified when local backups are enabled")
	}

	names := make(map[string]bool)
	for _, s3 := range c.Storage.S3 {
		if names[s3.Name] {
			return fmt.Errorf("duplicate S3 backend name %q", s3.Name)
		}
		names[s3.Name] = true

		if s3.CustomCAPath != "" {
			if _, err := os.Stat(s3.CustomCAPath); err != nil {
				return fmt.Errorf("custom CA path %s for S3 backend %s is not accessible: %w", s3.CustomCAPath, s3.Name, err)
			}
			if s3.SkipCertValidation {
				log.Printf("Warning: Both custom CA path and skip certificate validation are set for %s. Custom CA will be ignored.", s3.Name)
			}
		}
	}

	// No backends is an environment problem for the Backup Engine, not a
	// reason to refuse to start the other components.
	if !c.Storage.Local.Enabled && len(c.Storage.S3) == 0 {
		log.Printf("Warning: no storage backends configured; the backup engine will report itself non-operational")
	}

	if c.Storage.Archive.Backend != "" && c.Storage.Archive.Region == "" {
		return fmt.Errorf("archive tier region is required when an archive backend is configured")
	}

	if c.Backup.Encryption.Enabled {
		if c.Backup.Encryption.MasterKeyHex == "" {
			return fmt.Errorf("encryption master key is required when encryption is enabled")
		}
		key, err := hex.DecodeString(c.Backup.Encryption.MasterKeyHex)
		if err != nil {
			return fmt.Errorf("encryption master key must be hex encoded: %w", err)
		}
		if len(key) < 32 {
			return fmt.Errorf("encryption master key must be at least 32 bytes, got %d", len(key))
		}
	}

	for kind, spec := range c.Backup.Schedules {
		if !isBackupKind(kind) {
			return fmt.Errorf("unknown backup kind %q in schedules", kind)
		}
		if err := validateCron(spec); err != nil {
			return fmt.Errorf("invalid schedule for backup kind %s: %w", kind, err)
		}
	}

	for name, spec := range map[string]string{
		"retention cleanup": c.Retention.CleanupSchedule,
		"restore testing":   c.RestoreTesting.Schedule,
		"DR drill":          c.DR.DrillSchedule,
	} {
		if spec == "" {
			continue
		}
		if err := validateCron(spec); err != nil {
			return fmt.Errorf("invalid %s schedule: %w", name, err)
		}
	}

	if c.Replication.Enabled && c.Replication.SourceRegion == "" {
		return fmt.Errorf("replication source region is required when replication is enabled")
	}

	if c.RestoreTesting.Enabled {
		if len(c.RestoreTesting.Environments) == 0 {
			return fmt.Errorf("at least one restore test environment is required when restore testing is enabled")
		}
		if c.RestoreTesting.DefaultEnvironment != "" && c.RestoreTesting.Environment(c.RestoreTesting.DefaultEnvironment) == nil {
			return fmt.Errorf("default restore test environment %q is not defined", c.RestoreTesting.DefaultEnvironment)
		}
	}

	if c.DR.Enabled {
		primaries := 0
		ids := make(map[string]bool)
		for _, site := range c.DR.Sites {
			if ids[site.ID] {
				return fmt.Errorf("duplicate DR site id %q", site.ID)
			}
			ids[site.ID] = true
			if site.Primary {
				primaries++
			}
		}
		if primaries != 1 {
			return fmt.Errorf("exactly one DR site must be designated primary, found %d", primaries)
		}
		if c.DR.RPO <= 0 || c.DR.RTO <= 0 {
			return fmt.Errorf("DR RTO and RPO must be positive")
		}
	}

	if c.CatalogDB.Enabled {
		if c.CatalogDB.Host == "" {
			return fmt.Errorf("catalog database host is required when enabled")
		}
		if c.CatalogDB.Username == "" {
			return fmt.Errorf("catalog database username is required when enabled")
		}
		if c.CatalogDB.ConnMaxLifetime != "" {
			if _, err := time.ParseDuration(c.CatalogDB.ConnMaxLifetime); err != nil {
				return fmt.Errorf("invalid catalog database connection max lifetime: %v", err)
			}
		}
	}

	return nil
}

// Environment returns the named restore test environment or nil
func (r *RestoreTestingConfig) Environment(name string) *EnvironmentConfig {
	for i := range r.Environments {
		if r.Environments[i].Name == name {
			return &r.Environments[i]
		}
	}
	return nil
}

func isBackupKind(kind string) bool {
	switch kind {
	case "full", "incremental", "differential":
		return true
	}
	return false
}

func validateCron(spec string) error {
	_, err := cron.ParseStandard(spec)
	return err
}
