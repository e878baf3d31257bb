package config

import (
	"log"
	"sort"
)

// DisplayConfiguration outputs the current configuration in a readable format
// while masking sensitive information
func DisplayConfiguration() {
	CFG.Display()
}

// Display logs the configuration with secrets masked
func (c *AppConfig) Display() {
	log.Println("========== GoDRGuard Configuration ==========")

	log.Printf("Debug Mode: %t", c.Debug)
	log.Printf("Config File: %s", c.ConfigFile)
	log.Printf("Log Format: %s, Level: %s", c.Logging.Format, c.Logging.Level)
	log.Printf("State Directory: %s", c.State.Directory)

	log.Println("\n----- Source Database -----")
	log.Printf("Name: %s", c.Database.Name)
	log.Printf("Type: %s", c.Database.Type)
	log.Printf("Host: %s:%d", c.Database.Host, c.Database.Port)
	log.Printf("Username: %s", c.Database.Username)
	log.Printf("Password: %s", maskSensitiveInfo(c.Database.Password))
	log.Printf("Database: %s", c.Database.Database)
	log.Printf("Command Timeout: %s", c.Database.CommandTimeout)

	log.Println("\n----- Local Storage -----")
	log.Printf("Enabled: %t", c.Storage.Local.Enabled)
	if c.Storage.Local.Enabled {
		log.Printf("Directory: %s", c.Storage.Local.Directory)
		log.Printf("Region: %s", c.Storage.Local.Region)
	}

	log.Println("\n----- S3 Storage -----")
	if len(c.Storage.S3) == 0 {
		log.Println("No S3 backends configured.")
	}
	for _, s3 := range c.Storage.S3 {
		log.Printf("\nBackend: %s", s3.Name)
		log.Printf("Bucket: %s", s3.Bucket)
		log.Printf("Region: %s", s3.Region)
		log.Printf("Endpoint: %s", s3.Endpoint)
		log.Printf("Access Key: %s", maskSensitiveInfo(s3.AccessKey))
		log.Printf("Secret Key: %s", maskSensitiveInfo(s3.SecretKey))
		log.Printf("Prefix: %s", s3.Prefix)
		log.Printf("Use SSL: %t", s3.UseSSL)
		log.Printf("Custom CA Path: %s", s3.CustomCAPath)
		log.Printf("Skip Cert Validation: %t", s3.SkipCertValidation)
	}
	if c.Storage.Archive.Backend != "" {
		log.Printf("Archive Tier: %s/%s/%s (%s retrieval)", c.Storage.Archive.Backend, c.Storage.Archive.Region,
			c.Storage.Archive.Bucket, c.Storage.Archive.RetrievalClass)
	}

	log.Println("\n----- Backup Engine -----")
	log.Printf("Compression: %t (%s level %d)", c.Backup.Compression.Enabled, c.Backup.Compression.Algorithm, c.Backup.Compression.Level)
	log.Printf("Encryption: %t", c.Backup.Encryption.Enabled)
	if c.Backup.Encryption.Enabled {
		log.Printf("Master Key: %s", maskSensitiveInfo(c.Backup.Encryption.MasterKeyHex))
		log.Printf("Key Rotation Interval: %s", c.Backup.Encryption.RotationInterval)
		log.Printf("Key History: %d", c.Backup.Encryption.KeyHistory)
	}
	log.Printf("Expiry: full=%d months, incremental=%d days, differential=%d weeks",
		c.Backup.Expiry.FullMonths, c.Backup.Expiry.IncrementalDays, c.Backup.Expiry.DifferentialWeeks)
	kinds := make([]string, 0, len(c.Backup.Schedules))
	for kind := range c.Backup.Schedules {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		log.Printf("  Schedule %s: %s", kind, c.Backup.Schedules[kind])
	}

	log.Println("\n----- Replication -----")
	log.Printf("Enabled: %t", c.Replication.Enabled)
	if c.Replication.Enabled {
		log.Printf("Source Region: %s", c.Replication.SourceRegion)
		log.Printf("Parallel Transfers: %d", c.Replication.ParallelTransfers)
		log.Printf("Retry: %d attempts every %s", c.Replication.RetryAttempts, c.Replication.RetryDelay)
		log.Printf("Consistency Check: %t", c.Replication.ConsistencyCheck)
		log.Printf("Bandwidth Limit: %d B/s", c.Replication.BandwidthLimit)
	}

	log.Println("\n----- Retention -----")
	log.Printf("Enabled: %t", c.Retention.Enabled)
	if c.Retention.Enabled {
		log.Printf("Cleanup Schedule: %s", c.Retention.CleanupSchedule)
		log.Printf("Max Concurrent Executions: %d", c.Retention.MaxConcurrentExecutions)
		log.Printf("Policies File: %s", c.Retention.PoliciesFile)
	}

	log.Println("\n----- Restore Testing -----")
	log.Printf("Enabled: %t", c.RestoreTesting.Enabled)
	if c.RestoreTesting.Enabled {
		log.Printf("Max Concurrent Tests: %d", c.RestoreTesting.MaxConcurrentTests)
		for _, env := range c.RestoreTesting.Environments {
			log.Printf("  Environment %s: %s %s:%d (password %s)", env.Name, env.Type, env.Host, env.Port, maskSensitiveInfo(env.Password))
		}
	}

	log.Println("\n----- Disaster Recovery -----")
	log.Printf("Enabled: %t", c.DR.Enabled)
	if c.DR.Enabled {
		log.Printf("RTO: %s, RPO: %s", c.DR.RTO, c.DR.RPO)
		log.Printf("Require Approval: %t (timeout %s)", c.DR.RequireApproval, c.DR.ApprovalTimeout)
		log.Printf("Failure Criteria Threshold: %d of 3", c.DR.FailureCriteriaMin)
		for _, site := range c.DR.Sites {
			log.Printf("  Site %s (%s) primary=%t priority=%d autoFailover=%t", site.ID, site.Region, site.Primary, site.Priority, site.AutoFailover)
		}
	}

	log.Println("\n----- Alerting -----")
	log.Printf("Email: %t, Webhook: %t, Pager: %t", c.Alerting.Email.Enabled, c.Alerting.Webhook.Enabled, c.Alerting.Pager.Enabled)
	if c.Alerting.Email.Enabled {
		log.Printf("SMTP: %s:%d (password %s)", c.Alerting.Email.SMTPHost, c.Alerting.Email.SMTPPort, maskSensitiveInfo(c.Alerting.Email.Password))
	}

	log.Println("\n----- Metrics Configuration -----")
	log.Printf("Port: %s", c.Metrics.Port)

	if c.CatalogDB.Enabled {
		log.Println("\n----- Catalog Database Configuration -----")
		log.Printf("Host: %s", c.CatalogDB.Host)
		log.Printf("Port: %d", c.CatalogDB.Port)
		log.Printf("Username: %s", c.CatalogDB.Username)
		log.Printf("Password: %s", maskSensitiveInfo(c.CatalogDB.Password))
		log.Printf("Database: %s", c.CatalogDB.Database)
		log.Printf("Max Open Connections: %d", c.CatalogDB.MaxOpenConns)
		log.Printf("Max Idle Connections: %d", c.CatalogDB.MaxIdleConns)
		log.Printf("Connection Max Lifetime: %s", c.CatalogDB.ConnMaxLifetime)
		log.Printf("Auto Migrate: %t", c.CatalogDB.AutoMigrate)
	}

	log.Println("============================================")
}

// maskSensitiveInfo masks sensitive information for logging
func maskSensitiveInfo(info string) string {
	if info == "" {
		return "[not set]"
	}

	if len(info) <= 4 {
		return "****"
	}

	// Show first and last characters, mask the rest
	return info[:2] + "****" + info[len(info)-2:]
}
