// Package metrics provides Prometheus metrics for backup and disaster-recovery operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	// BackupCount tracks the total number of backups performed
	BackupCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "godrguard_backup_total",
		Help: "The total number of backups performed",
	}, []string{"kind", "status"})

	// BackupDuration measures time taken to create a backup artifact
	BackupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "godrguard_backup_duration_seconds",
		Help:    "Time taken to create a backup",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// BackupSize tracks size of the final backup artifact in bytes
	BackupSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "godrguard_backup_size_bytes",
		Help: "Size of the backup artifact in bytes",
	}, []string{"kind"})

	// LastBackupTimestamp records timestamp of the last successful backup
	LastBackupTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "godrguard_backup_last_timestamp",
		Help: "Timestamp of the last successful backup",
	}, []string{"kind"})

	// UploadCount tracks uploads to object-store backends
	UploadCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "godrguard_upload_total",
		Help: "The total number of artifact uploads performed",
	}, []string{"backend", "region", "status"})

	// UploadDuration measures time taken to upload an artifact
	UploadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "godrguard_upload_duration_seconds",
		Help:    "Time taken to upload an artifact",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "region"})

	// RestoreCount tracks restore operations
	RestoreCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "godrguard_restore_total",
		Help: "The total number of restores performed",
	}, []string{"status"})

	// KeyRotations counts encryption key rotations
	KeyRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "godrguard_key_rotations_total",
		Help: "The total number of encryption key rotations",
	})

	// VerificationCount tracks verification outcomes
	VerificationCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "godrguard_verification_total",
		Help: "The total number of backup verifications by overall status",
	}, []string{"status"})

	// ReplicationJobs tracks replication jobs reaching a terminal state
	ReplicationJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "godrguard_replication_jobs_total",
		Help: "Replication jobs by target region and final state",
	}, []string{"target_region", "state"})

	// ReplicationBytes counts bytes copied between regions
	ReplicationBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "godrguard_replication_bytes_total",
		Help: "Bytes copied to target regions",
	}, []string{"target_region"})

	// ReplicationLag records the most recent lag per region
	ReplicationLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "godrguard_replication_lag_seconds",
		Help: "Replication lag per target region",
	}, []string{"region"})

	// ReplicationQueueDepth is the number of queued replication jobs
	ReplicationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "godrguard_replication_queue_depth",
		Help: "Number of queued replication jobs",
	})

	// RetentionActions counts retention actions executed
	RetentionActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "godrguard_retention_actions_total",
		Help: "Retention actions by type and result",
	}, []string{"action", "result"})

	// RetentionExecutions counts retention policy executions
	RetentionExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "godrguard_retention_executions_total",
		Help: "Retention policy executions",
	}, []string{"policy", "dry_run"})

	// RestoreTests tracks restoration test outcomes
	RestoreTests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "godrguard_restore_tests_total",
		Help: "Restoration tests by type and status",
	}, []string{"type", "status"})

	// RestoreTestDuration measures restoration test run time
	RestoreTestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "godrguard_restore_test_duration_seconds",
		Help:    "Time taken to run a restoration test",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"type"})

	// Failovers counts failover events by trigger and final status
	Failovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "godrguard_failovers_total",
		Help: "Failover events by trigger and final status",
	}, []string{"trigger", "status"})

	// FailoverRTO records the measured recovery time of the last failover
	FailoverRTO = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "godrguard_failover_rto_seconds",
		Help: "Measured recovery time of the last successful failover",
	})

	// SiteHealth reports 1 for the site's current status label
	SiteHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "godrguard_site_health",
		Help: "Site health status (1 for the current status)",
	}, []string{"site", "status"})

	// SiteResponseTime records the last probe latency per site
	SiteResponseTime = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "godrguard_site_response_seconds",
		Help: "Last health probe latency per site",
	}, []string{"site"})

	// AlertsSent counts alert deliveries per channel
	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "godrguard_alerts_total",
		Help: "Alert deliveries per channel and result",
	}, []string{"channel", "result"})
)

var siteStatuses = []string{"healthy", "degraded", "failed", "maintenance"}

// SetSiteStatus flips the site health gauge to the given status
func SetSiteStatus(site, status string) {
	for _, s := range siteStatuses {
		value := 0.0
		if s == status {
			value = 1
		}
		SiteHealth.WithLabelValues(site, s).Set(value)
	}
}
