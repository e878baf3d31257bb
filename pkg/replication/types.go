// Package replication copies backup artifacts from the source region to
// other regions according to replication rules.
package replication

import (
	"time"

	"github.com/supporttools/GoDRGuard/pkg/catalog"
)

// SyncMode controls when a rule produces jobs
type SyncMode string

const (
	// SyncImmediate replicates as soon as a backup completes
	SyncImmediate SyncMode = "immediate"
	// SyncScheduled replicates when the rule's schedule fires
	SyncScheduled SyncMode = "scheduled"
	// SyncOnDemand replicates only when triggered through the API
	SyncOnDemand SyncMode = "on_demand"
)

// Rule selects backups for replication to a set of regions
type Rule struct {
	ID            string            `json:"id" yaml:"id" validate:"required"`
	Name          string            `json:"name" yaml:"name"`
	Enabled       bool              `json:"enabled" yaml:"enabled"`
	Priority      int               `json:"priority" yaml:"priority" validate:"gte=0"`
	Kinds         []catalog.Kind    `json:"kinds,omitempty" yaml:"kinds"`
	MinSize       int64             `json:"minSize,omitempty" yaml:"minSize" validate:"gte=0"`
	MaxSize       int64             `json:"maxSize,omitempty" yaml:"maxSize" validate:"gte=0"`
	MinAge        time.Duration     `json:"minAge,omitempty" yaml:"minAge" validate:"gte=0"`
	Tags          map[string]string `json:"tags,omitempty" yaml:"tags"`
	TargetRegions []string          `json:"targetRegions" yaml:"targetRegions" validate:"required,min=1,dive,required"`
	SyncMode      SyncMode          `json:"syncMode" yaml:"syncMode" validate:"omitempty,oneof=immediate scheduled on_demand"`
	Schedule      string            `json:"schedule,omitempty" yaml:"schedule"`
}

// Clone implements state.Cloner
func (r Rule) Clone() Rule {
	out := r
	out.Kinds = append([]catalog.Kind(nil), r.Kinds...)
	out.TargetRegions = append([]string(nil), r.TargetRegions...)
	if r.Tags != nil {
		out.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			out.Tags[k] = v
		}
	}
	return out
}

// Matches reports whether rec is selected by the rule's matcher. Enabled and
// SyncMode are not considered.
func (r Rule) Matches(rec catalog.BackupRecord, now time.Time) bool {
	if len(r.Kinds) > 0 {
		found := false
		for _, k := range r.Kinds {
			if k == rec.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.MinSize > 0 && rec.ArtifactSize < r.MinSize {
		return false
	}
	if r.MaxSize > 0 && rec.ArtifactSize > r.MaxSize {
		return false
	}
	if r.MinAge > 0 && now.Sub(rec.CreatedAt) < r.MinAge {
		return false
	}
	for k, v := range r.Tags {
		if rec.Tags[k] != v {
			return false
		}
	}
	return true
}

// JobState is the lifecycle state of a replication job
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
	StatePaused    JobState = "paused"
)

// Terminal reports whether no further transitions happen without an operator
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Job stages
const (
	StageQueued       = "queued"
	StageLocating     = "locating"
	StageTransferring = "transferring"
	StageVerifying    = "verifying"
	StageRecording    = "recording"
	StageCompleted    = "completed"
)

// Progress of a running transfer
type Progress struct {
	BytesTransferred int64         `json:"bytesTransferred"`
	BytesTotal       int64         `json:"bytesTotal"`
	Throughput       float64       `json:"throughput"` // bytes per second
	ETA              time.Duration `json:"eta"`
}

// Percent returns the transferred share in 0..100
func (p Progress) Percent() float64 {
	if p.BytesTotal <= 0 {
		return 0
	}
	return float64(p.BytesTransferred) * 100 / float64(p.BytesTotal)
}

// Job copies one backup to one target region
type Job struct {
	ID             string    `json:"id"`
	BackupID       string    `json:"backupId"`
	RuleID         string    `json:"ruleId,omitempty"`
	Priority       int       `json:"priority"`
	SourceRegion   string    `json:"sourceRegion"`
	TargetRegion   string    `json:"targetRegion"`
	TargetBackend  string    `json:"targetBackend,omitempty"`
	State          JobState  `json:"state"`
	Stage          string    `json:"stage"`
	FailedStage    string    `json:"failedStage,omitempty"`
	Error          string    `json:"error,omitempty"`
	Progress       Progress  `json:"progress"`
	ChecksumMatch  *bool     `json:"checksumMatch,omitempty"`
	TargetChecksum string    `json:"targetChecksum,omitempty"`
	RetryCount     int       `json:"retryCount"`
	CreatedAt      time.Time `json:"createdAt"`
	StartedAt      time.Time `json:"startedAt,omitempty"`
	CompletedAt    time.Time `json:"completedAt,omitempty"`
}

// Clone implements state.Cloner
func (j Job) Clone() Job {
	out := j
	if j.ChecksumMatch != nil {
		v := *j.ChecksumMatch
		out.ChecksumMatch = &v
	}
	return out
}

// SyncState is the replication status of a backup in one region
type SyncState string

const (
	SyncSynced SyncState = "synced"
	SyncFailed SyncState = "failed"
)

// Status is the replication status of one (region, backup) pair
type Status struct {
	BackupID string        `json:"backupId"`
	Region   string        `json:"region"`
	Status   SyncState     `json:"status"`
	LastSync time.Time     `json:"lastSync,omitempty"`
	Lag      time.Duration `json:"lag"`
	Checksum string        `json:"checksum,omitempty"`
	Error    string        `json:"error,omitempty"`
}

func statusKey(region, backupID string) string {
	return region + "/" + backupID
}

// Tier summarises site health across the replication targets
type Tier string

const (
	TierHealthy  Tier = "healthy"
	TierDegraded Tier = "degraded"
	TierCritical Tier = "critical"
)

func (t Tier) rank() int {
	switch t {
	case TierDegraded:
		return 1
	case TierCritical:
		return 2
	}
	return 0
}

// SiteHealth is the last probe result for one storage target
type SiteHealth struct {
	Backend      string        `json:"backend"`
	Region       string        `json:"region"`
	Available    bool          `json:"available"`
	Latency      time.Duration `json:"latency"`
	Throughput   float64       `json:"throughput"` // bytes per second over recent jobs
	StorageUsed  int64         `json:"storageUsed"`
	ObjectCount  int           `json:"objectCount"`
	Error        string        `json:"error,omitempty"`
	LastChecked  time.Time     `json:"lastChecked"`
	Lag          time.Duration `json:"lag"`
	PendingJobs  int           `json:"pendingJobs"`
	LastSyncedAt time.Time     `json:"lastSyncedAt,omitempty"`
}

// HealthReport is the result of one health loop iteration
type HealthReport struct {
	Tier         Tier         `json:"tier"`
	HealthyRatio float64      `json:"healthyRatio"`
	Sites        []SiteHealth `json:"sites"`
	CheckedAt    time.Time    `json:"checkedAt"`
}

// TierFor derives the tier from the share of available sites
func TierFor(ratio float64) Tier {
	switch {
	case ratio >= 1:
		return TierHealthy
	case ratio >= 0.5:
		return TierDegraded
	default:
		return TierCritical
	}
}
