// Package types defines the backup catalog records and the store interface
package types

import (
	"time"

	"github.com/supporttools/GoDRGuard/pkg/storage"
)

// Kind is the backup kind
type Kind string

const (
	KindFull         Kind = "full"
	KindIncremental  Kind = "incremental"
	KindDifferential Kind = "differential"
)

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	switch k {
	case KindFull, KindIncremental, KindDifferential:
		return true
	}
	return false
}

// Status represents the current status of a backup
type Status string

const (
	// StatusPending indicates a backup is in progress
	StatusPending Status = "pending"
	// StatusSuccess indicates every configured upload succeeded
	StatusSuccess Status = "success"
	// StatusFailed indicates the backup failed before it was usable
	StatusFailed Status = "failed"
	// StatusPartial indicates at least one, but not every, upload succeeded
	StatusPartial Status = "partial"
)

// VerificationState is the outcome of the last verification run
type VerificationState string

const (
	VerificationNone    VerificationState = ""
	VerificationPassed  VerificationState = "passed"
	VerificationWarning VerificationState = "warning"
	VerificationFailed  VerificationState = "failed"
)

// Checksum is a digest over the final artifact bytes
type Checksum struct {
	Algorithm string `json:"algorithm"`
	Digest    string `json:"digest"`
}

// StorageLocation is one stored copy of an artifact
type StorageLocation struct {
	storage.Location
	AddedAt time.Time `json:"addedAt"`
}

// BackupRecord represents the catalog entry for one backup artifact
type BackupRecord struct {
	ID             string            `json:"id"`
	CreatedAt      time.Time         `json:"createdAt"`
	CompletedAt    time.Time         `json:"completedAt,omitempty"`
	Kind           Kind              `json:"kind"`
	Server         string            `json:"server"`
	DatabaseType   string            `json:"databaseType"`
	Database       string            `json:"database"`
	Size           int64             `json:"size"`                     // raw dump size
	CompressedSize *int64            `json:"compressedSize,omitempty"` // nil when compression is off
	ArtifactSize   int64             `json:"artifactSize"`             // final bytes stored
	Compression    string            `json:"compression,omitempty"`
	Checksum       Checksum          `json:"checksum"`
	Encrypted      bool              `json:"encrypted"`
	KeyID          string            `json:"keyId,omitempty"`
	Locations      []StorageLocation `json:"locations"`
	Duration       time.Duration     `json:"duration"`
	Status         Status            `json:"status"`
	Stage          string            `json:"stage,omitempty"`
	FailedStage    string            `json:"failedStage,omitempty"`
	Error          string            `json:"error,omitempty"`
	ExpiresAt      time.Time         `json:"expiresAt"`
	SchemaVersion  string            `json:"schemaVersion"`
	Tags           map[string]string `json:"tags,omitempty"`
	LegalHold      bool              `json:"legalHold"`
	Verification   VerificationState `json:"verification,omitempty"`
	VerifiedAt     time.Time         `json:"verifiedAt,omitempty"`
}

// Clone returns a deep copy
func (r BackupRecord) Clone() BackupRecord {
	out := r
	if r.CompressedSize != nil {
		v := *r.CompressedSize
		out.CompressedSize = &v
	}
	out.Locations = append([]StorageLocation(nil), r.Locations...)
	if r.Tags != nil {
		out.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			out.Tags[k] = v
		}
	}
	return out
}

// Completed reports whether the artifact is stored somewhere usable
func (r BackupRecord) Completed() bool {
	return (r.Status == StatusSuccess || r.Status == StatusPartial) && len(r.Locations) > 0
}

// ValidSource reports whether the record may be replicated or used for
// recovery. A failed verification disqualifies it.
func (r BackupRecord) ValidSource() bool {
	return r.Completed() && r.Verification != VerificationFailed
}

// LocationIn returns the first copy stored in region
func (r BackupRecord) LocationIn(region string) (StorageLocation, bool) {
	for _, l := range r.Locations {
		if l.Region == region {
			return l, true
		}
	}
	return StorageLocation{}, false
}

// HasLocation reports whether a copy exists at the given backend
func (r BackupRecord) HasLocation(backend string) bool {
	for _, l := range r.Locations {
		if l.Backend == backend {
			return true
		}
	}
	return false
}

// Age returns how long ago the backup was created
func (r BackupRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// RetrievalClass is the latency class of an archive tier
type RetrievalClass string

const (
	RetrievalExpedited RetrievalClass = "expedited"
	RetrievalStandard  RetrievalClass = "standard"
	RetrievalBulk      RetrievalClass = "bulk"
)

// Latency returns the nominal retrieval latency of a class
func (c RetrievalClass) Latency() time.Duration {
	switch c {
	case RetrievalExpedited:
		return 5 * time.Minute
	case RetrievalBulk:
		return 12 * time.Hour
	default:
		return 5 * time.Hour
	}
}

// RetrievalState tracks archive retrieval
type RetrievalState string

const (
	RetrievalArchived   RetrievalState = "archived"
	RetrievalRetrieving RetrievalState = "retrieving"
	RetrievalRetrieved  RetrievalState = "retrieved"
)

// ArchiveRecord is created when a retention action moves an artifact to the
// archive tier. Only the retrieval fields change after creation.
type ArchiveRecord struct {
	ID             string          `json:"id"`
	OriginalID     string          `json:"originalId"`
	Location       StorageLocation `json:"location"`
	SizeBefore     int64           `json:"sizeBefore"`
	SizeAfter      int64           `json:"sizeAfter"`
	RetrievalClass RetrievalClass  `json:"retrievalClass"`
	CostEstimate   float64         `json:"costEstimate"` // per month
	ArchivedAt     time.Time       `json:"archivedAt"`
	PolicyID       string          `json:"policyId,omitempty"`
	Original       BackupRecord    `json:"original"`

	RetrievalState       RetrievalState `json:"retrievalState"`
	RetrievalRequestedAt time.Time      `json:"retrievalRequestedAt,omitempty"`
	RetrievalReadyAt     time.Time      `json:"retrievalReadyAt,omitempty"`
	RetrievedAt          time.Time      `json:"retrievedAt,omitempty"`
}

// Clone returns a deep copy
func (a ArchiveRecord) Clone() ArchiveRecord {
	out := a
	out.Original = a.Original.Clone()
	return out
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Kind     Kind
	Status   Status
	Database string
	Region   string
	Tags     map[string]string
	Since    time.Time
	Limit    int
}

// Match reports whether r passes the filter
func (f Filter) Match(r BackupRecord) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Database != "" && r.Database != f.Database {
		return false
	}
	if f.Region != "" {
		if _, ok := r.LocationIn(f.Region); !ok {
			return false
		}
	}
	for k, v := range f.Tags {
		if r.Tags[k] != v {
			return false
		}
	}
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// Store defines the catalog operations shared by the file and database stores.
// Update is the only way to mutate an existing record; it runs fn while the
// store holds that record exclusively.
type Store interface {
	Put(rec BackupRecord) error
	Get(id string) (BackupRecord, error)
	Update(id string, fn func(rec *BackupRecord) error) error
	Delete(id string) error
	// List returns matching records newest first
	List(f Filter) ([]BackupRecord, error)

	PutArchive(a ArchiveRecord) error
	GetArchive(id string) (ArchiveRecord, error)
	UpdateArchive(id string, fn func(a *ArchiveRecord) error) error
	ListArchives() ([]ArchiveRecord, error)
}
