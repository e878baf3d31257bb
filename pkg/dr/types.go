// Package dr monitors site health and orchestrates failovers by executing
// recovery plans against a selected secondary site.
package dr

import (
	"time"
)

// SiteStatus is the health of a site as seen by the last probe
type SiteStatus string

const (
	SiteHealthy     SiteStatus = "healthy"
	SiteDegraded    SiteStatus = "degraded"
	SiteFailed      SiteStatus = "failed"
	SiteMaintenance SiteStatus = "maintenance"
)

// Role of a site. Exactly one site is primary.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleSecondary Role = "secondary"
)

// uptimeWindow is the number of recent probes the uptime score covers
const uptimeWindow = 20

// Site is one location that can serve as primary
type Site struct {
	ID                  string        `json:"id"`
	Region              string        `json:"region"`
	Role                Role          `json:"role"`
	Status              SiteStatus    `json:"status"`
	LastHealthCheck     time.Time     `json:"lastHealthCheck,omitempty"`
	ResponseTime        time.Duration `json:"responseTime"`
	Uptime              float64       `json:"uptime"` // fraction of recent probes that succeeded
	ReplicationLag      time.Duration `json:"replicationLag"`
	LagKnown            bool          `json:"lagKnown"`
	Priority            int           `json:"priority"`
	AutoFailover        bool          `json:"autoFailover"`
	HealthURL           string        `json:"healthURL,omitempty"`
	Backend             string        `json:"backend,omitempty"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	LastError           string        `json:"lastError,omitempty"`
	Recent              []bool        `json:"recent,omitempty"`
}

// Clone implements state.Cloner
func (s Site) Clone() Site {
	out := s
	out.Recent = append([]bool(nil), s.Recent...)
	return out
}

// Trigger is what started a failover
type Trigger string

const (
	TriggerAutomatic Trigger = "automatic"
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// EventState is the lifecycle of a failover
type EventState string

const (
	EventInitiated        EventState = "initiated"
	EventAwaitingApproval EventState = "awaiting_approval"
	EventInProgress       EventState = "in_progress"
	EventCompleted        EventState = "completed"
	EventFailed           EventState = "failed"
	EventRolledBack       EventState = "rolled_back"
)

// Terminal reports whether the event can no longer change state on its own
func (s EventState) Terminal() bool {
	return s == EventCompleted || s == EventFailed || s == EventRolledBack
}

// StepState is the outcome of one executed recovery step
type StepState string

const (
	StepPending    StepState = "pending"
	StepRunning    StepState = "running"
	StepCompleted  StepState = "completed"
	StepSkipped    StepState = "skipped"
	StepFailed     StepState = "failed"
	StepRolledBack StepState = "rolled_back"
)

// FailoverStep records the execution of one plan step
type FailoverStep struct {
	StepID        string    `json:"stepId"`
	Name          string    `json:"name"`
	Type          StepType  `json:"type"`
	State         StepState `json:"state"`
	Attempts      int       `json:"attempts"`
	Message       string    `json:"message,omitempty"`
	Error         string    `json:"error,omitempty"`
	RollbackError string    `json:"rollbackError,omitempty"`
	StartedAt     time.Time `json:"startedAt,omitempty"`
	CompletedAt   time.Time `json:"completedAt,omitempty"`
}

// FailoverEvent records one failover attempt. Steps are appended as they run.
type FailoverEvent struct {
	ID                string         `json:"id"`
	Trigger           Trigger        `json:"trigger"`
	Reason            string         `json:"reason"`
	Criteria          []string       `json:"criteria,omitempty"`
	Drill             bool           `json:"drill"`
	FromSite          string         `json:"fromSite"`
	ToSite            string         `json:"toSite"`
	PlanID            string         `json:"planId"`
	State             EventState     `json:"state"`
	Stage             string         `json:"stage"`
	FailedStage       string         `json:"failedStage,omitempty"`
	Error             string         `json:"error,omitempty"`
	Actor             string         `json:"actor,omitempty"`
	ApprovalRequired  bool           `json:"approvalRequired"`
	ApprovalExpiresAt time.Time      `json:"approvalExpiresAt,omitempty"`
	Approver          string         `json:"approver,omitempty"`
	ApprovalReason    string         `json:"approvalReason,omitempty"`
	BackupID          string         `json:"backupId,omitempty"`
	Steps             []FailoverStep `json:"steps"`
	RPO               time.Duration  `json:"rpo"` // target lag when selected
	RTO               time.Duration  `json:"rto"`
	InitiatedAt       time.Time      `json:"initiatedAt"`
	StartedAt         time.Time      `json:"startedAt,omitempty"`
	CompletedAt       time.Time      `json:"completedAt,omitempty"`
}

// Clone implements state.Cloner
func (e FailoverEvent) Clone() FailoverEvent {
	out := e
	out.Criteria = append([]string(nil), e.Criteria...)
	out.Steps = append([]FailoverStep(nil), e.Steps...)
	return out
}

// Request asks for a failover. Target and Plan are optional.
type Request struct {
	Trigger Trigger `json:"trigger"`
	Reason  string  `json:"reason"`
	Target  string  `json:"target,omitempty"`
	PlanID  string  `json:"planId,omitempty"`
	Drill   bool    `json:"drill,omitempty"`
	// Force accepts an explicitly named target whose lag exceeds the RPO
	Force bool   `json:"force,omitempty"`
	Actor string `json:"actor,omitempty"`
}
