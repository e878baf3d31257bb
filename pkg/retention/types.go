// Package retention evaluates retention policies against the backup catalog
// and executes their lifecycle actions.
package retention

import (
	"time"

	"github.com/supporttools/GoDRGuard/pkg/catalog"
)

// ConditionType selects what a condition measures
type ConditionType string

const (
	ConditionAge   ConditionType = "age"
	ConditionSize  ConditionType = "size"
	ConditionCount ConditionType = "count"
	ConditionTag   ConditionType = "tag"
)

// Operator compares a measured value with a threshold
type Operator string

const (
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
	OpNE  Operator = "ne"
)

// Condition is one predicate of a policy. All conditions of a policy must
// hold for a record to be selected.
type Condition struct {
	Type     ConditionType `json:"type" yaml:"type" validate:"required,oneof=age size count tag"`
	Operator Operator      `json:"operator" yaml:"operator" validate:"omitempty,oneof=gt gte lt lte eq ne"`
	Value    float64       `json:"value,omitempty" yaml:"value" validate:"gte=0"`
	// Unit is hours/days/weeks/months/years for age and bytes/KB/MB/GB/TB for size
	Unit string `json:"unit,omitempty" yaml:"unit"`
	// Key and TagValue apply to tag conditions
	Key      string `json:"key,omitempty" yaml:"key"`
	TagValue string `json:"tagValue,omitempty" yaml:"tagValue"`
}

// ActionType names a lifecycle action
type ActionType string

const (
	ActionDelete    ActionType = "delete"
	ActionArchive   ActionType = "archive"
	ActionMove      ActionType = "move"
	ActionTag       ActionType = "tag"
	ActionNotify    ActionType = "notify"
	ActionLegalHold ActionType = "legal_hold"
)

// Destructive reports whether the action removes a live copy
func (a ActionType) Destructive() bool {
	return a == ActionDelete || a == ActionArchive || a == ActionMove
}

// ArchiveParams configure the archive action
type ArchiveParams struct {
	RetrievalClass catalog.RetrievalClass `json:"retrievalClass,omitempty" yaml:"retrievalClass" validate:"omitempty,oneof=expedited standard bulk"`
}

// MoveParams configure the move action
type MoveParams struct {
	// From is the backend whose copy is relocated; empty means the first copy
	From string `json:"from,omitempty" yaml:"from"`
	To   string `json:"to" yaml:"to" validate:"required"`
}

// TagParams configure the tag action
type TagParams struct {
	Tags map[string]string `json:"tags" yaml:"tags" validate:"required,min=1"`
}

// NotifyParams configure the notify action
type NotifyParams struct {
	Severity string `json:"severity,omitempty" yaml:"severity" validate:"omitempty,oneof=info warning critical"`
	Message  string `json:"message,omitempty" yaml:"message"`
}

// HoldParams configure the legal_hold action
type HoldParams struct {
	Reason string `json:"reason" yaml:"reason" validate:"required"`
}

// Action is one lifecycle step. Exactly the parameter block matching Type
// may be set.
type Action struct {
	Type             ActionType     `json:"type" yaml:"type" validate:"required,oneof=delete archive move tag notify legal_hold"`
	Delay            time.Duration  `json:"delay,omitempty" yaml:"delay" validate:"gte=0"`
	RequiresApproval bool           `json:"requiresApproval,omitempty" yaml:"requiresApproval"`
	Archive          *ArchiveParams `json:"archive,omitempty" yaml:"archive"`
	Move             *MoveParams    `json:"move,omitempty" yaml:"move"`
	Tag              *TagParams     `json:"tag,omitempty" yaml:"tag"`
	Notify           *NotifyParams  `json:"notify,omitempty" yaml:"notify"`
	Hold             *HoldParams    `json:"hold,omitempty" yaml:"hold"`
}

// Scope limits the records a policy applies to. Zero fields match everything.
type Scope struct {
	Kinds     []catalog.Kind    `json:"kinds,omitempty" yaml:"kinds"`
	Tags      map[string]string `json:"tags,omitempty" yaml:"tags"`
	Databases []string          `json:"databases,omitempty" yaml:"databases"`
}

// Matches reports whether rec is in scope
func (s Scope) Matches(rec catalog.BackupRecord) bool {
	if len(s.Kinds) > 0 && !containsKind(s.Kinds, rec.Kind) {
		return false
	}
	if len(s.Databases) > 0 && !containsString(s.Databases, rec.Database) {
		return false
	}
	for k, v := range s.Tags {
		if rec.Tags[k] != v {
			return false
		}
	}
	return true
}

// Policy is a declarative retention rule
type Policy struct {
	ID                   string        `json:"id" yaml:"id" validate:"required"`
	Name                 string        `json:"name" yaml:"name"`
	Description          string        `json:"description,omitempty" yaml:"description"`
	Enabled              bool          `json:"enabled" yaml:"enabled"`
	Scope                Scope         `json:"scope" yaml:"scope"`
	Conditions           []Condition   `json:"conditions" yaml:"conditions" validate:"required,min=1,dive"`
	Actions              []Action      `json:"actions" yaml:"actions" validate:"required,min=1,dive"`
	Schedule             string        `json:"schedule,omitempty" yaml:"schedule"`
	ApprovalTimeout      time.Duration `json:"approvalTimeout,omitempty" yaml:"approvalTimeout" validate:"gte=0"`
	AutoApproveOnTimeout bool          `json:"autoApproveOnTimeout,omitempty" yaml:"autoApproveOnTimeout"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
}

// Clone implements state.Cloner
func (p Policy) Clone() Policy {
	out := p
	out.Conditions = append([]Condition(nil), p.Conditions...)
	out.Actions = make([]Action, len(p.Actions))
	for i, a := range p.Actions {
		out.Actions[i] = a.clone()
	}
	out.Scope.Kinds = append([]catalog.Kind(nil), p.Scope.Kinds...)
	out.Scope.Databases = append([]string(nil), p.Scope.Databases...)
	out.Scope.Tags = cloneTags(p.Scope.Tags)
	return out
}

func (a Action) clone() Action {
	out := a
	if a.Archive != nil {
		v := *a.Archive
		out.Archive = &v
	}
	if a.Move != nil {
		v := *a.Move
		out.Move = &v
	}
	if a.Tag != nil {
		out.Tag = &TagParams{Tags: cloneTags(a.Tag.Tags)}
	}
	if a.Notify != nil {
		v := *a.Notify
		out.Notify = &v
	}
	if a.Hold != nil {
		v := *a.Hold
		out.Hold = &v
	}
	return out
}

// Outcome of one action against one record
type Outcome string

const (
	OutcomePlanned  Outcome = "planned"
	OutcomeExecuted Outcome = "executed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeDenied   Outcome = "denied"
	OutcomeFailed   Outcome = "failed"
)

// ActionResult records what happened to one record for one action
type ActionResult struct {
	BackupID string     `json:"backupId"`
	Action   ActionType `json:"action"`
	Outcome  Outcome    `json:"outcome"`
	Message  string     `json:"message,omitempty"`
	Approval string     `json:"approval,omitempty"`
	Bytes    int64      `json:"bytes,omitempty"`
}

// ExecutionState is the lifecycle of a policy execution
type ExecutionState string

const (
	ExecutionRunning   ExecutionState = "running"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionFailed    ExecutionState = "failed"
)

// Execution stages
const (
	StageEvaluating = "evaluating"
	StageActing     = "acting"
	StageCompleted  = "completed"
)

// Execution summarises one run of a policy
type Execution struct {
	ID            string         `json:"id"`
	PolicyID      string         `json:"policyId"`
	DryRun        bool           `json:"dryRun"`
	State         ExecutionState `json:"state"`
	Stage         string         `json:"stage"`
	FailedStage   string         `json:"failedStage,omitempty"`
	Error         string         `json:"error,omitempty"`
	Evaluated     int            `json:"evaluated"`
	Matched       int            `json:"matched"`
	Held          int            `json:"held"` // excluded by legal hold
	Actions       []ActionResult `json:"actions"`
	BytesFreed    int64          `json:"bytesFreed"`
	BytesArchived int64          `json:"bytesArchived"`
	Summary       string         `json:"summary"`
	StartedAt     time.Time      `json:"startedAt"`
	CompletedAt   time.Time      `json:"completedAt,omitempty"`
}

// Clone implements state.Cloner
func (e Execution) Clone() Execution {
	out := e
	out.Actions = append([]ActionResult(nil), e.Actions...)
	return out
}

// Count returns how many results have the given action and outcome
func (e Execution) Count(action ActionType, outcome Outcome) int {
	n := 0
	for _, r := range e.Actions {
		if r.Action == action && r.Outcome == outcome {
			n++
		}
	}
	return n
}

// ApprovalState is the lifecycle of an approval request
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalDenied   ApprovalState = "denied"
	ApprovalExpired  ApprovalState = "expired"
)

// Approval gates one action on one record
type Approval struct {
	ID          string        `json:"id"`
	ExecutionID string        `json:"executionId"`
	PolicyID    string        `json:"policyId"`
	BackupID    string        `json:"backupId"`
	Action      ActionType    `json:"action"`
	State       ApprovalState `json:"state"`
	Approver    string        `json:"approver,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	RequestedAt time.Time     `json:"requestedAt"`
	ExpiresAt   time.Time     `json:"expiresAt"`
	DecidedAt   time.Time     `json:"decidedAt,omitempty"`
}

// Hold records who placed a legal hold and why
type Hold struct {
	BackupID string    `json:"backupId"`
	Reason   string    `json:"reason"`
	SetBy    string    `json:"setBy"`
	SetAt    time.Time `json:"setAt"`
}

// AuditEntry is one link of the compliance log. Digest covers the entry's
// fields and the previous digest.
type AuditEntry struct {
	Seq         int64     `json:"seq"`
	Time        time.Time `json:"time"`
	Operation   string    `json:"operation"`
	BackupID    string    `json:"backupId"`
	Actor       string    `json:"actor"`
	Reason      string    `json:"reason"`
	PolicyID    string    `json:"policyId,omitempty"`
	ExecutionID string    `json:"executionId,omitempty"`
	PrevDigest  string    `json:"prevDigest"`
	Digest      string    `json:"digest"`
}

func containsKind(list []catalog.Kind, k catalog.Kind) bool {
	for _, v := range list {
		if v == k {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func cloneTags(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
