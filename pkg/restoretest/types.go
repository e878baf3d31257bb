package restoretest

import (
	"time"

	"github.com/supporttools/GoDRGuard/pkg/database/common"
)

// TestType selects the suite of checks a run performs
type TestType string

const (
	TypeBasic         TestType = "basic"
	TypeComprehensive TestType = "comprehensive"
	TypePerformance   TestType = "performance"
	TypeDisaster      TestType = "disaster"
)

// Valid reports whether t is a known test type
func (t TestType) Valid() bool {
	switch t {
	case TypeBasic, TypeComprehensive, TypePerformance, TypeDisaster:
		return true
	}
	return false
}

// Scenario is a simulated disaster exercised by disaster tests
type Scenario string

const (
	// ScenarioPointInTime restores the backup a second time and expects the
	// exact same database state
	ScenarioPointInTime Scenario = "point_in_time"
	// ScenarioPartialLoss drops the restored database and recovers it from
	// the backup
	ScenarioPartialLoss Scenario = "partial_loss"
)

// State is the lifecycle state of a run
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s is final
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Stages of a run
const (
	StageQueued       = "queued"
	StageProvisioning = "provisioning"
	StageRestoring    = "restoring"
	StageValidating   = "validating"
	StageBenchmarking = "benchmarking"
	StageScenarios    = "scenarios"
	StageTeardown     = "teardown"
	StageCompleted    = "completed"
)

// Outcome is the verdict of a completed run
type Outcome string

const (
	OutcomePassed  Outcome = "passed"
	OutcomeWarning Outcome = "warning"
	OutcomeFailed  Outcome = "failed"
)

// CheckStatus is the outcome of one check
type CheckStatus string

const (
	CheckPassed  CheckStatus = "passed"
	CheckWarning CheckStatus = "warning"
	CheckFailed  CheckStatus = "failed"
)

// CheckResult is one check within a run
type CheckResult struct {
	Name     string        `json:"name"`
	Category string        `json:"category"`
	Status   CheckStatus   `json:"status"`
	Critical bool          `json:"critical"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
}

// Summary aggregates check outcomes
type Summary struct {
	Total            int      `json:"total"`
	Passed           int      `json:"passed"`
	Failed           int      `json:"failed"`
	Warnings         int      `json:"warnings"`
	SuccessRate      float64  `json:"successRate"` // percent
	CriticalFailures []string `json:"criticalFailures,omitempty"`
}

// Summarize counts check outcomes
func Summarize(checks []CheckResult) Summary {
	var s Summary
	for _, c := range checks {
		s.Total++
		switch c.Status {
		case CheckPassed:
			s.Passed++
		case CheckWarning:
			s.Warnings++
		case CheckFailed:
			s.Failed++
			if c.Critical {
				s.CriticalFailures = append(s.CriticalFailures, c.Name)
			}
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Passed) / float64(s.Total) * 100
	}
	return s
}

// Outcome derives the verdict: any failed check fails the run, any warning
// makes it a warning
func (s Summary) Outcome() Outcome {
	switch {
	case s.Failed > 0:
		return OutcomeFailed
	case s.Warnings > 0:
		return OutcomeWarning
	}
	return OutcomePassed
}

// Request asks for a restoration test
type Request struct {
	BackupID    string     `json:"backupId" validate:"required"`
	Type        TestType   `json:"type"`
	Environment string     `json:"environment"`
	Scenarios   []Scenario `json:"scenarios,omitempty"`
	// Teardown overrides the configured teardown behaviour
	Teardown *bool `json:"teardown,omitempty"`
}

// Run is the pollable status of one restoration test
type Run struct {
	ID              string             `json:"id"`
	BackupID        string             `json:"backupId"`
	Type            TestType           `json:"type"`
	Environment     string             `json:"environment"`
	Database        string             `json:"database"`
	Scenarios       []Scenario         `json:"scenarios,omitempty"`
	Teardown        bool               `json:"teardown"`
	State           State              `json:"state"`
	Stage           string             `json:"stage"`
	FailedStage     string             `json:"failedStage,omitempty"`
	Error           string             `json:"error,omitempty"`
	Checks          []CheckResult      `json:"checks,omitempty"`
	Summary         Summary            `json:"summary"`
	Outcome         Outcome            `json:"outcome,omitempty"`
	Inspection      *common.Inspection `json:"inspection,omitempty"`
	RestoreDuration time.Duration      `json:"restoreDuration"`
	TornDown        bool               `json:"tornDown"`
	QueuedAt        time.Time          `json:"queuedAt"`
	StartedAt       time.Time          `json:"startedAt,omitempty"`
	CompletedAt     time.Time          `json:"completedAt,omitempty"`
}

// Clone returns a deep copy
func (r Run) Clone() Run {
	out := r
	out.Scenarios = append([]Scenario(nil), r.Scenarios...)
	out.Checks = append([]CheckResult(nil), r.Checks...)
	out.Summary.CriticalFailures = append([]string(nil), r.Summary.CriticalFailures...)
	if r.Inspection != nil {
		insp := *r.Inspection
		insp.Tables = append([]common.TableInfo(nil), r.Inspection.Tables...)
		out.Inspection = &insp
	}
	return out
}
