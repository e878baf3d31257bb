package backup

import (
	"sort"
	"time"

	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
)

// JobState is the lifecycle state of a backup job
type JobState string

const (
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job is the pollable status of one backup
type Job struct {
	ID          string         `json:"id"`
	Kind        catalog.Kind   `json:"kind"`
	State       JobState       `json:"state"`
	Status      catalog.Status `json:"status,omitempty"`
	Stage       string         `json:"stage"`
	Progress    float64        `json:"progress"`
	FailedStage string         `json:"failedStage,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt,omitempty"`
}

// Job returns a snapshot of a backup job
func (e *Engine) Job(id string) (Job, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	j, ok := e.jobs[id]
	if !ok {
		return Job{}, drerrors.Configuration("lookup", errNotFound("backup job", id))
	}
	return *j, nil
}

// Jobs returns snapshots of all jobs started by this process, newest first
func (e *Engine) Jobs() []Job {
	e.mu.RLock()
	out := make([]Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, *j)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// PruneJobs forgets finished jobs older than age
func (e *Engine) PruneJobs(age time.Duration) int {
	cutoff := e.clock.Now().Add(-age)
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, j := range e.jobs {
		if j.State != JobRunning && j.CompletedAt.Before(cutoff) {
			delete(e.jobs, id)
			n++
		}
	}
	return n
}
