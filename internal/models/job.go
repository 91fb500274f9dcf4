package models

import (
	"fmt"
	"time"
)

// JobType names the stage a job dispatches to.
type JobType string

const (
	JobRunPipeline JobType = "run_pipeline"
	JobPublishOne  JobType = "publish_one"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobRunPipeline, JobPublishOne:
		return true
	}
	return false
}

// ParseJobType converts a raw string into a JobType.
func ParseJobType(s string) (JobType, error) {
	t := JobType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown job type %q", s)
	}
	return t, nil
}

// JobStatus enumerates lifecycle states persisted in Postgres.
// Transitions are queued -> running -> done|failed; done and failed are terminal.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobRunning, JobDone, JobFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobDone, JobFailed:
		return true
	case JobQueued, JobRunning:
		return false
	}
	return false
}

// CanTransition reports whether a job may move from s to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobQueued:
		return next == JobRunning
	case JobRunning:
		return next == JobDone || next == JobFailed
	case JobDone, JobFailed:
		return false
	}
	return false
}

// Job is a unit of asynchronous work scoped to one workspace.
type Job struct {
	ID           int64          `json:"id"`
	WorkspaceID  int64          `json:"workspace_id"`
	Type         JobType        `json:"type"`
	Status       JobStatus      `json:"status"`
	Payload      map[string]any `json:"payload"`
	ScheduledFor time.Time      `json:"scheduled_for"`
	Attempts     int            `json:"attempts"`
	LastError    *string        `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// PublishResult is an append-only audit record of one publish attempt.
type PublishResult struct {
	ID           int64     `json:"id"`
	JobID        int64     `json:"job_id"`
	Platform     Platform  `json:"platform"`
	Success      bool      `json:"success"`
	RemotePostID *string   `json:"remote_post_id,omitempty"`
	RemoteURL    *string   `json:"remote_url,omitempty"`
	Error        *string   `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
