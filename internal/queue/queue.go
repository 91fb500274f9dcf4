// Package queue hands out workspace jobs. Claiming is delegated to the
// store so that exclusivity holds across processes.
package queue

import (
	"context"
	"fmt"
	"time"

	"repost-pipeline/internal/capability"
	"repost-pipeline/internal/models"
	"repost-pipeline/internal/store"
	"repost-pipeline/internal/telemetry"
)

// JobStore is the subset of the entity store the queue needs.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	ClaimNextJob(ctx context.Context, workspaceID int64, now time.Time) (models.Job, bool, error)
}

// Queue enqueues and claims jobs of any workspace.
type Queue struct {
	store JobStore
	logs  capability.LogSink
	now   func() time.Time
}

// New builds a queue. A nil sink discards log lines.
func New(st JobStore, logs capability.LogSink) *Queue {
	if logs == nil {
		logs = capability.NopSink{}
	}
	return &Queue{store: st, logs: logs, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue inserts a queued job that is immediately eligible.
func (q *Queue) Enqueue(ctx context.Context, workspaceID int64, jobType models.JobType, payload map[string]any) (models.Job, error) {
	if !jobType.Valid() {
		return models.Job{}, fmt.Errorf("enqueue: unknown job type %q", jobType)
	}
	job, err := q.store.CreateJob(ctx, store.CreateJobParams{
		WorkspaceID:  workspaceID,
		Type:         jobType,
		Payload:      payload,
		ScheduledFor: q.now(),
	})
	if err != nil {
		return models.Job{}, fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	telemetry.JobsEnqueued.WithLabelValues(string(jobType)).Inc()
	q.logs.Append(ctx, workspaceID, models.LogInfo, fmt.Sprintf("Job enqueued: %s (job_id=%d)", jobType, job.ID), &job.ID)
	return job, nil
}

// ClaimNext marks the oldest eligible queued job of the workspace running
// and returns it. The boolean is false when the queue is empty.
func (q *Queue) ClaimNext(ctx context.Context, workspaceID int64) (models.Job, bool, error) {
	job, ok, err := q.store.ClaimNextJob(ctx, workspaceID, q.now())
	if err != nil {
		return models.Job{}, false, err
	}
	if ok {
		telemetry.JobsClaimed.Inc()
	}
	return job, ok, nil
}
