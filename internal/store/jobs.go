package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"repost-pipeline/internal/models"
)

const jobColumns = `id, workspace_id, type, status, payload, scheduled_for, attempts, last_error, created_at, updated_at`

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	WorkspaceID  int64
	Type         models.JobType
	Payload      map[string]any
	ScheduledFor time.Time
}

// CreateJob inserts a queued job row.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if !p.Type.Valid() {
		return models.Job{}, fmt.Errorf("create job: unknown type %q", p.Type)
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	if p.ScheduledFor.IsZero() {
		p.ScheduledFor = time.Now().UTC()
	}
	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO jobs (workspace_id, type, status, payload, scheduled_for, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, NOW(), NOW())
		RETURNING `+jobColumns,
		p.WorkspaceID, string(p.Type), string(models.JobQueued), payloadJSON, p.ScheduledFor)
	job, err := scanJob(row)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// ClaimNextJob atomically moves the oldest eligible queued job of the
// workspace to running and increments its attempts. Rows locked by a
// concurrent claimer are skipped, so each job is handed to at most one caller.
// The boolean is false when nothing is eligible.
func (s *Store) ClaimNextJob(ctx context.Context, workspaceID int64, now time.Time) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $3, attempts = attempts + 1, updated_at = NOW()
		WHERE status = $2 AND id = (
			SELECT id FROM jobs
			WHERE workspace_id = $1 AND status = $2 AND scheduled_for <= $4
			ORDER BY id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		workspaceID, string(models.JobQueued), string(models.JobRunning), now)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// CompleteJob transitions a running job to done.
func (s *Store) CompleteJob(ctx context.Context, id int64) error {
	return s.finishJob(ctx, id, models.JobDone, nil)
}

// FailJob transitions a running job to failed and records the error text.
func (s *Store) FailJob(ctx context.Context, id int64, lastError string) error {
	return s.finishJob(ctx, id, models.JobFailed, &lastError)
}

func (s *Store) finishJob(ctx context.Context, id int64, status models.JobStatus, lastError *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, last_error = COALESCE($3, last_error), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, string(status), lastError, string(models.JobRunning))
	if err != nil {
		return fmt.Errorf("update job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %d -> %s: %w", id, status, ErrInvalidTransition)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id int64) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobs returns the newest jobs of a workspace.
func (s *Store) ListJobs(ctx context.Context, workspaceID int64, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE workspace_id = $1 ORDER BY id DESC LIMIT $2
	`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job         models.Job
		jobType     string
		status      string
		payloadJSON []byte
		lastErr     pgtype.Text
	)
	if err := row.Scan(&job.ID, &job.WorkspaceID, &jobType, &status, &payloadJSON, &job.ScheduledFor, &job.Attempts, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Type = models.JobType(jobType)
	job.Status = models.JobStatus(status)
	job.LastError = textPtr(lastErr)
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if job.Payload == nil {
		job.Payload = map[string]any{}
	}
	return job, nil
}
