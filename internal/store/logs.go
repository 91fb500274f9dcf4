package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"repost-pipeline/internal/models"
)

// AppendLog persists a workspace log event and returns it with id and timestamp.
func (s *Store) AppendLog(ctx context.Context, ev models.LogEvent) (models.LogEvent, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO log_events (workspace_id, level, message, job_id, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at
	`, ev.WorkspaceID, string(ev.Level), ev.Message, ev.JobID).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return models.LogEvent{}, fmt.Errorf("insert log event: %w", err)
	}
	return ev, nil
}

// ListLogs returns the newest log events of a workspace.
func (s *Store) ListLogs(ctx context.Context, workspaceID int64, limit int) ([]models.LogEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, level, message, job_id, created_at
		FROM log_events WHERE workspace_id = $1 ORDER BY id DESC LIMIT $2
	`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []models.LogEvent
	for rows.Next() {
		var (
			ev    models.LogEvent
			level string
			jobID pgtype.Int8
		)
		if err := rows.Scan(&ev.ID, &ev.WorkspaceID, &level, &ev.Message, &jobID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log event: %w", err)
		}
		ev.Level = models.LogLevel(level)
		ev.JobID = int8Ptr(jobID)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ClearLogs deletes every log event of a workspace.
func (s *Store) ClearLogs(ctx context.Context, workspaceID int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM log_events WHERE workspace_id = $1`, workspaceID); err != nil {
		return fmt.Errorf("clear logs: %w", err)
	}
	return nil
}
