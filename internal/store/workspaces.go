package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"repost-pipeline/internal/models"
)

// CreateWorkspace inserts a workspace with the default configuration.
func (s *Store) CreateWorkspace(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `INSERT INTO workspaces (name) VALUES ($1) RETURNING id`, name).Scan(&id); err != nil {
			return fmt.Errorf("insert workspace: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO workspace_configs (workspace_id) VALUES ($1)`, id); err != nil {
			return fmt.Errorf("insert workspace config: %w", err)
		}
		return nil
	})
	return id, err
}

// ListWorkspaceIDs returns every workspace id in ascending order.
func (s *Store) ListWorkspaceIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM workspaces ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan workspace id: %w", err)
	}
	return ids, nil
}

// GetWorkspaceConfig returns the pipeline configuration of a workspace.
func (s *Store) GetWorkspaceConfig(ctx context.Context, workspaceID int64) (models.WorkspaceConfig, error) {
	var cfg models.WorkspaceConfig
	err := s.pool.QueryRow(ctx, `
		SELECT workspace_id, approval_required, interval_days, max_candidates, pick_top_n, updated_at
		FROM workspace_configs WHERE workspace_id = $1
	`, workspaceID).Scan(&cfg.WorkspaceID, &cfg.ApprovalRequired, &cfg.IntervalDays, &cfg.MaxCandidates, &cfg.PickTopN, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WorkspaceConfig{}, fmt.Errorf("config for workspace %d: %w", workspaceID, ErrNotFound)
	}
	if err != nil {
		return models.WorkspaceConfig{}, fmt.Errorf("scan workspace config: %w", err)
	}
	return cfg, nil
}

// SaveWorkspaceConfig creates or replaces the configuration of a workspace.
func (s *Store) SaveWorkspaceConfig(ctx context.Context, cfg models.WorkspaceConfig) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workspace_configs (workspace_id, approval_required, interval_days, max_candidates, pick_top_n, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (workspace_id) DO UPDATE
		SET approval_required = EXCLUDED.approval_required, interval_days = EXCLUDED.interval_days,
			max_candidates = EXCLUDED.max_candidates, pick_top_n = EXCLUDED.pick_top_n, updated_at = NOW()
	`, cfg.WorkspaceID, cfg.ApprovalRequired, cfg.IntervalDays, cfg.MaxCandidates, cfg.PickTopN)
	if err != nil {
		return fmt.Errorf("save workspace config: %w", err)
	}
	return nil
}

// AddSourcePage registers a page to collect from.
func (s *Store) AddSourcePage(ctx context.Context, sp models.SourcePage) (models.SourcePage, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO source_pages (workspace_id, platform, handle, enabled)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, sp.WorkspaceID, string(sp.Platform), sp.Handle, sp.Enabled).Scan(&sp.ID, &sp.CreatedAt)
	if err != nil {
		return models.SourcePage{}, fmt.Errorf("insert source page: %w", err)
	}
	return sp, nil
}

// ListEnabledSources returns the enabled source pages of a workspace.
func (s *Store) ListEnabledSources(ctx context.Context, workspaceID int64) ([]models.SourcePage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, platform, handle, enabled, created_at
		FROM source_pages WHERE workspace_id = $1 AND enabled = TRUE ORDER BY id ASC
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []models.SourcePage
	for rows.Next() {
		var (
			sp       models.SourcePage
			platform string
		)
		if err := rows.Scan(&sp.ID, &sp.WorkspaceID, &platform, &sp.Handle, &sp.Enabled, &sp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan source page: %w", err)
		}
		sp.Platform = models.Platform(platform)
		out = append(out, sp)
	}
	return out, rows.Err()
}

// WorkspaceStats counts candidates by state and finds the last pipeline run.
func (s *Store) WorkspaceStats(ctx context.Context, workspaceID int64) (models.WorkspaceStats, error) {
	var (
		st      models.WorkspaceStats
		lastRun pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM candidates WHERE workspace_id = $1),
			(SELECT COUNT(*) FROM candidates WHERE workspace_id = $1 AND is_posted = TRUE),
			(SELECT COUNT(*) FROM candidates WHERE workspace_id = $1 AND status = $2),
			(SELECT updated_at FROM jobs WHERE workspace_id = $1 AND type = $3 ORDER BY id DESC LIMIT 1)
	`, workspaceID, string(models.CandidateAwaitingApproval), string(models.JobRunPipeline)).
		Scan(&st.TotalCandidates, &st.TotalPublished, &st.PendingApproval, &lastRun)
	if err != nil {
		return models.WorkspaceStats{}, fmt.Errorf("workspace stats: %w", err)
	}
	st.LastRunAt = timePtr(lastRun)
	return st, nil
}
