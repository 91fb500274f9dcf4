package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"repost-pipeline/internal/models"
)

const candidateColumns = `id, workspace_id, platform, original_url, original_id, caption_raw, media_type, media_url,
	posted_at_source, engagement_score, status, is_posted, created_at, updated_at`

// InsertCandidates inserts new candidates in one transaction, silently
// skipping rows whose (workspace, platform, original_url) already exists.
// It returns how many rows were actually inserted.
func (s *Store) InsertCandidates(ctx context.Context, candidates []models.Candidate) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, c := range candidates {
			tag, err := tx.Exec(ctx, `
				INSERT INTO candidates (workspace_id, platform, original_url, original_id, caption_raw, media_type,
					media_url, posted_at_source, engagement_score, status, is_posted, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, NOW(), NOW())
				ON CONFLICT ON CONSTRAINT uq_candidate_original DO NOTHING
			`, c.WorkspaceID, string(c.Platform), c.OriginalURL, c.OriginalID, c.CaptionRaw, string(c.MediaType),
				c.MediaURL, c.PostedAtSource, c.EngagementScore, string(models.CandidateNew))
			if err != nil {
				return fmt.Errorf("insert candidate %s: %w", c.OriginalURL, err)
			}
			inserted += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// SelectCandidates marks the top-n unposted candidates in a selectable status
// as selected, ordered by engagement descending then id ascending.
func (s *Store) SelectCandidates(ctx context.Context, workspaceID int64, n int) ([]models.Candidate, error) {
	if n <= 0 {
		return nil, nil
	}
	statuses := make([]string, 0, 3)
	for _, st := range models.SelectableStatuses() {
		statuses = append(statuses, string(st))
	}

	var picked []models.Candidate
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+candidateColumns+` FROM candidates
			WHERE workspace_id = $1 AND is_posted = FALSE AND status = ANY($2)
			ORDER BY engagement_score DESC, id ASC
			LIMIT $3
			FOR UPDATE
		`, workspaceID, statuses, n)
		if err != nil {
			return fmt.Errorf("query selectable candidates: %w", err)
		}
		picked, err = collectCandidates(rows)
		if err != nil {
			return err
		}
		if len(picked) == 0 {
			return nil
		}

		ids := make([]int64, len(picked))
		for i, c := range picked {
			ids[i] = c.ID
		}
		if _, err := tx.Exec(ctx, `
			UPDATE candidates SET status = $2, updated_at = NOW() WHERE id = ANY($1)
		`, ids, string(models.CandidateSelected)); err != nil {
			return fmt.Errorf("mark selected: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range picked {
		picked[i].Status = models.CandidateSelected
	}
	return picked, nil
}

// GetCandidate fetches a candidate belonging to the workspace.
func (s *Store) GetCandidate(ctx context.Context, workspaceID, id int64) (models.Candidate, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+candidateColumns+` FROM candidates WHERE id = $1 AND workspace_id = $2
	`, id, workspaceID)
	c, err := scanCandidate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Candidate{}, fmt.Errorf("candidate %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Candidate{}, fmt.Errorf("scan candidate: %w", err)
	}
	return c, nil
}

// ListCandidates returns the newest candidates of a workspace.
func (s *Store) ListCandidates(ctx context.Context, workspaceID int64, limit int) ([]models.Candidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+candidateColumns+` FROM candidates WHERE workspace_id = $1 ORDER BY id DESC LIMIT $2
	`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	return collectCandidates(rows)
}

// ListApprovedUnposted returns approved candidates that have not been
// published yet, highest engagement first.
func (s *Store) ListApprovedUnposted(ctx context.Context, workspaceID int64) ([]models.Candidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+candidateColumns+` FROM candidates
		WHERE workspace_id = $1 AND status = $2 AND is_posted = FALSE
		ORDER BY engagement_score DESC, id ASC
	`, workspaceID, string(models.CandidateApproved))
	if err != nil {
		return nil, fmt.Errorf("list approved candidates: %w", err)
	}
	return collectCandidates(rows)
}

// TransitionCandidate moves a candidate from one status to another. It
// reports false when the candidate exists but is not in the expected status.
func (s *Store) TransitionCandidate(ctx context.Context, workspaceID, id int64, from, to models.CandidateStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE candidates SET status = $4, updated_at = NOW()
		WHERE id = $1 AND workspace_id = $2 AND status = $3 AND is_posted = FALSE
	`, id, workspaceID, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("transition candidate %d: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetCandidate(ctx, workspaceID, id); err != nil {
		return false, err
	}
	return false, nil
}

// SaveGeneratedContent upserts the generated copy for a candidate and moves
// the candidate to next in the same transaction.
func (s *Store) SaveGeneratedContent(ctx context.Context, gc models.GeneratedContent, next models.CandidateStatus) error {
	hashtags, err := json.Marshal(gc.Hashtags)
	if err != nil {
		return fmt.Errorf("marshal hashtags: %w", err)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO generated_contents (candidate_id, title, caption, hashtags, model, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
			ON CONFLICT (candidate_id) DO UPDATE
			SET title = EXCLUDED.title, caption = EXCLUDED.caption, hashtags = EXCLUDED.hashtags,
				model = EXCLUDED.model, updated_at = NOW()
		`, gc.CandidateID, gc.Title, gc.Caption, hashtags, gc.Model); err != nil {
			return fmt.Errorf("upsert generated content: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE candidates SET status = $2, updated_at = NOW() WHERE id = $1
		`, gc.CandidateID, string(next)); err != nil {
			return fmt.Errorf("update candidate status: %w", err)
		}
		return nil
	})
}

// GetGeneratedContent fetches the generated copy of a candidate.
func (s *Store) GetGeneratedContent(ctx context.Context, candidateID int64) (models.GeneratedContent, error) {
	var (
		gc       models.GeneratedContent
		hashtags []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT candidate_id, title, caption, hashtags, model, created_at, updated_at
		FROM generated_contents WHERE candidate_id = $1
	`, candidateID).Scan(&gc.CandidateID, &gc.Title, &gc.Caption, &hashtags, &gc.Model, &gc.CreatedAt, &gc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.GeneratedContent{}, fmt.Errorf("generated content for %d: %w", candidateID, ErrNotFound)
	}
	if err != nil {
		return models.GeneratedContent{}, fmt.Errorf("scan generated content: %w", err)
	}
	if err := json.Unmarshal(hashtags, &gc.Hashtags); err != nil {
		return models.GeneratedContent{}, fmt.Errorf("unmarshal hashtags: %w", err)
	}
	return gc, nil
}

// RecordPublish appends the publish result and flags the candidate as
// published. A candidate that is already posted is left untouched and
// ErrAlreadyPosted is returned.
func (s *Store) RecordPublish(ctx context.Context, candidateID int64, r models.PublishResult) (models.PublishResult, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE candidates SET is_posted = TRUE, status = $2, updated_at = NOW()
			WHERE id = $1 AND is_posted = FALSE
		`, candidateID, string(models.CandidatePublished))
		if err != nil {
			return fmt.Errorf("mark published: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("candidate %d: %w", candidateID, ErrAlreadyPosted)
		}
		return tx.QueryRow(ctx, `
			INSERT INTO publish_results (job_id, platform, success, remote_post_id, remote_url, error, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
			RETURNING id, created_at
		`, r.JobID, string(r.Platform), r.Success, r.RemotePostID, r.RemoteURL, r.Error).Scan(&r.ID, &r.CreatedAt)
	})
	if err != nil {
		return models.PublishResult{}, err
	}
	return r, nil
}

// ListPublishResults returns the publish audit trail of a job.
func (s *Store) ListPublishResults(ctx context.Context, jobID int64) ([]models.PublishResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, platform, success, remote_post_id, remote_url, error, created_at
		FROM publish_results WHERE job_id = $1 ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list publish results: %w", err)
	}
	defer rows.Close()

	var out []models.PublishResult
	for rows.Next() {
		var (
			r                   models.PublishResult
			platform            string
			postID, url, errMsg pgtype.Text
		)
		if err := rows.Scan(&r.ID, &r.JobID, &platform, &r.Success, &postID, &url, &errMsg, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan publish result: %w", err)
		}
		r.Platform = models.Platform(platform)
		r.RemotePostID, r.RemoteURL, r.Error = textPtr(postID), textPtr(url), textPtr(errMsg)
		out = append(out, r)
	}
	return out, rows.Err()
}

func collectCandidates(rows pgx.Rows) ([]models.Candidate, error) {
	defer rows.Close()
	var out []models.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCandidate(row pgx.Row) (models.Candidate, error) {
	var (
		c                             models.Candidate
		platform, mediaType, status   string
		originalID, caption, mediaURL pgtype.Text
		postedAt                      pgtype.Timestamptz
	)
	if err := row.Scan(&c.ID, &c.WorkspaceID, &platform, &c.OriginalURL, &originalID, &caption, &mediaType, &mediaURL,
		&postedAt, &c.EngagementScore, &status, &c.IsPosted, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return models.Candidate{}, err
	}
	c.Platform = models.Platform(platform)
	c.MediaType = models.MediaType(mediaType)
	c.Status = models.CandidateStatus(status)
	c.OriginalID = textPtr(originalID)
	c.CaptionRaw = textPtr(caption)
	c.MediaURL = textPtr(mediaURL)
	c.PostedAtSource = timePtr(postedAt)
	return c, nil
}
