// Package ledger tracks collected candidates: deduplicated ingestion,
// priority selection and manual approval.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"repost-pipeline/internal/capability"
	"repost-pipeline/internal/models"
	"repost-pipeline/internal/store"
	"repost-pipeline/internal/telemetry"
)

// ErrCandidateNotFound is returned when a candidate does not exist in the workspace.
var ErrCandidateNotFound = errors.New("candidate not found")

// CandidateStore is the subset of the entity store the ledger needs.
type CandidateStore interface {
	InsertCandidates(ctx context.Context, candidates []models.Candidate) (int, error)
	SelectCandidates(ctx context.Context, workspaceID int64, n int) ([]models.Candidate, error)
	GetCandidate(ctx context.Context, workspaceID, id int64) (models.Candidate, error)
	TransitionCandidate(ctx context.Context, workspaceID, id int64, from, to models.CandidateStatus) (bool, error)
}

// Enqueuer creates follow-up jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, workspaceID int64, jobType models.JobType, payload map[string]any) (models.Job, error)
}

// Ledger is safe for concurrent use when its store is.
type Ledger struct {
	store CandidateStore
	jobs  Enqueuer
}

func New(st CandidateStore, jobs Enqueuer) *Ledger {
	return &Ledger{store: st, jobs: jobs}
}

// Ingest stores collected posts as new candidates and returns how many rows
// were actually inserted. Posts already known for the same platform and URL
// are skipped silently, as are posts without a URL or a known platform.
func (l *Ledger) Ingest(ctx context.Context, workspaceID int64, posts []capability.RawPost) (int, error) {
	batch := make([]models.Candidate, 0, len(posts))
	seen := make(map[string]struct{}, len(posts))
	for _, p := range posts {
		url := strings.TrimSpace(p.OriginalURL)
		if url == "" || !p.Platform.Valid() {
			continue
		}
		key := string(p.Platform) + "|" + url
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		batch = append(batch, toCandidate(workspaceID, p, url))
	}
	if len(batch) == 0 {
		return 0, nil
	}
	n, err := l.store.InsertCandidates(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("ingest candidates: %w", err)
	}
	telemetry.CandidatesIngested.Add(float64(n))
	return n, nil
}

func toCandidate(workspaceID int64, p capability.RawPost, url string) models.Candidate {
	mt := p.MediaType
	if !mt.Valid() {
		mt = models.MediaPhoto
	}
	return models.Candidate{
		WorkspaceID:     workspaceID,
		Platform:        p.Platform,
		OriginalURL:     url,
		OriginalID:      optional(p.OriginalID),
		CaptionRaw:      optional(p.Caption),
		MediaType:       mt,
		MediaURL:        optional(strings.TrimSpace(p.MediaURL)),
		PostedAtSource:  p.PostedAt,
		EngagementScore: p.Engagement,
		Status:          models.CandidateNew,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Select marks the n best unposted candidates selected, ordered by
// engagement descending with ties broken by ascending id.
func (l *Ledger) Select(ctx context.Context, workspaceID int64, n int) ([]models.Candidate, error) {
	if n <= 0 {
		return nil, nil
	}
	picked, err := l.store.SelectCandidates(ctx, workspaceID, n)
	if err != nil {
		return nil, fmt.Errorf("select candidates: %w", err)
	}
	return picked, nil
}

// ApproveResult reports what Approve did.
type ApproveResult struct {
	Approved bool
	Job      *models.Job
}

// Approve moves an awaiting candidate to approved and enqueues its publish
// job. Candidates in any other status are left alone and reported as not
// approved without an error.
func (l *Ledger) Approve(ctx context.Context, workspaceID, candidateID int64) (ApproveResult, error) {
	ok, err := l.store.TransitionCandidate(ctx, workspaceID, candidateID, models.CandidateAwaitingApproval, models.CandidateApproved)
	if errors.Is(err, store.ErrNotFound) {
		return ApproveResult{}, fmt.Errorf("approve %d: %w", candidateID, ErrCandidateNotFound)
	}
	if err != nil {
		return ApproveResult{}, fmt.Errorf("approve %d: %w", candidateID, err)
	}
	if !ok {
		return ApproveResult{}, nil
	}
	job, err := l.jobs.Enqueue(ctx, workspaceID, models.JobPublishOne, map[string]any{"candidate_id": candidateID})
	if err != nil {
		return ApproveResult{Approved: true}, fmt.Errorf("enqueue publish for %d: %w", candidateID, err)
	}
	return ApproveResult{Approved: true, Job: &job}, nil
}

// Get returns one candidate of the workspace.
func (l *Ledger) Get(ctx context.Context, workspaceID, candidateID int64) (models.Candidate, error) {
	c, err := l.store.GetCandidate(ctx, workspaceID, candidateID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Candidate{}, fmt.Errorf("candidate %d: %w", candidateID, ErrCandidateNotFound)
	}
	return c, err
}
