// Package storetest provides an in-memory implementation of the entity
// store contract for package tests. Claims are serialised by a mutex, which
// stands in for the row-level lock-and-skip the Postgres store relies on.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"repost-pipeline/internal/models"
	"repost-pipeline/internal/store"
)

// Memory is a goroutine-safe in-memory entity store.
type Memory struct {
	mu sync.Mutex

	nextID     int64
	workspaces []int64
	configs    map[int64]models.WorkspaceConfig
	sources    []models.SourcePage
	jobs       []models.Job
	candidates []models.Candidate
	generated  map[int64]models.GeneratedContent
	results    []models.PublishResult
	logs       []models.LogEvent
	now        func() time.Time
}

// New returns an empty store.
func New() *Memory {
	return &Memory{
		configs:   make(map[int64]models.WorkspaceConfig),
		generated: make(map[int64]models.GeneratedContent),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) Ping(context.Context) error { return nil }

// Workspaces

func (m *Memory) CreateWorkspace(_ context.Context, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id()
	m.workspaces = append(m.workspaces, id)
	m.configs[id] = models.DefaultWorkspaceConfig(id)
	return id, nil
}

// AddWorkspaceWithoutConfig registers a workspace that has no configuration row.
func (m *Memory) AddWorkspaceWithoutConfig() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id()
	m.workspaces = append(m.workspaces, id)
	return id
}

func (m *Memory) ListWorkspaceIDs(context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.workspaces...), nil
}

func (m *Memory) GetWorkspaceConfig(_ context.Context, workspaceID int64) (models.WorkspaceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[workspaceID]
	if !ok {
		return models.WorkspaceConfig{}, fmt.Errorf("config for workspace %d: %w", workspaceID, store.ErrNotFound)
	}
	return cfg, nil
}

func (m *Memory) SaveWorkspaceConfig(_ context.Context, cfg models.WorkspaceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.UpdatedAt = m.now()
	m.configs[cfg.WorkspaceID] = cfg
	return nil
}

func (m *Memory) AddSourcePage(_ context.Context, sp models.SourcePage) (models.SourcePage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp.ID = m.id()
	sp.CreatedAt = m.now()
	m.sources = append(m.sources, sp)
	return sp, nil
}

func (m *Memory) ListEnabledSources(_ context.Context, workspaceID int64) ([]models.SourcePage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SourcePage
	for _, sp := range m.sources {
		if sp.WorkspaceID == workspaceID && sp.Enabled {
			out = append(out, sp)
		}
	}
	return out, nil
}

func (m *Memory) WorkspaceStats(_ context.Context, workspaceID int64) (models.WorkspaceStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st models.WorkspaceStats
	for _, c := range m.candidates {
		if c.WorkspaceID != workspaceID {
			continue
		}
		st.TotalCandidates++
		if c.IsPosted {
			st.TotalPublished++
		}
		if c.Status == models.CandidateAwaitingApproval {
			st.PendingApproval++
		}
	}
	for i := len(m.jobs) - 1; i >= 0; i-- {
		j := m.jobs[i]
		if j.WorkspaceID == workspaceID && j.Type == models.JobRunPipeline {
			t := j.UpdatedAt
			st.LastRunAt = &t
			break
		}
	}
	return st, nil
}

// Jobs

func (m *Memory) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	if !p.Type.Valid() {
		return models.Job{}, fmt.Errorf("create job: unknown type %q", p.Type)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if p.ScheduledFor.IsZero() {
		p.ScheduledFor = now
	}
	payload := make(map[string]any, len(p.Payload))
	for k, v := range p.Payload {
		payload[k] = v
	}
	job := models.Job{
		ID:           m.id(),
		WorkspaceID:  p.WorkspaceID,
		Type:         p.Type,
		Status:       models.JobQueued,
		Payload:      payload,
		ScheduledFor: p.ScheduledFor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.jobs = append(m.jobs, job)
	return job, nil
}

func (m *Memory) ClaimNextJob(_ context.Context, workspaceID int64, now time.Time) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// m.jobs is kept in id order.
	for i := range m.jobs {
		j := &m.jobs[i]
		if j.WorkspaceID != workspaceID || j.Status != models.JobQueued || j.ScheduledFor.After(now) {
			continue
		}
		j.Status = models.JobRunning
		j.Attempts++
		j.UpdatedAt = m.now()
		return *j, true, nil
	}
	return models.Job{}, false, nil
}

func (m *Memory) CompleteJob(_ context.Context, id int64) error {
	return m.finish(id, models.JobDone, nil)
}

func (m *Memory) FailJob(_ context.Context, id int64, lastError string) error {
	return m.finish(id, models.JobFailed, &lastError)
}

func (m *Memory) finish(id int64, status models.JobStatus, lastError *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.jobs {
		j := &m.jobs[i]
		if j.ID != id {
			continue
		}
		if !j.Status.CanTransition(status) {
			return fmt.Errorf("job %d -> %s: %w", id, status, store.ErrInvalidTransition)
		}
		j.Status = status
		if lastError != nil {
			j.LastError = lastError
		}
		j.UpdatedAt = m.now()
		return nil
	}
	return fmt.Errorf("job %d -> %s: %w", id, status, store.ErrInvalidTransition)
}

func (m *Memory) GetJob(_ context.Context, id int64) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return models.Job{}, fmt.Errorf("job %d: %w", id, store.ErrNotFound)
}

func (m *Memory) ListJobs(_ context.Context, workspaceID int64, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for i := len(m.jobs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.jobs[i].WorkspaceID == workspaceID {
			out = append(out, m.jobs[i])
		}
	}
	return out, nil
}

// JobsOfType returns the jobs of a workspace with the given type in id order.
func (m *Memory) JobsOfType(workspaceID int64, t models.JobType) []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if j.WorkspaceID == workspaceID && j.Type == t {
			out = append(out, j)
		}
	}
	return out
}

// Candidates

func (m *Memory) InsertCandidates(_ context.Context, candidates []models.Candidate) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, c := range candidates {
		if m.hasOriginal(c.WorkspaceID, c.Platform, c.OriginalURL) {
			continue
		}
		now := m.now()
		c.ID = m.id()
		c.Status = models.CandidateNew
		c.IsPosted = false
		c.CreatedAt, c.UpdatedAt = now, now
		m.candidates = append(m.candidates, c)
		inserted++
	}
	return inserted, nil
}

func (m *Memory) hasOriginal(workspaceID int64, p models.Platform, url string) bool {
	for _, c := range m.candidates {
		if c.WorkspaceID == workspaceID && c.Platform == p && c.OriginalURL == url {
			return true
		}
	}
	return false
}

func (m *Memory) SelectCandidates(_ context.Context, workspaceID int64, n int) ([]models.Candidate, error) {
	if n <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var idx []int
	for i, c := range m.candidates {
		if c.WorkspaceID == workspaceID && !c.IsPosted && c.Status.Selectable() {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ca, cb := m.candidates[idx[a]], m.candidates[idx[b]]
		if ca.EngagementScore != cb.EngagementScore {
			return ca.EngagementScore > cb.EngagementScore
		}
		return ca.ID < cb.ID
	})
	if len(idx) > n {
		idx = idx[:n]
	}
	out := make([]models.Candidate, 0, len(idx))
	for _, i := range idx {
		m.candidates[i].Status = models.CandidateSelected
		m.candidates[i].UpdatedAt = m.now()
		out = append(out, m.candidates[i])
	}
	return out, nil
}

func (m *Memory) GetCandidate(_ context.Context, workspaceID, id int64) (models.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.candidates {
		if c.ID == id && c.WorkspaceID == workspaceID {
			return c, nil
		}
	}
	return models.Candidate{}, fmt.Errorf("candidate %d: %w", id, store.ErrNotFound)
}

func (m *Memory) ListCandidates(_ context.Context, workspaceID int64, limit int) ([]models.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Candidate
	for i := len(m.candidates) - 1; i >= 0 && len(out) < limit; i-- {
		if m.candidates[i].WorkspaceID == workspaceID {
			out = append(out, m.candidates[i])
		}
	}
	return out, nil
}

func (m *Memory) ListApprovedUnposted(_ context.Context, workspaceID int64) ([]models.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Candidate
	for _, c := range m.candidates {
		if c.WorkspaceID == workspaceID && c.Status == models.CandidateApproved && !c.IsPosted {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].EngagementScore != out[b].EngagementScore {
			return out[a].EngagementScore > out[b].EngagementScore
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

func (m *Memory) TransitionCandidate(_ context.Context, workspaceID, id int64, from, to models.CandidateStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.candidates {
		c := &m.candidates[i]
		if c.ID != id || c.WorkspaceID != workspaceID {
			continue
		}
		if c.Status != from || c.IsPosted {
			return false, nil
		}
		c.Status = to
		c.UpdatedAt = m.now()
		return true, nil
	}
	return false, fmt.Errorf("candidate %d: %w", id, store.ErrNotFound)
}

// SetCandidate overwrites a stored candidate, or adds it when its id is
// unknown, for arranging test fixtures.
func (m *Memory) SetCandidate(c models.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.candidates {
		if m.candidates[i].ID == c.ID {
			m.candidates[i] = c
			return
		}
	}
	if c.ID > m.nextID {
		m.nextID = c.ID
	}
	m.candidates = append(m.candidates, c)
}

func (m *Memory) SaveGeneratedContent(_ context.Context, gc models.GeneratedContent, next models.CandidateStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if existing, ok := m.generated[gc.CandidateID]; ok {
		gc.CreatedAt = existing.CreatedAt
	} else {
		gc.CreatedAt = now
	}
	gc.UpdatedAt = now
	gc.Hashtags = append([]string(nil), gc.Hashtags...)
	m.generated[gc.CandidateID] = gc
	for i := range m.candidates {
		if m.candidates[i].ID == gc.CandidateID {
			m.candidates[i].Status = next
			m.candidates[i].UpdatedAt = now
		}
	}
	return nil
}

func (m *Memory) GetGeneratedContent(_ context.Context, candidateID int64) (models.GeneratedContent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gc, ok := m.generated[candidateID]
	if !ok {
		return models.GeneratedContent{}, fmt.Errorf("generated content for %d: %w", candidateID, store.ErrNotFound)
	}
	return gc, nil
}

func (m *Memory) RecordPublish(_ context.Context, candidateID int64, r models.PublishResult) (models.PublishResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.candidates {
		c := &m.candidates[i]
		if c.ID != candidateID {
			continue
		}
		if c.IsPosted {
			return models.PublishResult{}, fmt.Errorf("candidate %d: %w", candidateID, store.ErrAlreadyPosted)
		}
		c.IsPosted = true
		c.Status = models.CandidatePublished
		c.UpdatedAt = m.now()
		r.ID = m.id()
		r.CreatedAt = m.now()
		m.results = append(m.results, r)
		return r, nil
	}
	return models.PublishResult{}, fmt.Errorf("candidate %d: %w", candidateID, store.ErrNotFound)
}

func (m *Memory) ListPublishResults(_ context.Context, jobID int64) ([]models.PublishResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PublishResult
	for _, r := range m.results {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Logs

func (m *Memory) AppendLog(_ context.Context, ev models.LogEvent) (models.LogEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = m.id()
	ev.CreatedAt = m.now()
	m.logs = append(m.logs, ev)
	return ev, nil
}

func (m *Memory) ListLogs(_ context.Context, workspaceID int64, limit int) ([]models.LogEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LogEvent
	for i := len(m.logs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.logs[i].WorkspaceID == workspaceID {
			out = append(out, m.logs[i])
		}
	}
	return out, nil
}

func (m *Memory) ClearLogs(_ context.Context, workspaceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.logs[:0]
	for _, ev := range m.logs {
		if ev.WorkspaceID != workspaceID {
			kept = append(kept, ev)
		}
	}
	m.logs = kept
	return nil
}
