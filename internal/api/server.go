package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"repost-pipeline/internal/config"
	"repost-pipeline/internal/ledger"
	"repost-pipeline/internal/logger"
	"repost-pipeline/internal/models"
	"repost-pipeline/internal/ratelimit"
	"repost-pipeline/internal/store"
	"repost-pipeline/internal/telemetry"
	"repost-pipeline/internal/worker"
)

const (
	candidateListLimit = 200
	logListLimit       = 400
	jobListLimit       = 50
)

// Store is what the read endpoints need from the entity store.
type Store interface {
	Ping(ctx context.Context) error
	GetJob(ctx context.Context, id int64) (models.Job, error)
	ListJobs(ctx context.Context, workspaceID int64, limit int) ([]models.Job, error)
	ListCandidates(ctx context.Context, workspaceID int64, limit int) ([]models.Candidate, error)
	GetGeneratedContent(ctx context.Context, candidateID int64) (models.GeneratedContent, error)
	WorkspaceStats(ctx context.Context, workspaceID int64) (models.WorkspaceStats, error)
	ListLogs(ctx context.Context, workspaceID int64, limit int) ([]models.LogEvent, error)
	ClearLogs(ctx context.Context, workspaceID int64) error
}

// Enqueuer creates jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, workspaceID int64, jobType models.JobType, payload map[string]any) (models.Job, error)
}

// Approver approves candidates awaiting review.
type Approver interface {
	Approve(ctx context.Context, workspaceID, candidateID int64) (ledger.ApproveResult, error)
}

// Ticker runs one tick of the job processor.
type Ticker interface {
	Tick(ctx context.Context) (worker.TickResult, error)
}

// Limiter throttles enqueue requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// LiveLogs streams broadcast log events.
type LiveLogs interface {
	Subscribe(ctx context.Context, workspaceID int64) (<-chan models.LogEvent, error)
}

// Server wires HTTP handlers for operators and the external cron.
type Server struct {
	cfg     config.Config
	store   Store
	jobs    Enqueuer
	ledger  Approver
	ticker  Ticker
	limiter Limiter
	live    LiveLogs
}

// Option customises optional collaborators.
type Option func(*Server)

// WithLimiter enables rate limiting of run requests.
func WithLimiter(l Limiter) Option { return func(s *Server) { s.limiter = l } }

// WithLiveLogs enables the server-sent events log stream.
func WithLiveLogs(l LiveLogs) Option { return func(s *Server) { s.live = l } }

// New constructs the API server.
func New(cfg config.Config, st Store, jobs Enqueuer, approver Approver, ticker Ticker, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		store:  st,
		jobs:   jobs,
		ledger: approver,
		ticker: ticker,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/tick", s.handleTick)
	r.Get("/jobs/{id}", s.handleGetJob)

	r.Route("/workspaces/{wid}", func(r chi.Router) {
		r.Post("/run", s.handleRun)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/candidates", s.handleListCandidates)
		r.Post("/candidates/{cid}/approve", s.handleApprove)
		r.Get("/stats", s.handleStats)
		r.Get("/logs", s.handleListLogs)
		r.Delete("/logs", s.handleClearLogs)
		r.Get("/logs/stream", s.handleStreamLogs)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	if !s.tickAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	// A cron client hanging up must not abort jobs mid-flight.
	res, err := s.ticker.Tick(context.WithoutCancel(r.Context()))
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Error("tick")
		writeError(w, http.StatusInternalServerError, "tick failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "processed": res.Processed, "failed": res.Failed})
}

func (s *Server) tickAuthorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || s.cfg.TickToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.TickToken)) == 1
}

type runRequest struct {
	AutoPublish *bool  `json:"auto_publish"`
	Model       string `json:"model"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	wid, ok := pathID(w, r, "wid")
	if !ok {
		return
	}
	var req runRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), ratelimit.WorkspaceKey(wid, "run"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	payload := map[string]any{}
	if req.AutoPublish != nil {
		payload["auto_publish"] = *req.AutoPublish
	}
	if m := strings.TrimSpace(req.Model); m != "" {
		payload["model"] = m
	}
	job, err := s.jobs.Enqueue(r.Context(), wid, models.JobRunPipeline, payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "job_id": job.ID, "job": job})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	wid, ok := pathID(w, r, "wid")
	if !ok {
		return
	}
	cid, ok := pathID(w, r, "cid")
	if !ok {
		return
	}
	res, err := s.ledger.Approve(r.Context(), wid, cid)
	if errors.Is(err, ledger.ErrCandidateNotFound) {
		writeError(w, http.StatusNotFound, "candidate not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := map[string]any{"ok": true, "approved": res.Approved}
	if res.Job != nil {
		out["job_id"] = res.Job.ID
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	wid, ok := pathID(w, r, "wid")
	if !ok {
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), wid, jobListLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": nonNil(jobs)})
}

type candidateView struct {
	models.Candidate
	Generated *models.GeneratedContent `json:"generated,omitempty"`
}

func (s *Server) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	wid, ok := pathID(w, r, "wid")
	if !ok {
		return
	}
	list, err := s.store.ListCandidates(r.Context(), wid, candidateListLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]candidateView, 0, len(list))
	for _, c := range list {
		v := candidateView{Candidate: c}
		gc, err := s.store.GetGeneratedContent(r.Context(), c.ID)
		switch {
		case err == nil:
			v.Generated = &gc
		case !errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": views})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	wid, ok := pathID(w, r, "wid")
	if !ok {
		return
	}
	stats, err := s.store.WorkspaceStats(r.Context(), wid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	wid, ok := pathID(w, r, "wid")
	if !ok {
		return
	}
	logs, err := s.store.ListLogs(r.Context(), wid, logListLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": nonNil(logs)})
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	wid, ok := pathID(w, r, "wid")
	if !ok {
		return
	}
	if err := s.store.ClearLogs(r.Context(), wid); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleStreamLogs relays live log events as server-sent events until the
// client goes away.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	wid, ok := pathID(w, r, "wid")
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if s.live == nil || !canFlush {
		writeError(w, http.StatusNotImplemented, "live logs unavailable")
		return
	}
	events, err := s.live.Subscribe(r.Context(), wid)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.ID, data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
