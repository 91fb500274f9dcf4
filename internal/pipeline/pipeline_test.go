package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"repost-pipeline/internal/capability"
	"repost-pipeline/internal/ledger"
	"repost-pipeline/internal/models"
	"repost-pipeline/internal/queue"
	"repost-pipeline/internal/storetest"
)

type fakeCollector struct {
	posts []capability.RawPost
	err   error
}

func (f *fakeCollector) Collect(context.Context, string, int) ([]capability.RawPost, error) {
	return append([]capability.RawPost(nil), f.posts...), f.err
}

type fakeGenerator struct{}

func (fakeGenerator) Generate(_ context.Context, caption string, _ models.MediaType) (capability.Generated, error) {
	return capability.Generated{Title: "T", Caption: "EN " + caption, Hashtags: []string{"#a", "#b"}}, nil
}

type fakeFetcher struct {
	dir   string
	paths []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, mt models.MediaType) (capability.LocalMedia, error) {
	p := filepath.Join(f.dir, fmt.Sprintf("m%d.jpg", len(f.paths)))
	if err := os.WriteFile(p, []byte(url), 0o600); err != nil {
		return capability.LocalMedia{}, err
	}
	f.paths = append(f.paths, p)
	return capability.LocalMedia{Path: p, MediaType: mt, ContentType: "image/jpeg"}, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	captions []string
	err      error
}

func (f *fakePublisher) Publish(_ context.Context, _ capability.LocalMedia, caption string) (capability.PublishReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return capability.PublishReceipt{}, f.err
	}
	f.captions = append(f.captions, caption)
	return capability.PublishReceipt{RemotePostID: fmt.Sprintf("remote-%d", len(f.captions))}, nil
}

type memSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *memSink) Append(_ context.Context, _ int64, _ models.LogLevel, msg string, _ *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, msg)
}

func (s *memSink) has(msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		if l == msg {
			return true
		}
	}
	return false
}

type harness struct {
	mem       *storetest.Memory
	wid       int64
	collector *fakeCollector
	fetcher   *fakeFetcher
	publisher *fakePublisher
	sink      *memSink
	runner    *Runner
	worker    *PublishWorker
}

func newHarness(t *testing.T, approvalRequired bool, pickTopN int, scores ...int) *harness {
	t.Helper()
	ctx := context.Background()
	mem := storetest.New()
	wid, _ := mem.CreateWorkspace(ctx, "ws")
	cfg := models.DefaultWorkspaceConfig(wid)
	cfg.ApprovalRequired = approvalRequired
	cfg.PickTopN = pickTopN
	if err := mem.SaveWorkspaceConfig(ctx, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	if _, err := mem.AddSourcePage(ctx, models.SourcePage{WorkspaceID: wid, Platform: models.PlatformFacebook, Handle: "acme", Enabled: true}); err != nil {
		t.Fatalf("add source: %v", err)
	}

	h := &harness{
		mem:       mem,
		wid:       wid,
		collector: &fakeCollector{},
		fetcher:   &fakeFetcher{dir: t.TempDir()},
		publisher: &fakePublisher{},
		sink:      &memSink{},
	}
	for i, s := range scores {
		h.collector.posts = append(h.collector.posts, capability.RawPost{
			OriginalURL: fmt.Sprintf("https://facebook.com/acme/posts/%d", i),
			Caption:     fmt.Sprintf("caption %d", s),
			MediaType:   models.MediaPhoto,
			MediaURL:    fmt.Sprintf("https://cdn.example/%d.jpg", i),
			Engagement:  s,
		})
	}

	q := queue.New(mem, h.sink)
	deps := Deps{
		Store:      mem,
		Ledger:     ledger.New(mem, q),
		Jobs:       q,
		Collectors: capability.Collectors{models.PlatformFacebook: h.collector},
		Generator:  fakeGenerator{},
		Fetcher:    h.fetcher,
		Publishers: capability.Publishers{models.PlatformFacebook: h.publisher},
		Logs:       h.sink,
	}
	h.runner = NewRunner(deps)
	h.worker = NewPublishWorker(deps)
	return h
}

func (h *harness) run(t *testing.T, payload map[string]any) error {
	t.Helper()
	return h.runner.Run(context.Background(), models.Job{ID: 1, WorkspaceID: h.wid, Type: models.JobRunPipeline, Payload: payload})
}

func (h *harness) candidateByScore(t *testing.T, score int) models.Candidate {
	t.Helper()
	list, _ := h.mem.ListCandidates(context.Background(), h.wid, 100)
	for _, c := range list {
		if c.EngagementScore == score {
			return c
		}
	}
	t.Fatalf("no candidate with score %d", score)
	return models.Candidate{}
}

func TestEndToEndAutoPublish(t *testing.T) {
	h := newHarness(t, false, 2, 50, 10, 90)
	ctx := context.Background()

	if err := h.run(t, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	jobs := h.mem.JobsOfType(h.wid, models.JobPublishOne)
	if len(jobs) != 2 {
		t.Fatalf("expected 2 publish jobs, got %d", len(jobs))
	}
	top, second := h.candidateByScore(t, 90), h.candidateByScore(t, 50)
	if jobs[0].Payload["candidate_id"] != top.ID || jobs[1].Payload["candidate_id"] != second.ID {
		t.Fatalf("unexpected publish order: %v, %v", jobs[0].Payload, jobs[1].Payload)
	}
	if low := h.candidateByScore(t, 10); low.Status != models.CandidateNew {
		t.Fatalf("unselected candidate changed status: %s", low.Status)
	}

	for _, j := range jobs {
		if err := h.worker.Publish(ctx, j); err != nil {
			t.Fatalf("publish job %d: %v", j.ID, err)
		}
	}
	if len(h.publisher.captions) != 2 || h.publisher.captions[0] != "EN caption 90\n\n#a #b" {
		t.Fatalf("unexpected captions: %q", h.publisher.captions)
	}
	for _, score := range []int{90, 50} {
		c := h.candidateByScore(t, score)
		if !c.IsPosted || c.Status != models.CandidatePublished {
			t.Fatalf("candidate %d not published: %+v", score, c)
		}
	}
	results, _ := h.mem.ListPublishResults(ctx, jobs[0].ID)
	if len(results) != 1 || !results[0].Success || results[0].RemotePostID == nil {
		t.Fatalf("unexpected publish results: %+v", results)
	}
	for _, p := range h.fetcher.paths {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("scratch file %s not removed", p)
		}
	}
	if !h.sink.has(fmt.Sprintf("Published candidate %d.", top.ID)) {
		t.Fatalf("missing publish log: %v", h.sink.lines)
	}
}

func TestApprovalGateHoldsCandidates(t *testing.T) {
	h := newHarness(t, true, 5, 3, 4)

	if err := h.run(t, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if jobs := h.mem.JobsOfType(h.wid, models.JobPublishOne); len(jobs) != 0 {
		t.Fatalf("expected no publish jobs, got %d", len(jobs))
	}
	for _, s := range []int{3, 4} {
		if c := h.candidateByScore(t, s); c.Status != models.CandidateAwaitingApproval {
			t.Fatalf("expected awaiting_approval, got %s", c.Status)
		}
	}
	if !h.sink.has("Waiting for manual approvals.") || !h.sink.has("Pipeline start (approval_required=true)") {
		t.Fatalf("missing gate logs: %v", h.sink.lines)
	}
}

func TestAutoPublishPayloadOverridesConfig(t *testing.T) {
	h := newHarness(t, true, 5, 7)

	if err := h.run(t, map[string]any{"auto_publish": true, "model": "gpt-test"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if jobs := h.mem.JobsOfType(h.wid, models.JobPublishOne); len(jobs) != 1 {
		t.Fatalf("expected 1 publish job, got %d", len(jobs))
	}
	c := h.candidateByScore(t, 7)
	gc, err := h.mem.GetGeneratedContent(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("generated content: %v", err)
	}
	if gc.Model != "gpt-test" || c.Status != models.CandidateApproved {
		t.Fatalf("unexpected state: model=%s status=%s", gc.Model, c.Status)
	}
}

func TestNonBoolAutoPublishIsIgnored(t *testing.T) {
	h := newHarness(t, true, 5, 7)

	if err := h.run(t, map[string]any{"auto_publish": "yes"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if jobs := h.mem.JobsOfType(h.wid, models.JobPublishOne); len(jobs) != 0 {
		t.Fatalf("expected approval gate to hold, got %d jobs", len(jobs))
	}
	c := h.candidateByScore(t, 7)
	gc, _ := h.mem.GetGeneratedContent(context.Background(), c.ID)
	if gc.Model != DefaultModel {
		t.Fatalf("expected default model, got %q", gc.Model)
	}
}

func TestRerunDoesNotDuplicateCandidates(t *testing.T) {
	h := newHarness(t, true, 5, 1, 2)
	for i := 0; i < 2; i++ {
		if err := h.run(t, nil); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	list, _ := h.mem.ListCandidates(context.Background(), h.wid, 100)
	if len(list) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(list))
	}
	if !h.sink.has("Inserted 0 new candidates.") {
		t.Fatalf("second run should insert nothing: %v", h.sink.lines)
	}
}

func TestRunMissingConfig(t *testing.T) {
	mem := storetest.New()
	wid := mem.AddWorkspaceWithoutConfig()
	r := NewRunner(Deps{Store: mem})

	err := r.Run(context.Background(), models.Job{ID: 1, WorkspaceID: wid, Type: models.JobRunPipeline})
	if KindOf(err) != KindMissingConfig || err.Error() != "Missing config" {
		t.Fatalf("expected missing config, got %v", err)
	}
}

func TestRunCollectorFailures(t *testing.T) {
	h := newHarness(t, false, 5, 1)
	h.collector.err = errors.New("graph api 500")
	if err := h.run(t, nil); KindOf(err) != KindUpstreamCollectorFailure || !strings.Contains(err.Error(), "graph api 500") {
		t.Fatalf("expected collector failure, got %v", err)
	}

	h = newHarness(t, false, 5, 1)
	if _, err := h.mem.AddSourcePage(context.Background(), models.SourcePage{WorkspaceID: h.wid, Platform: models.PlatformInstagram, Handle: "x", Enabled: true}); err != nil {
		t.Fatalf("add source: %v", err)
	}
	if err := h.run(t, nil); KindOf(err) != KindUpstreamCollectorFailure {
		t.Fatalf("expected collector failure for unregistered platform, got %v", err)
	}
}

func TestPublishMissingMediaIsIsolated(t *testing.T) {
	h := newHarness(t, false, 5, 20, 10)
	h.collector.posts[0].MediaURL = ""
	ctx := context.Background()

	if err := h.run(t, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	jobs := h.mem.JobsOfType(h.wid, models.JobPublishOne)
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}

	err := h.worker.Publish(ctx, jobs[0])
	if KindOf(err) != KindMissingMedia || err.Error() != "Missing media_url (collector didn't provide media)" {
		t.Fatalf("expected missing media, got %v", err)
	}
	if c := h.candidateByScore(t, 20); c.Status != models.CandidateApproved || c.IsPosted {
		t.Fatalf("failed candidate must stay approved: %+v", c)
	}
	if err := h.worker.Publish(ctx, jobs[1]); err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if len(h.publisher.captions) != 1 {
		t.Fatalf("expected one publish, got %d", len(h.publisher.captions))
	}
}

func TestPublishNeverRepublishes(t *testing.T) {
	h := newHarness(t, false, 5, 5)
	ctx := context.Background()
	if err := h.run(t, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	job := h.mem.JobsOfType(h.wid, models.JobPublishOne)[0]

	if err := h.worker.Publish(ctx, job); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := h.worker.Publish(ctx, job); KindOf(err) != KindAlreadyPublished {
		t.Fatalf("expected already published, got %v", err)
	}
	if len(h.publisher.captions) != 1 {
		t.Fatalf("publisher called %d times", len(h.publisher.captions))
	}
}

func TestPublishFailureKeepsCandidateApproved(t *testing.T) {
	h := newHarness(t, false, 5, 5)
	h.publisher.err = errors.New("token expired")
	ctx := context.Background()
	if err := h.run(t, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	job := h.mem.JobsOfType(h.wid, models.JobPublishOne)[0]

	err := h.worker.Publish(ctx, job)
	if KindOf(err) != KindUpstreamPublisherFailure || !strings.Contains(err.Error(), "token expired") {
		t.Fatalf("expected publisher failure, got %v", err)
	}
	if c := h.candidateByScore(t, 5); c.Status != models.CandidateApproved || c.IsPosted {
		t.Fatalf("candidate changed after failed publish: %+v", c)
	}
	if _, err := os.Stat(h.fetcher.paths[0]); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("scratch file not removed after failure")
	}
}

func TestPublishLookupFailures(t *testing.T) {
	h := newHarness(t, true, 5, 5)
	ctx := context.Background()

	cases := []struct {
		name    string
		payload map[string]any
		want    ErrorKind
	}{
		{"missing id", map[string]any{}, KindCandidateNotFound},
		{"garbage id", map[string]any{"candidate_id": "abc"}, KindCandidateNotFound},
		{"unknown id", map[string]any{"candidate_id": float64(4242)}, KindCandidateNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := h.worker.Publish(ctx, models.Job{ID: 9, WorkspaceID: h.wid, Type: models.JobPublishOne, Payload: tc.payload})
			if KindOf(err) != tc.want {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
		})
	}

	if _, err := h.mem.InsertCandidates(ctx, []models.Candidate{{WorkspaceID: h.wid, Platform: models.PlatformFacebook, OriginalURL: "https://fb/x", MediaType: models.MediaPhoto}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	list, _ := h.mem.ListCandidates(ctx, h.wid, 1)
	err := h.worker.Publish(ctx, models.Job{ID: 9, WorkspaceID: h.wid, Payload: map[string]any{"candidate_id": fmt.Sprint(list[0].ID)}})
	if KindOf(err) != KindMissingGeneratedContent {
		t.Fatalf("expected missing generated content, got %v", err)
	}
}

func TestPayloadInt64(t *testing.T) {
	cases := []struct {
		in   any
		want int64
		ok   bool
	}{
		{float64(12), 12, true},
		{float64(1.5), 0, false},
		{int64(3), 3, true},
		{7, 7, true},
		{" 42 ", 42, true},
		{"x", 0, false},
		{nil, 0, false},
	}
	for _, tc := range cases {
		got, ok := payloadInt64(map[string]any{"k": tc.in}, "k")
		if got != tc.want || ok != tc.ok {
			t.Fatalf("payloadInt64(%v) = %d,%v want %d,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestStageErrorText(t *testing.T) {
	err := error(&StageError{Kind: KindUpstreamFetchFailure, Err: errors.New("404")})
	if err.Error() != "Media download failed: 404" {
		t.Fatalf("unexpected text %q", err.Error())
	}
	wrapped := fmt.Errorf("job 3: %w", err)
	if KindOf(wrapped) != KindUpstreamFetchFailure {
		t.Fatalf("kind lost through wrapping")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("plain error must have no kind")
	}
	if NewUnknownJobType("resize").Error() != "Unknown job type: resize" {
		t.Fatalf("unexpected unknown type text")
	}
}
