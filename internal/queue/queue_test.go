package queue

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"repost-pipeline/internal/models"
	"repost-pipeline/internal/store"
	"repost-pipeline/internal/storetest"
)

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingSink) Append(_ context.Context, _ int64, _ models.LogLevel, msg string, _ *int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, msg)
}

func TestEnqueueAndClaimFIFO(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	wid, _ := mem.CreateWorkspace(ctx, "ws")
	sink := &recordingSink{}
	q := New(mem, sink)

	a, err := q.Enqueue(ctx, wid, models.JobRunPipeline, nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	b, err := q.Enqueue(ctx, wid, models.JobPublishOne, map[string]any{"candidate_id": 7})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if a.Status != models.JobQueued || a.Attempts != 0 {
		t.Fatalf("unexpected new job: %+v", a)
	}
	if len(sink.lines) != 2 || !strings.HasPrefix(sink.lines[0], "Job enqueued: run_pipeline (job_id=") {
		t.Fatalf("unexpected log lines: %v", sink.lines)
	}

	for _, want := range []int64{a.ID, b.ID} {
		got, ok, err := q.ClaimNext(ctx, wid)
		if err != nil || !ok {
			t.Fatalf("claim: ok=%v err=%v", ok, err)
		}
		if got.ID != want || got.Status != models.JobRunning || got.Attempts != 1 {
			t.Fatalf("expected running job %d, got %+v", want, got)
		}
	}
	if _, ok, err := q.ClaimNext(ctx, wid); ok || err != nil {
		t.Fatalf("expected empty queue, ok=%v err=%v", ok, err)
	}
}

func TestClaimNextIsExclusive(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	wid, _ := mem.CreateWorkspace(ctx, "ws")
	q := New(mem, nil)

	const n = 50
	for i := 0; i < n; i++ {
		if _, err := q.Enqueue(ctx, wid, models.JobPublishOne, map[string]any{"candidate_id": i}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = map[int64]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok, err := q.ClaimNext(ctx, wid)
				if err != nil || !ok {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d claimed jobs, got %d", n, len(seen))
	}
	for id, c := range seen {
		if c != 1 {
			t.Fatalf("job %d claimed %d times", id, c)
		}
	}
}

func TestClaimNextScopedToWorkspace(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	w1, _ := mem.CreateWorkspace(ctx, "a")
	w2, _ := mem.CreateWorkspace(ctx, "b")
	q := New(mem, nil)

	if _, err := q.Enqueue(ctx, w1, models.JobRunPipeline, nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, _ := q.ClaimNext(ctx, w2); ok {
		t.Fatal("claimed a job of another workspace")
	}
}

func TestEnqueueRejectsUnknownType(t *testing.T) {
	q := New(storetest.New(), nil)
	if _, err := q.Enqueue(context.Background(), 1, models.JobType("resize"), nil); err == nil {
		t.Fatal("expected error for unknown job type")
	}
}

func TestClaimSkipsFutureJobs(t *testing.T) {
	ctx := context.Background()
	mem := storetest.New()
	wid, _ := mem.CreateWorkspace(ctx, "ws")
	q := New(mem, nil)

	future, err := mem.CreateJob(ctx, store.CreateJobParams{
		WorkspaceID:  wid,
		Type:         models.JobRunPipeline,
		ScheduledFor: time.Now().UTC().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, ok, err := q.ClaimNext(ctx, wid); ok || err != nil {
		t.Fatalf("future job claimed: ok=%v err=%v", ok, err)
	}
	got, _ := mem.GetJob(ctx, future.ID)
	if got.Status != models.JobQueued || got.Attempts != 0 {
		t.Fatalf("future job changed: %+v", got)
	}

	q.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	job, ok, err := q.ClaimNext(ctx, wid)
	if err != nil || !ok || job.ID != future.ID {
		t.Fatalf("expected job once due: ok=%v err=%v job=%+v", ok, err, job)
	}
}
