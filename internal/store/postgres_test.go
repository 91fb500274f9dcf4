package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"repost-pipeline/internal/models"
)

// openTestStore connects to TEST_POSTGRES_DSN and skips when it is unset.
func openTestStore(t *testing.T) (*Store, int64) {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	st, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	wid, err := st.CreateWorkspace(ctx, t.Name())
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	return st, wid
}

func TestClaimNextJobFIFOAndExclusive(t *testing.T) {
	st, wid := openTestStore(t)
	ctx := context.Background()

	const n = 20
	var created []int64
	for i := 0; i < n; i++ {
		job, err := st.CreateJob(ctx, CreateJobParams{WorkspaceID: wid, Type: models.JobPublishOne, Payload: map[string]any{"candidate_id": i}})
		if err != nil {
			t.Fatalf("create job: %v", err)
		}
		created = append(created, job.ID)
	}

	first, ok, err := st.ClaimNextJob(ctx, wid, time.Now())
	if err != nil || !ok {
		t.Fatalf("claim first: ok=%v err=%v", ok, err)
	}
	if first.ID != created[0] {
		t.Fatalf("expected FIFO claim of %d, got %d", created[0], first.ID)
	}
	if first.Status != models.JobRunning || first.Attempts != 1 {
		t.Fatalf("unexpected claimed job state: %+v", first)
	}

	var (
		mu   sync.Mutex
		seen = map[int64]int{first.ID: 1}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok, err := st.ClaimNextJob(ctx, wid, time.Now())
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if !ok {
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
		t.Fatalf("expected %d distinct claims, got %d", n, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("job %d claimed %d times", id, count)
		}
	}
}

func TestFinishJobRejectsTerminalTransition(t *testing.T) {
	st, wid := openTestStore(t)
	ctx := context.Background()

	job, err := st.CreateJob(ctx, CreateJobParams{WorkspaceID: wid, Type: models.JobRunPipeline})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := st.CompleteJob(ctx, job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for queued job, got %v", err)
	}
	if _, _, err := st.ClaimNextJob(ctx, wid, time.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := st.FailJob(ctx, job.ID, "boom"); err != nil {
		t.Fatalf("fail job: %v", err)
	}
	if err := st.CompleteJob(ctx, job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected failed job to stay failed, got %v", err)
	}
	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.JobFailed || got.LastError == nil || *got.LastError != "boom" {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestInsertCandidatesIsIdempotent(t *testing.T) {
	st, wid := openTestStore(t)
	ctx := context.Background()

	c := models.Candidate{WorkspaceID: wid, Platform: models.PlatformInstagram, OriginalURL: "https://x/p/1", MediaType: models.MediaPhoto, EngagementScore: 3}
	for i := 0; i < 2; i++ {
		if _, err := st.InsertCandidates(ctx, []models.Candidate{c}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	list, err := st.ListCandidates(ctx, wid, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected exactly one candidate, got %d", len(list))
	}
}

func TestSelectCandidatesOrderAndPostedGuard(t *testing.T) {
	st, wid := openTestStore(t)
	ctx := context.Background()

	var batch []models.Candidate
	for i, score := range []int{10, 30, 30, 5, 20} {
		batch = append(batch, models.Candidate{
			WorkspaceID: wid, Platform: models.PlatformFacebook, MediaType: models.MediaPhoto,
			OriginalURL: fmt.Sprintf("https://fb/p/%d", i), EngagementScore: score,
		})
	}
	if n, err := st.InsertCandidates(ctx, batch); err != nil || n != 5 {
		t.Fatalf("insert: n=%d err=%v", n, err)
	}

	picked, err := st.SelectCandidates(ctx, wid, 3)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(picked) != 3 {
		t.Fatalf("expected 3 picked, got %d", len(picked))
	}
	if picked[0].EngagementScore != 30 || picked[1].EngagementScore != 30 || picked[2].EngagementScore != 20 {
		t.Fatalf("unexpected order: %d %d %d", picked[0].EngagementScore, picked[1].EngagementScore, picked[2].EngagementScore)
	}
	if picked[0].ID > picked[1].ID {
		t.Fatalf("tie not broken by id ascending")
	}

	// Publish the top candidate and make sure selection never returns it again.
	job, err := st.CreateJob(ctx, CreateJobParams{WorkspaceID: wid, Type: models.JobPublishOne})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := st.RecordPublish(ctx, picked[0].ID, models.PublishResult{JobID: job.ID, Platform: models.PlatformFacebook, Success: true}); err != nil {
		t.Fatalf("record publish: %v", err)
	}
	if _, err := st.RecordPublish(ctx, picked[0].ID, models.PublishResult{JobID: job.ID, Platform: models.PlatformFacebook, Success: true}); !errors.Is(err, ErrAlreadyPosted) {
		t.Fatalf("expected ErrAlreadyPosted, got %v", err)
	}
	again, err := st.SelectCandidates(ctx, wid, 5)
	if err != nil {
		t.Fatalf("select again: %v", err)
	}
	for _, c := range again {
		if c.ID == picked[0].ID {
			t.Fatalf("posted candidate %d selected again", c.ID)
		}
	}
}

func TestGeneratedContentUpsert(t *testing.T) {
	st, wid := openTestStore(t)
	ctx := context.Background()

	if _, err := st.InsertCandidates(ctx, []models.Candidate{{WorkspaceID: wid, Platform: models.PlatformInstagram, OriginalURL: "https://ig/p/gen", MediaType: models.MediaVideo}}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	list, _ := st.ListCandidates(ctx, wid, 1)
	cid := list[0].ID

	for _, title := range []string{"first", "second"} {
		gc := models.GeneratedContent{CandidateID: cid, Title: title, Caption: "c", Hashtags: []string{"#a"}, Model: "m"}
		if err := st.SaveGeneratedContent(ctx, gc, models.CandidateAwaitingApproval); err != nil {
			t.Fatalf("save generated: %v", err)
		}
	}
	gc, err := st.GetGeneratedContent(ctx, cid)
	if err != nil {
		t.Fatalf("get generated: %v", err)
	}
	if gc.Title != "second" || len(gc.Hashtags) != 1 {
		t.Fatalf("expected overwrite, got %+v", gc)
	}
	c, _ := st.GetCandidate(ctx, wid, cid)
	if c.Status != models.CandidateAwaitingApproval {
		t.Fatalf("unexpected status %s", c.Status)
	}
	if _, err := st.GetCandidate(ctx, wid+1000000, cid); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for other workspace, got %v", err)
	}
}

func TestClaimNextJobSkipsFutureJobs(t *testing.T) {
	st, wid := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	job, err := st.CreateJob(ctx, CreateJobParams{WorkspaceID: wid, Type: models.JobRunPipeline, ScheduledFor: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, ok, err := st.ClaimNextJob(ctx, wid, now); ok || err != nil {
		t.Fatalf("future job claimed: ok=%v err=%v", ok, err)
	}
	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.JobQueued || got.Attempts != 0 {
		t.Fatalf("future job changed: %+v", got)
	}
	claimed, ok, err := st.ClaimNextJob(ctx, wid, now.Add(2*time.Hour))
	if err != nil || !ok || claimed.ID != job.ID {
		t.Fatalf("expected job once due: ok=%v err=%v", ok, err)
	}
}
