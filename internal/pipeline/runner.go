package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"repost-pipeline/internal/capability"
	"repost-pipeline/internal/logger"
	"repost-pipeline/internal/models"
	"repost-pipeline/internal/store"
)

// DefaultModel is recorded on generated content when neither the job nor
// the deployment names a model.
const DefaultModel = "gpt-5-mini"

// Runner executes run_pipeline jobs.
type Runner struct {
	deps Deps
}

func NewRunner(d Deps) *Runner {
	if d.DefaultModel == "" {
		d.DefaultModel = DefaultModel
	}
	return &Runner{deps: d}
}

// Run collects from every enabled source, ingests the posts, selects the top
// candidates, generates copy for each and, unless approval is required,
// enqueues one publish_one job per approved candidate.
func (r *Runner) Run(ctx context.Context, job models.Job) error {
	wid := job.WorkspaceID
	jobID := job.ID
	logs := r.deps.logs()
	info := func(level models.LogLevel, format string, args ...any) {
		logs.Append(ctx, wid, level, fmt.Sprintf(format, args...), &jobID)
	}

	cfg, err := r.deps.Store.GetWorkspaceConfig(ctx, wid)
	if errors.Is(err, store.ErrNotFound) {
		return stageErr(KindMissingConfig, nil)
	}
	if err != nil {
		return stageErr(KindStoreFailure, err)
	}

	approvalRequired := cfg.ApprovalRequired
	if auto, ok := job.Payload["auto_publish"].(bool); ok {
		approvalRequired = !auto
	}
	model := r.deps.DefaultModel
	if m, ok := job.Payload["model"].(string); ok && strings.TrimSpace(m) != "" {
		model = strings.TrimSpace(m)
	}

	info(models.LogInfo, "Pipeline start (approval_required=%t)", approvalRequired)

	sources, err := r.deps.Store.ListEnabledSources(ctx, wid)
	if err != nil {
		return stageErr(KindStoreFailure, err)
	}
	info(models.LogInfo, "Collecting from %d sources...", len(sources))

	var collected []capability.RawPost
	for _, src := range sources {
		posts, err := r.collect(ctx, src, cfg.MaxCandidates)
		if err != nil {
			return err
		}
		collected = append(collected, posts...)
	}
	info(models.LogInfo, "Collected %d posts.", len(collected))

	inserted, err := r.deps.Ledger.Ingest(ctx, wid, collected)
	if err != nil {
		return stageErr(KindStoreFailure, err)
	}
	info(models.LogSuccess, "Inserted %d new candidates.", inserted)

	selected, err := r.deps.Ledger.Select(ctx, wid, cfg.PickTopN)
	if err != nil {
		return stageErr(KindStoreFailure, err)
	}
	info(models.LogInfo, "Selected top %d candidates.", len(selected))

	next := models.CandidateApproved
	if approvalRequired {
		next = models.CandidateAwaitingApproval
	}
	for _, c := range selected {
		info(models.LogInfo, "Generating content for candidate %d...", c.ID)
		gen, err := r.deps.Generator.Generate(ctx, c.Caption(), c.MediaType)
		if err != nil {
			return stageErr(KindUpstreamGeneratorFailure, err)
		}
		gc := models.GeneratedContent{
			CandidateID: c.ID,
			Title:       gen.Title,
			Caption:     gen.Caption,
			Hashtags:    gen.Hashtags,
			Model:       model,
		}
		if err := r.deps.Store.SaveGeneratedContent(ctx, gc, next); err != nil {
			return stageErr(KindStoreFailure, err)
		}
	}
	info(models.LogSuccess, "Generation done.")

	if approvalRequired {
		info(models.LogInfo, "Waiting for manual approvals.")
		return nil
	}

	approved, err := r.deps.Store.ListApprovedUnposted(ctx, wid)
	if err != nil {
		return stageErr(KindStoreFailure, err)
	}
	for _, c := range approved {
		if _, err := r.deps.Jobs.Enqueue(ctx, wid, models.JobPublishOne, map[string]any{"candidate_id": c.ID}); err != nil {
			return stageErr(KindStoreFailure, err)
		}
	}
	logger.FromContext(ctx).WithField(logger.FieldWorkspaceID, wid).
		Debugf("pipeline enqueued %d publish jobs", len(approved))
	return nil
}

func (r *Runner) collect(ctx context.Context, src models.SourcePage, limit int) ([]capability.RawPost, error) {
	collector, ok := r.deps.Collectors[src.Platform]
	if !ok || collector == nil {
		return nil, stageErrf(KindUpstreamCollectorFailure, "No collector for platform %s", src.Platform)
	}
	posts, err := collector.Collect(ctx, src.Handle, limit)
	if err != nil {
		return nil, &StageError{
			Kind:    KindUpstreamCollectorFailure,
			Message: fmt.Sprintf("Collecting %s/%s failed", src.Platform, src.Handle),
			Err:     err,
		}
	}
	for i := range posts {
		if posts[i].Platform == "" {
			posts[i].Platform = src.Platform
		}
	}
	return posts, nil
}
