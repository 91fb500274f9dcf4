package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"repost-pipeline/internal/logger"
	"repost-pipeline/internal/models"
	"repost-pipeline/internal/store"
	"repost-pipeline/internal/telemetry"
)

// PublishWorker executes publish_one jobs.
type PublishWorker struct {
	deps Deps
}

func NewPublishWorker(d Deps) *PublishWorker {
	return &PublishWorker{deps: d}
}

// Publish posts the candidate named by payload.candidate_id to the platform
// it was collected from. A candidate is published at most once; on any
// failure it keeps its current status.
func (w *PublishWorker) Publish(ctx context.Context, job models.Job) error {
	wid := job.WorkspaceID
	jobID := job.ID
	logs := w.deps.logs()

	cid, ok := payloadInt64(job.Payload, "candidate_id")
	if !ok {
		return stageErrf(KindCandidateNotFound, "Candidate not found (invalid candidate_id %v)", job.Payload["candidate_id"])
	}
	c, err := w.deps.Store.GetCandidate(ctx, wid, cid)
	if errors.Is(err, store.ErrNotFound) {
		return stageErr(KindCandidateNotFound, nil)
	}
	if err != nil {
		return stageErr(KindStoreFailure, err)
	}
	if c.IsPosted {
		return stageErr(KindAlreadyPublished, nil)
	}

	gen, err := w.deps.Store.GetGeneratedContent(ctx, cid)
	if errors.Is(err, store.ErrNotFound) {
		return stageErr(KindMissingGeneratedContent, nil)
	}
	if err != nil {
		return stageErr(KindStoreFailure, err)
	}
	caption := gen.FinalCaption()

	if c.MediaURL == nil || *c.MediaURL == "" {
		return stageErr(KindMissingMedia, nil)
	}

	logs.Append(ctx, wid, models.LogInfo, fmt.Sprintf("Downloading media for candidate %d...", cid), &jobID)
	media, err := w.deps.Fetcher.Fetch(ctx, *c.MediaURL, c.MediaType)
	if err != nil {
		return stageErr(KindUpstreamFetchFailure, err)
	}
	defer func() {
		if err := os.Remove(media.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.FromContext(ctx).WithError(err).Warn("remove scratch media")
		}
	}()

	logs.Append(ctx, wid, models.LogInfo, fmt.Sprintf("Publishing candidate %d to %s...", cid, c.Platform), &jobID)
	publisher, ok := w.deps.Publishers[c.Platform]
	if !ok || publisher == nil {
		return stageErrf(KindUpstreamPublisherFailure, "No publisher for platform %s", c.Platform)
	}
	receipt, err := publisher.Publish(ctx, media, caption)
	if err != nil {
		return stageErr(KindUpstreamPublisherFailure, err)
	}

	result := models.PublishResult{
		JobID:    jobID,
		Platform: c.Platform,
		Success:  true,
	}
	if receipt.RemotePostID != "" {
		result.RemotePostID = &receipt.RemotePostID
	}
	if receipt.RemoteURL != "" {
		result.RemoteURL = &receipt.RemoteURL
	}
	if _, err := w.deps.Store.RecordPublish(ctx, cid, result); err != nil {
		if errors.Is(err, store.ErrAlreadyPosted) {
			return stageErr(KindAlreadyPublished, err)
		}
		return stageErr(KindStoreFailure, err)
	}
	telemetry.Published.WithLabelValues(string(c.Platform)).Inc()
	logs.Append(ctx, wid, models.LogSuccess, fmt.Sprintf("Published candidate %d.", cid), &jobID)
	return nil
}
