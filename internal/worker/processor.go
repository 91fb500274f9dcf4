package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"repost-pipeline/internal/capability"
	"repost-pipeline/internal/config"
	"repost-pipeline/internal/logger"
	"repost-pipeline/internal/models"
	"repost-pipeline/internal/pipeline"
	"repost-pipeline/internal/telemetry"
)

const outcomeTimeout = 10 * time.Second

// Stage executes one claimed job.
type Stage func(ctx context.Context, job models.Job) error

// Stages binds each job type to its implementation.
type Stages struct {
	RunPipeline Stage
	PublishOne  Stage
}

// Claimer hands out the next queued job of a workspace.
type Claimer interface {
	ClaimNext(ctx context.Context, workspaceID int64) (models.Job, bool, error)
}

// JobStore records job outcomes and enumerates workspaces.
type JobStore interface {
	CompleteJob(ctx context.Context, id int64) error
	FailJob(ctx context.Context, id int64, lastError string) error
	ListWorkspaceIDs(ctx context.Context) ([]int64, error)
}

// Processor executes claimed jobs and drives periodic ticks.
type Processor struct {
	queue        Claimer
	store        JobStore
	stages       Stages
	logs         capability.LogSink
	batchSize    int
	pollInterval time.Duration
	workerID     string
}

func NewProcessor(cfg config.Config, q Claimer, st JobStore, stages Stages, logs capability.LogSink) *Processor {
	return NewProcessorWithID(cfg, q, st, stages, logs, "")
}

// NewProcessorWithID creates a processor whose process logs carry workerID.
func NewProcessorWithID(cfg config.Config, q Claimer, st JobStore, stages Stages, logs capability.LogSink, workerID string) *Processor {
	if logs == nil {
		logs = capability.NopSink{}
	}
	batch := cfg.TickBatchSize
	if batch <= 0 {
		batch = 5
	}
	interval := cfg.WorkerPollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Processor{
		queue:        q,
		store:        st,
		stages:       stages,
		logs:         logs,
		batchSize:    batch,
		pollInterval: interval,
		workerID:     workerID,
	}
}

func (p *Processor) log(ctx context.Context, job models.Job) *logrus.Entry {
	entry := logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldJobID:       job.ID,
		logger.FieldJobType:     string(job.Type),
		logger.FieldWorkspaceID: job.WorkspaceID,
	})
	if p.workerID != "" {
		entry = entry.WithField("worker_id", p.workerID)
	}
	return entry
}

// Execute runs a claimed job to completion and records the outcome: done on
// success, failed with last_error otherwise. Failed jobs are not retried.
// The stage error, if any, is returned for display.
func (p *Processor) Execute(ctx context.Context, job models.Job) error {
	start := time.Now()
	stageErr := p.dispatch(ctx, job)
	telemetry.JobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())

	// Outcome writes outlive a cancelled stage context.
	octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
	defer cancel()

	log := p.log(ctx, job)
	if stageErr == nil {
		if err := p.store.CompleteJob(octx, job.ID); err != nil {
			log.WithError(err).Error("mark job done")
			return nil
		}
		telemetry.JobsDone.WithLabelValues(string(job.Type)).Inc()
		p.logs.Append(octx, job.WorkspaceID, models.LogSuccess, fmt.Sprintf("Job done: %s (job_id=%d)", job.Type, job.ID), &job.ID)
		log.Info("job done")
		return nil
	}

	msg := stageErr.Error()
	if err := p.store.FailJob(octx, job.ID, msg); err != nil {
		log.WithError(err).Error("mark job failed")
	}
	telemetry.JobsFailed.WithLabelValues(string(job.Type)).Inc()
	p.logs.Append(octx, job.WorkspaceID, models.LogError, fmt.Sprintf("Job failed: %s (job_id=%d) :: %s", job.Type, job.ID, msg), &job.ID)
	log.WithField("kind", string(pipeline.KindOf(stageErr))).WithError(stageErr).Warn("job failed")
	return stageErr
}

func (p *Processor) dispatch(ctx context.Context, job models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log(ctx, job).WithField("stack", string(debug.Stack())).Error("stage panicked")
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	var stage Stage
	switch job.Type {
	case models.JobRunPipeline:
		stage = p.stages.RunPipeline
	case models.JobPublishOne:
		stage = p.stages.PublishOne
	default:
		return pipeline.NewUnknownJobType(string(job.Type))
	}
	if stage == nil {
		return pipeline.NewUnknownJobType(string(job.Type))
	}
	return stage(ctx, job)
}

// TickResult summarises one tick.
type TickResult struct {
	Workspaces int `json:"workspaces"`
	Processed  int `json:"processed"`
	Failed     int `json:"failed"`
}

// Tick claims and executes up to the batch size of jobs for every workspace.
// A claim error skips the rest of that workspace only.
func (p *Processor) Tick(ctx context.Context) (TickResult, error) {
	ids, err := p.store.ListWorkspaceIDs(ctx)
	if err != nil {
		return TickResult{}, fmt.Errorf("list workspaces: %w", err)
	}
	res := TickResult{Workspaces: len(ids)}
	for _, wid := range ids {
		for i := 0; i < p.batchSize; i++ {
			if err := ctx.Err(); err != nil {
				telemetry.TickProcessed.Set(float64(res.Processed))
				return res, err
			}
			job, ok, err := p.queue.ClaimNext(ctx, wid)
			if err != nil {
				logger.FromContext(ctx).WithField(logger.FieldWorkspaceID, wid).WithError(err).Error("claim job")
				break
			}
			if !ok {
				break
			}
			res.Processed++
			if stageErr := p.Execute(ctx, job); stageErr != nil {
				res.Failed++
			}
		}
	}
	telemetry.TickProcessed.Set(float64(res.Processed))
	return res, nil
}

// Run ticks immediately and then every poll interval until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		res, err := p.Tick(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.FromContext(ctx).WithError(err).Error("tick failed")
		} else if res.Processed > 0 {
			logger.FromContext(ctx).WithFields(logger.Fields{
				"processed": res.Processed,
				"failed":    res.Failed,
			}).Info("tick complete")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
