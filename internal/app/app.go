// Package app assembles the store, queue, stages and processor from the
// runtime configuration. All binaries share this wiring.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"repost-pipeline/internal/capability"
	"repost-pipeline/internal/config"
	"repost-pipeline/internal/connectors/facebook"
	"repost-pipeline/internal/connectors/instagram"
	"repost-pipeline/internal/connectors/media"
	"repost-pipeline/internal/connectors/objectstore"
	"repost-pipeline/internal/connectors/openai"
	"repost-pipeline/internal/ledger"
	"repost-pipeline/internal/logsink"
	"repost-pipeline/internal/models"
	"repost-pipeline/internal/pipeline"
	"repost-pipeline/internal/queue"
	"repost-pipeline/internal/store"
	"repost-pipeline/internal/worker"
)

// App holds the wired components of one process.
type App struct {
	Config    config.Config
	Store     *store.Store
	Redis     *redis.Client
	Logs      *logsink.Sink
	Queue     *queue.Queue
	Ledger    *ledger.Ledger
	Processor *worker.Processor
}

// Options tune process-specific wiring.
type Options struct {
	WorkerID string
	// SkipRedis disables log broadcasting; lines are still stored.
	SkipRedis bool
}

// Build connects to Postgres, applies migrations and wires every stage.
func Build(ctx context.Context, cfg config.Config, log *logrus.Entry, opts Options) (*App, error) {
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	a := &App{Config: cfg, Store: st}
	if !opts.SkipRedis {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unavailable, live log broadcast disabled")
			_ = a.Redis.Close()
			a.Redis = nil
		}
	}

	var rdb redis.UniversalClient
	if a.Redis != nil {
		rdb = a.Redis
	}
	a.Logs = logsink.New(st, rdb, logsink.Config{
		ChannelPrefix: cfg.LogChannel,
		RecentMax:     cfg.LogRecentMax,
	})
	a.Queue = queue.New(st, a.Logs)
	a.Ledger = ledger.New(st, a.Queue)

	collectors, publishers, err := connectors(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	gen := openai.NewGenerator(openai.FromAppConfig(cfg))
	deps := pipeline.Deps{
		Store:        st,
		Ledger:       a.Ledger,
		Jobs:         a.Queue,
		Collectors:   collectors,
		Generator:    gen,
		Fetcher:      media.NewFetcher(media.FromAppConfig(cfg)),
		Publishers:   publishers,
		Logs:         a.Logs,
		DefaultModel: gen.Model(),
	}
	stages := worker.Stages{
		RunPipeline: pipeline.NewRunner(deps).Run,
		PublishOne:  pipeline.NewPublishWorker(deps).Publish,
	}
	a.Processor = worker.NewProcessorWithID(cfg, a.Queue, st, stages, a.Logs, opts.WorkerID)
	return a, nil
}

func connectors(ctx context.Context, cfg config.Config, log *logrus.Entry) (capability.Collectors, capability.Publishers, error) {
	var stager instagram.Stager
	objects, err := objectstore.New(ctx, objectstore.FromAppConfig(cfg))
	switch {
	case errors.Is(err, objectstore.ErrNotConfigured):
		log.Warn("media storage not configured, instagram publishing disabled")
	case err != nil:
		return nil, nil, fmt.Errorf("object storage: %w", err)
	default:
		stager = objects
	}

	ig := instagram.New(instagram.FromAppConfig(cfg), stager)
	fb := facebook.New(facebook.FromAppConfig(cfg))
	collectors := capability.Collectors{
		models.PlatformInstagram: ig,
		models.PlatformFacebook:  fb,
	}
	publishers := capability.Publishers{
		models.PlatformInstagram: ig,
		models.PlatformFacebook:  fb,
	}
	return collectors, publishers, nil
}

// Close flushes pending log broadcasts and releases connections.
func (a *App) Close() {
	if a.Logs != nil {
		a.Logs.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
