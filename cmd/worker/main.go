package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"repost-pipeline/internal/app"
	"repost-pipeline/internal/config"
	"repost-pipeline/internal/logger"
	"repost-pipeline/internal/telemetry"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.LogFormat, "worker", nil)

	// Worker ID from env, else hostname, else a random one
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		if hostname, _ := os.Hostname(); hostname != "" {
			workerID = hostname + "-" + uuid.NewString()[:8]
		} else {
			workerID = "worker-" + uuid.NewString()
		}
	}
	log = log.WithField("worker_id", workerID)
	logger.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	a, err := app.Build(ctx, cfg, log, app.Options{WorkerID: workerID})
	if err != nil {
		log.WithError(err).Fatal("startup")
	}
	defer a.Close()

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	defer metrics.Close()

	log.WithFields(logger.Fields{
		"poll_interval": cfg.WorkerPollInterval.String(),
		"batch":         cfg.TickBatchSize,
	}).Info("worker started")
	if err := a.Processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("worker stopped")
	}
}
