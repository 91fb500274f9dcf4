package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "repost-pipeline/internal/api"
	"repost-pipeline/internal/app"
	"repost-pipeline/internal/config"
	"repost-pipeline/internal/logger"
	"repost-pipeline/internal/ratelimit"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, cfg.LogFormat, "api", nil)
	logger.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	a, err := app.Build(ctx, cfg, log, app.Options{})
	if err != nil {
		log.WithError(err).Fatal("startup")
	}
	defer a.Close()

	opts := []api.Option{api.WithLiveLogs(a.Logs)}
	if a.Redis != nil {
		opts = append(opts, api.WithLimiter(ratelimit.NewTokenBucket(a.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)))
	}
	server := api.New(cfg, a.Store, a.Queue, a.Ledger, a.Processor, opts...)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
