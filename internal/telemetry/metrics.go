package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_enqueued_total", Help: "Jobs enqueued by type"}, []string{"type"})
	JobsClaimed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_claimed_total", Help: "Jobs claimed by a worker"})
	JobsDone           = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_done_total", Help: "Jobs completed successfully"}, []string{"type"})
	JobsFailed         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_failed_total", Help: "Jobs that failed"}, []string{"type"})
	JobDuration        = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "pipeline_job_duration_seconds", Help: "Stage execution time", Buckets: prometheus.ExponentialBuckets(0.05, 2, 12)}, []string{"type"})
	CandidatesIngested = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_candidates_ingested_total", Help: "New candidates inserted by collection"})
	Published          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_publish_total", Help: "Candidates published by platform"}, []string{"platform"})
	BroadcastDropped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_log_broadcast_dropped_total", Help: "Log events not broadcast because the buffer was full"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	TickProcessed      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_tick_processed", Help: "Jobs processed by the last tick"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			JobsDone,
			JobsFailed,
			JobDuration,
			CandidatesIngested,
			Published,
			BroadcastDropped,
			RateLimitRejects,
			TickProcessed,
		)
	})
	return promhttp.Handler()
}
