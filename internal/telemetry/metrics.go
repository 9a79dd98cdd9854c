package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scrape_sessions_total", Help: "Completed scrape sessions by trigger kind"},
		[]string{"trigger"},
	)
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_jobs_succeeded_total", Help: "Jobs that fetched and parsed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_jobs_failed_total", Help: "Jobs that exhausted retries or hit a permanent error"})
	CommitFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_commit_failures_total", Help: "Per-ticker store write failures during commit"})
	ManualRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_manual_rejects_total", Help: "Manual triggers rejected because a run was in progress"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "scrape_rate_limit_rejects_total", Help: "Manual triggers rejected by the rate limiter"})
	InFlightJobs     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scrape_jobs_inflight", Help: "Jobs currently running"})
	LastSuccessUnix  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scrape_last_success_timestamp_seconds", Help: "Unix time of the most recent successful commit"})
	SessionDuration  = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scrape_session_duration_seconds",
		Help:    "Wall time of a full session, lock acquire to release",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

// Handler exposes /metrics with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SessionsTotal,
			JobsSucceeded,
			JobsFailed,
			CommitFailures,
			ManualRejects,
			RateLimitRejects,
			InFlightJobs,
			LastSuccessUnix,
			SessionDuration,
		)
	})
	return promhttp.Handler()
}
