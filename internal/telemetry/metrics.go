package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "parse_jobs_submitted_total", Help: "Parse jobs submitted"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "parse_jobs_completed_total", Help: "Parse jobs completed successfully"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "parse_jobs_failed_total", Help: "Parse jobs failed by error kind"}, []string{"kind"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "parse_jobs_retried_total", Help: "Parse jobs rescheduled for another attempt"})
	JobDuration      = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "parse_job_duration_seconds", Help: "Parse pipeline duration", Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60}})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "parse_queue_depth", Help: "Waiting parse jobs"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "parse_jobs_inflight", Help: "Parse jobs currently executing"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "parse_rate_limit_rejects_total", Help: "Submissions rejected by the per-user limiter"})
	FetchAttempts    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "fetch_attempts_total", Help: "Page fetch attempts by backend and outcome"}, []string{"backend", "outcome"})
	AIEscalations    = prometheus.NewCounter(prometheus.CounterOpts{Name: "extract_ai_escalations_total", Help: "Generic extractions escalated to the AI pass"})
	PriceChecks      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "price_checks_total", Help: "Price checks by outcome"}, []string{"outcome"})
	PriceDrops       = prometheus.NewCounter(prometheus.CounterOpts{Name: "price_drops_total", Help: "Price drop events emitted"})
	NotificationsOut = prometheus.NewCounter(prometheus.CounterOpts{Name: "price_drop_notifications_total", Help: "Per-follower price drop notifications recorded"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			JobsRetried,
			JobDuration,
			QueueDepthGauge,
			InFlightGauge,
			RateLimitRejects,
			FetchAttempts,
			AIEscalations,
			PriceChecks,
			PriceDrops,
			NotificationsOut,
		)
	})
	return promhttp.Handler()
}
