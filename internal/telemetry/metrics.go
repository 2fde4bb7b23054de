package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	SubmittedCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_submitted_total", Help: "Jobs accepted and enqueued"})
	DedupedCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_deduplicated_total", Help: "Submissions resolved to an existing job via idempotency"})
	EnqueueFailures  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueue_failures_total", Help: "Enqueue failures by error code"}, []string{"code"})
	ConsumeSuccess   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_succeeded_total", Help: "Jobs completed successfully"})
	ConsumeFailures  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Job attempts that failed, by error code"}, []string{"code"})
	DeadLetterTotal  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_dead_letter_total", Help: "Jobs moved to the dead-letter queue"})
	DuplicateDrops   = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_duplicate_drops_total", Help: "Redeliveries dropped because the job already settled"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Messages waiting in the ready queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Messages currently leased to consumers"})
	HandlerDuration  = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobs_handler_duration_seconds",
		Help:    "Business handler execution time",
		Buckets: prometheus.DefBuckets,
	}, []string{"job_type"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			SubmittedCounter,
			DedupedCounter,
			EnqueueFailures,
			ConsumeSuccess,
			ConsumeFailures,
			DeadLetterTotal,
			DuplicateDrops,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			HandlerDuration,
		)
	})
	return promhttp.Handler()
}
