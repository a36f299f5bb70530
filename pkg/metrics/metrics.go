package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archiver_jobs_processed_total",
			Help: "Total number of ticket jobs archived successfully",
		},
	)

	JobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_jobs_failed_total",
			Help: "Total number of failed ticket jobs by error code and class",
		},
		[]string{"code", "class"},
	)

	JobsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_jobs_skipped_total",
			Help: "Total number of skipped ticket jobs by reason",
		},
		[]string{"reason"},
	)

	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "archiver_jobs_in_flight",
			Help: "Number of ticket jobs currently being processed",
		},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archiver_job_duration_seconds",
			Help:    "End-to-end ticket job duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archiver_stage_duration_seconds",
			Help:    "Per-stage job duration in seconds (fetch, render, sign, store)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	PDFBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archiver_pdf_bytes",
			Help:    "Size of archived PDF documents in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	// Ingress metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archiver_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	WebhookRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_webhook_rejected_total",
			Help: "Total number of rejected webhook deliveries by reason",
		},
		[]string{"reason"},
	)

	// Upstream metrics
	TMSRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_tms_requests_total",
			Help: "Total number of upstream ticket system requests by operation and status",
		},
		[]string{"operation", "status"},
	)

	TSARequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archiver_tsa_requests_total",
			Help: "Total number of timestamp authority requests by outcome",
		},
		[]string{"outcome"},
	)

	// Queue metrics
	QueueEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archiver_queue_enqueued_total",
			Help: "Total number of jobs enqueued to the work queue",
		},
	)

	QueueRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archiver_queue_retries_total",
			Help: "Total number of queue jobs re-enqueued after a transient failure",
		},
	)

	QueueDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "archiver_queue_dead_lettered_total",
			Help: "Total number of queue jobs moved to the dead-letter stream",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "archiver_queue_depth",
			Help: "Number of jobs waiting in the in-process queue",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsProcessed)
	prometheus.MustRegister(JobsFailed)
	prometheus.MustRegister(JobsSkipped)
	prometheus.MustRegister(JobsInFlight)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(PDFBytes)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(WebhookRejected)
	prometheus.MustRegister(TMSRequests)
	prometheus.MustRegister(TSARequests)
	prometheus.MustRegister(QueueEnqueued)
	prometheus.MustRegister(QueueRetries)
	prometheus.MustRegister(QueueDeadLettered)
	prometheus.MustRegister(QueueDepth)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
