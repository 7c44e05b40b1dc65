package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	DocumentsUploaded  = prometheus.NewCounter(prometheus.CounterOpts{Name: "documents_uploaded_total", Help: "Documents accepted by the upload endpoint"})
	EnqueueCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_enqueued_total", Help: "Total enqueued tasks"}, []string{"task"})
	RateLimitRejects   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Requests rejected by rate limiter"}, []string{"limiter"})
	WorkerSuccess      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_completed_total", Help: "Tasks completed successfully"}, []string{"task"})
	WorkerFailures     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_failed_total", Help: "Tasks that failed and will retry"}, []string{"task"})
	WorkerDeadLetter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "tasks_dead_letter_total", Help: "Tasks moved to DLQ"}, []string{"task"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_inflight", Help: "Tasks currently leased"})
	StageDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "pipeline_stage_duration_seconds", Help: "Stage envelope duration including retries", Buckets: prometheus.ExponentialBuckets(0.01, 2, 14)}, []string{"stage", "status"})
	StageRetries       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_stage_retries_total", Help: "Stage attempts retried by the envelope"}, []string{"stage"})
	PipelineOutcomes   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_jobs_total", Help: "Pipeline executions by terminal outcome"}, []string{"outcome"})
	RecoveredDocuments = prometheus.NewCounter(prometheus.CounterOpts{Name: "recovery_requeued_total", Help: "Documents re-enqueued by the recovery monitor"})
	RecoveryScanErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "recovery_scan_errors_total", Help: "Malformed records skipped during recovery scans"})
	WebhookDeliveries  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by outcome"}, []string{"status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			DocumentsUploaded,
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			StageDuration,
			StageRetries,
			PipelineOutcomes,
			RecoveredDocuments,
			RecoveryScanErrors,
			WebhookDeliveries,
		)
	})
	return promhttp.Handler()
}
