// Package metrics provides Prometheus metrics for the pipeline (RED for the
// HTTP surface plus per-stage counters for webhook ingest, jobs, the
// credential broker, the model call, and chat delivery).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "prsentry"

var (
	// HTTPRequestTotal counts requests by method, path, status (RED: rate).
	HTTPRequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method, path, and status.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDurationSeconds is request latency histogram (RED: duration).
	HTTPRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.5, 10), // 1ms to ~9.3s
		},
		[]string{"method", "path"},
	)

	// WebhookEventsTotal counts received platform webhook events by
	// event.action and outcome (handled | ignored | rejected | error).
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Platform webhook deliveries by event, action, and outcome.",
		},
		[]string{"event", "action", "outcome"},
	)

	// JobsProcessedTotal counts finished jobs by queue and result
	// (ok | retried | dead).
	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_processed_total",
			Help:      "Queue jobs by queue name and terminal result.",
		},
		[]string{"queue", "result"},
	)

	// JobDurationSeconds is job handler latency by queue.
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job handler duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2.5, 10),
		},
		[]string{"queue"},
	)

	// InstallationTokensMintedTotal counts installation token mints by
	// result (ok | denied | error). Cache hits are not counted.
	InstallationTokensMintedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "installation_tokens_minted_total",
			Help:      "Installation access tokens minted against the platform API.",
		},
		[]string{"result"},
	)

	// ModelCallsTotal counts generative model invocations by result
	// (ok | error).
	ModelCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Generative model calls by result.",
		},
		[]string{"result"},
	)

	// ChatNotificationsTotal counts chat deliveries by result
	// (ok | failed | skipped).
	ChatNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_notifications_total",
			Help:      "Chat webhook deliveries by result.",
		},
		[]string{"result"},
	)
)
