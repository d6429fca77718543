package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "chatwire",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// WebhookEventsTotal counts webhook change events received, by change field.
var WebhookEventsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "chatwire",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Webhook change events received, by change field.",
	},
	[]string{"field"},
)

// MessagesIngestedTotal counts messages persisted by the ingestion pipeline.
var MessagesIngestedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "chatwire",
		Subsystem: "webhook",
		Name:      "messages_ingested_total",
		Help:      "Messages persisted to both read-models.",
	},
	[]string{"direction"},
)

// DuplicateMessagesTotal counts inbound messages dropped as duplicates.
var DuplicateMessagesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "chatwire",
		Subsystem: "webhook",
		Name:      "duplicate_messages_total",
		Help:      "Inbound messages dropped because their message id was already stored.",
	},
)

// ProvisionPollAttemptsTotal counts discovery calls made by the provisioning poller.
var ProvisionPollAttemptsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "chatwire",
		Subsystem: "provision",
		Name:      "poll_attempts_total",
		Help:      "Discovery attempts made while waiting for WABA provisioning.",
	},
)

// ConnectOutcomesTotal counts OAuth callback outcomes by resulting status.
var ConnectOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "chatwire",
		Subsystem: "connect",
		Name:      "outcomes_total",
		Help:      "OAuth callback outcomes by resulting connection status.",
	},
	[]string{"status"},
)

// NewMetricsRegistry creates a Prometheus registry with default and custom collectors.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
		WebhookEventsTotal,
		MessagesIngestedTotal,
		DuplicateMessagesTotal,
		ProvisionPollAttemptsTotal,
		ConnectOutcomesTotal,
	)
	return reg
}
