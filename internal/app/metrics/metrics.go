package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the engine-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	eventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "automation",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Total number of events accepted for processing.",
		},
		[]string{"type"},
	)

	eventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "automation",
			Subsystem: "events",
			Name:      "processed_total",
			Help:      "Total number of events drained from the queue.",
		},
		[]string{"status"},
	)

	eventProcessing = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "automation",
			Subsystem: "events",
			Name:      "processing_duration_seconds",
			Help:      "Time spent processing one event through the rules pipeline.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "automation",
			Subsystem: "events",
			Name:      "queue_depth",
			Help:      "Current number of events waiting in the ingestion queue.",
		},
	)

	ruleExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "automation",
			Subsystem: "rules",
			Name:      "executions_total",
			Help:      "Total number of rule executions by terminal status.",
		},
		[]string{"status"},
	)

	ruleExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "automation",
			Subsystem: "rules",
			Name:      "execution_duration_seconds",
			Help:      "Duration of rule executions.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	activeExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "automation",
			Subsystem: "rules",
			Name:      "active_executions",
			Help:      "Current number of in-flight rule executions.",
		},
	)

	actionRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "automation",
			Subsystem: "actions",
			Name:      "retries_total",
			Help:      "Total number of action retry attempts.",
		},
		[]string{"kind"},
	)

	webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "automation",
			Subsystem: "subscriptions",
			Name:      "deliveries_total",
			Help:      "Total number of subscriber webhook deliveries.",
		},
		[]string{"success"},
	)
)

func init() {
	Registry.MustRegister(
		eventsEmitted,
		eventsProcessed,
		eventProcessing,
		queueDepth,
		ruleExecutions,
		ruleExecutionDuration,
		activeExecutions,
		actionRetries,
		webhookDeliveries,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordEventEmitted counts an accepted event.
func RecordEventEmitted(eventType string) {
	if eventType == "" {
		eventType = "unknown"
	}
	eventsEmitted.WithLabelValues(eventType).Inc()
}

// RecordEventProcessed counts a drained event and its processing time.
func RecordEventProcessed(success bool, duration time.Duration) {
	status := "ok"
	if !success {
		status = "error"
	}
	eventsProcessed.WithLabelValues(status).Inc()
	if duration <= 0 {
		duration = time.Millisecond
	}
	eventProcessing.Observe(duration.Seconds())
}

// SetQueueDepth updates the ingestion queue gauge.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordRuleExecution counts a terminal rule execution.
func RecordRuleExecution(status string, duration time.Duration) {
	ruleExecutions.WithLabelValues(status).Inc()
	if duration <= 0 {
		duration = time.Millisecond
	}
	ruleExecutionDuration.Observe(duration.Seconds())
}

// SetActiveExecutions updates the in-flight execution gauge.
func SetActiveExecutions(n int) {
	activeExecutions.Set(float64(n))
}

// RecordActionRetry counts one retry attempt for an action kind.
func RecordActionRetry(kind string) {
	actionRetries.WithLabelValues(kind).Inc()
}

// RecordWebhookDelivery counts one subscriber webhook delivery.
func RecordWebhookDelivery(success bool) {
	result := "true"
	if !success {
		result = "false"
	}
	webhookDeliveries.WithLabelValues(result).Inc()
}
