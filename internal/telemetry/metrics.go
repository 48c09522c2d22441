package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var InvocationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "isamcp",
		Subsystem: "dispatch",
		Name:      "invocations_total",
		Help:      "Total number of capability invocations by kind and outcome.",
	},
	[]string{"kind", "outcome"},
)

var InvocationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "isamcp",
		Subsystem: "dispatch",
		Name:      "invocation_duration_seconds",
		Help:      "Capability invocation duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"kind"},
)

var DispatchOverloadedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "isamcp",
		Subsystem: "dispatch",
		Name:      "overloaded_total",
		Help:      "Total number of invocations rejected because a dispatch queue was full.",
	},
)

var RegistryCapabilities = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "isamcp",
		Subsystem: "registry",
		Name:      "capabilities",
		Help:      "Number of registered capabilities by kind.",
	},
	[]string{"kind"},
)

var DiscoveryRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "isamcp",
		Subsystem: "discovery",
		Name:      "runs_total",
		Help:      "Total number of discovery passes by trigger.",
	},
	[]string{"trigger"},
)

var IndexingQueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "isamcp",
		Subsystem: "indexing",
		Name:      "queue_depth",
		Help:      "Current depth of the embedding indexing queue.",
	},
)

var IndexingFailuresTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "isamcp",
		Subsystem: "indexing",
		Name:      "failures_total",
		Help:      "Total number of failed indexing attempts (after retries).",
	},
)

var IndexingDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "isamcp",
		Subsystem: "indexing",
		Name:      "dropped_total",
		Help:      "Total number of indexing requests dropped due to queue overflow.",
	},
)

var EmbeddingRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "isamcp",
		Subsystem: "embedding",
		Name:      "requests_total",
		Help:      "Total number of embedding service calls by operation and status.",
	},
	[]string{"operation", "status"},
)

var EmbeddingCostEstimate = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "isamcp",
		Subsystem: "embedding",
		Name:      "cost_estimate_dollars_total",
		Help:      "Cumulative estimated cost of embedding and generation calls.",
	},
)

var SelectorFallbackTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "isamcp",
		Subsystem: "selector",
		Name:      "fallback_total",
		Help:      "Total number of selector requests served by the rule-based fallback.",
	},
	[]string{"reason"},
)

var SessionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "isamcp",
		Subsystem: "mcp",
		Name:      "sessions_active",
		Help:      "Number of currently connected MCP sessions.",
	},
)

var DirectoryHealthy = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "isamcp",
		Subsystem: "directory",
		Name:      "healthy",
		Help:      "1 when the instance is marked healthy in the service directory.",
	},
)

var TelemetryDroppedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "isamcp",
		Subsystem: "telemetry",
		Name:      "dropped_total",
		Help:      "Total number of telemetry events dropped because the buffer was full.",
	},
)

// All returns every collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		InvocationsTotal,
		InvocationDuration,
		DispatchOverloadedTotal,
		RegistryCapabilities,
		DiscoveryRunsTotal,
		IndexingQueueDepth,
		IndexingFailuresTotal,
		IndexingDroppedTotal,
		EmbeddingRequestsTotal,
		EmbeddingCostEstimate,
		SelectorFallbackTotal,
		SessionsActive,
		DirectoryHealthy,
		TelemetryDroppedTotal,
	}
}

// NewRegistry creates a prometheus registry with the standard process and Go
// collectors plus the given application collectors.
func NewRegistry(app ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg.MustRegister(app...)
	return reg
}
