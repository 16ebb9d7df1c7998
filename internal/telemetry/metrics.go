package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency for the forwarding server.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "capiproxy",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// ValidationResultsTotal counts client validation outcomes by reason.
var ValidationResultsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "capiproxy",
		Subsystem: "validation",
		Name:      "results_total",
		Help:      "Client validation results by reason.",
	},
	[]string{"reason"},
)

// AlertsForwardedTotal counts alerts by filtered/forwarded outcome.
var AlertsForwardedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "capiproxy",
		Subsystem: "alerts",
		Name:      "processed_total",
		Help:      "Alerts processed by filter outcome.",
	},
	[]string{"outcome"},
)

// UpstreamForwardDuration tracks latency of CAPI forward calls.
var UpstreamForwardDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "capiproxy",
		Subsystem: "forwarder",
		Name:      "upstream_duration_seconds",
		Help:      "Duration of forwarded requests to CAPI.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method"},
)

// AnalyzerRunsTotal counts analyzer runs by terminal status.
var AnalyzerRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "capiproxy",
		Subsystem: "analyzer",
		Name:      "runs_total",
		Help:      "Analyzer runs by terminal status.",
	},
	[]string{"analyzer", "status"},
)

// DecisionsPushedTotal counts decisions pushed to LAPI servers.
var DecisionsPushedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "capiproxy",
		Subsystem: "analyzer",
		Name:      "decisions_pushed_total",
		Help:      "Decisions successfully pushed to LAPI servers.",
	},
	[]string{"analyzer", "lapi_server"},
)

// All returns every service-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		ValidationResultsTotal,
		AlertsForwardedTotal,
		UpstreamForwardDuration,
		AnalyzerRunsTotal,
		DecisionsPushedTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors
// and the service-specific collectors.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
