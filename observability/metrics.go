// Package-level Prometheus collectors for the pipeline, grounded on the
// wisbric-nightowl telemetry package's shape: package-level
// NewCounterVec/NewHistogramVec declarations plus an All() list handed
// to a registry at start-up, rather than the gateway's hand-rolled
// exposition-format writer.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PipelineStageDuration records pipeline durations labeled by stage name
	// and outcome; ExecuteQuery records each whole run under stage "pipeline".
	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "queryengine",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of one pipeline stage.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"stage", "outcome"},
	)

	// QueriesTotal counts completed ExecuteQuery invocations by terminal status.
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queryengine",
			Subsystem: "pipeline",
			Name:      "queries_total",
			Help:      "Total number of ExecuteQuery invocations by terminal status.",
		},
		[]string{"status", "data_source_kind"},
	)

	// CacheResultsTotal counts Result Cache lookups by hit/miss.
	CacheResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queryengine",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Total number of Result Cache lookups by outcome.",
		},
		[]string{"result"},
	)

	// ProviderAttemptsTotal counts per-provider SQL generation attempts,
	// labeled by outcome (success, rate_limited, error, empty_response,
	// bad_response).
	ProviderAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queryengine",
			Subsystem: "llm",
			Name:      "provider_attempts_total",
			Help:      "Total number of SQL generation attempts per provider.",
		},
		[]string{"provider", "outcome"},
	)

	// UnsafeSQLRejectionsTotal counts SQL rejected by the validator, by
	// forbidden statement type.
	UnsafeSQLRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queryengine",
			Subsystem: "validator",
			Name:      "unsafe_sql_rejections_total",
			Help:      "Total number of generated statements rejected as unsafe, by statement type.",
		},
		[]string{"statement"},
	)
)

// All returns every query-engine metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		PipelineStageDuration,
		QueriesTotal,
		CacheResultsTotal,
		ProviderAttemptsTotal,
		UnsafeSQLRejectionsTotal,
	}
}

// NewRegistry builds a Prometheus registry pre-populated with the
// process/Go collectors plus every query-engine metric, and an
// http.Handler serving it in text exposition format at /metrics.
func NewRegistry() (*prometheus.Registry, http.Handler) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RecordStage is a small helper so callers don't import prometheus
// label-ordering details directly.
func RecordStage(stage, outcome string, seconds float64) {
	PipelineStageDuration.WithLabelValues(stage, outcome).Observe(seconds)
}

// RecordCacheResult records one Result Cache lookup outcome ("hit" or "miss").
func RecordCacheResult(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheResultsTotal.WithLabelValues(result).Inc()
}

// RecordProviderAttempt records one SQL generation attempt against a named provider.
func RecordProviderAttempt(provider, outcome string) {
	ProviderAttemptsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordQueryOutcome records one terminal ExecuteQuery status.
func RecordQueryOutcome(status, dataSourceKind string) {
	QueriesTotal.WithLabelValues(status, dataSourceKind).Inc()
}

// RecordUnsafeSQLRejection records one validator rejection by statement type.
func RecordUnsafeSQLRejection(statement string) {
	UnsafeSQLRejectionsTotal.WithLabelValues(statement).Inc()
}
