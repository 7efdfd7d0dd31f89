// Package observability wires Prometheus metrics and OpenTelemetry tracing
// for the server. Metrics registration is process-global and idempotent per
// Metrics value; handlers record through the typed helpers instead of
// touching collectors directly.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the server's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	Executions      *prometheus.CounterVec   // status
	ExecuteDuration prometheus.Histogram
	Suspensions     prometheus.Counter
	BatchSize       prometheus.Histogram
	PolicyDecisions *prometheus.CounterVec // policy, action
	CacheOps        *prometheus.CounterVec // op, outcome
	ActiveSessions  prometheus.Gauge
	HTTPRequests    *prometheus.CounterVec // path, status

	// Meter is an OTel meter bridged into the same registry; components
	// preferring the OTel API record through it.
	Meter metric.Meter
}

// NewMetrics builds and registers the collector set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atp_executions_total",
			Help: "Executions by terminal status.",
		}, []string{"status"}),
		ExecuteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "atp_execute_duration_seconds",
			Help:    "Wall time of one execute or resume run.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		Suspensions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atp_suspensions_total",
			Help: "Executions paused awaiting callback results.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "atp_batch_size",
			Help:    "Callbacks per suspension.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
		}),
		PolicyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atp_policy_decisions_total",
			Help: "Policy verdicts by policy and action.",
		}, []string{"policy", "action"}),
		CacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atp_cache_ops_total",
			Help: "Cache store operations by op and outcome.",
		}, []string{"op", "outcome"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "atp_active_sessions",
			Help: "Sessions initialized and not yet expired.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atp_http_requests_total",
			Help: "API requests by path and status class.",
		}, []string{"path", "status"}),
	}
	registry.MustRegister(
		m.Executions, m.ExecuteDuration, m.Suspensions, m.BatchSize,
		m.PolicyDecisions, m.CacheOps, m.ActiveSessions, m.HTTPRequests,
		collectors.NewGoCollector(),
	)
	if meter, err := setupMeter(registry); err == nil {
		m.Meter = meter
		_ = registerRuntimeInstruments(meter)
	}
	return m
}

// Handler serves the /metrics endpoint for this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveExecution records one run outcome.
func (m *Metrics) ObserveExecution(status string, seconds float64) {
	m.Executions.WithLabelValues(status).Inc()
	m.ExecuteDuration.Observe(seconds)
}

// ObserveSuspension records a pause with its batch width.
func (m *Metrics) ObserveSuspension(callbacks int) {
	m.Suspensions.Inc()
	m.BatchSize.Observe(float64(callbacks))
}
