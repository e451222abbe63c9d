// Package prometheus exposes the bridge, worker, registry and object-store
// instrumentation as Prometheus collectors on a per-process registry.
package prometheus

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "claimbridge"

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Bridge metrics
	BridgeRequestsTotal  *prometheus.CounterVec
	BridgeResponsesTotal *prometheus.CounterVec
	PendingRequests      prometheus.Gauge

	// Worker metrics
	WorkerJobsTotal       *prometheus.CounterVec
	WorkerJobDuration     *prometheus.HistogramVec
	FilterSegmentsTotal   *prometheus.CounterVec
	ObjectStoreOpsTotal   *prometheus.CounterVec
	ObjectStoreOpDuration *prometheus.HistogramVec

	// Database pool metrics
	DatabaseConnectionsOpen  prometheus.Gauge
	DatabaseConnectionsIdle  prometheus.Gauge
	DatabaseConnectionsInUse prometheus.Gauge
	DatabaseConnectionsWait  prometheus.Gauge

	// Operations HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates a metrics collection on a fresh registry. labels are
// attached to every series (typically service and role).
func NewMetrics(labels prometheus.Labels) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var registerer prometheus.Registerer = registry
	if len(labels) > 0 {
		registerer = prometheus.WrapRegistererWith(labels, registry)
	}
	factory := promauto.With(registerer)

	return &Metrics{
		registry: registry,

		BridgeRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "bridge_requests_total",
				Help:      "Requests consumed from the request topic, by outcome",
			},
			[]string{"outcome"}, // forwarded, invalid, republish_failed
		),
		BridgeResponsesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "bridge_responses_total",
				Help:      "Responses consumed from the response topic, by outcome",
			},
			[]string{"outcome"}, // matched, unmatched, invalid
		),
		PendingRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "pending_requests",
				Help:      "Requests registered and awaiting a response",
			},
		),

		WorkerJobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "worker_jobs_total",
				Help:      "Task-queue jobs handled by workers, by outcome",
			},
			[]string{"outcome"},
		),
		WorkerJobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "worker_job_duration_seconds",
				Help:      "Wall time from receive to settle of a job",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7m
			},
			[]string{"outcome"},
		),
		FilterSegmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "filter_segments_total",
				Help:      "Segments evaluated by the validity filter, by decision",
			},
			[]string{"decision"}, // kept, dropped
		),
		ObjectStoreOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "objectstore_operations_total",
				Help:      "Object store calls, by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		ObjectStoreOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "objectstore_operation_duration_seconds",
				Help:      "Object store call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),

		DatabaseConnectionsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "database_connections_open",
				Help:      "Number of open database connections",
			},
		),
		DatabaseConnectionsIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "database_connections_idle",
				Help:      "Number of idle database connections",
			},
		),
		DatabaseConnectionsInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "database_connections_in_use",
				Help:      "Number of database connections in use",
			},
		),
		DatabaseConnectionsWait: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "database_connections_wait_count",
				Help:      "Total number of connections waited for, as reported by database/sql",
			},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "http_requests_total",
				Help:      "Total number of operations HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Operations HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RequestBridged records one request-side message.
func (m *Metrics) RequestBridged(outcome string) {
	m.BridgeRequestsTotal.WithLabelValues(outcome).Inc()
}

// ResponseBridged records one response-side message.
func (m *Metrics) ResponseBridged(outcome string) {
	m.BridgeResponsesTotal.WithLabelValues(outcome).Inc()
}

// ObservePending sets the pending request gauge.
func (m *Metrics) ObservePending(n int) {
	m.PendingRequests.Set(float64(n))
}

// JobFinished records a settled job.
func (m *Metrics) JobFinished(outcome string, elapsed time.Duration) {
	m.WorkerJobsTotal.WithLabelValues(outcome).Inc()
	m.WorkerJobDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// SegmentsFiltered records filter decisions for one job.
func (m *Metrics) SegmentsFiltered(kept, dropped int) {
	m.FilterSegmentsTotal.WithLabelValues("kept").Add(float64(kept))
	m.FilterSegmentsTotal.WithLabelValues("dropped").Add(float64(dropped))
}

// ObserveObjectStore records one object store call.
func (m *Metrics) ObserveObjectStore(op, outcome string, elapsed time.Duration) {
	m.ObjectStoreOpsTotal.WithLabelValues(op, outcome).Inc()
	m.ObjectStoreOpDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// UpdateDatabasePool updates database pool metrics
func (m *Metrics) UpdateDatabasePool(stats sql.DBStats) {
	m.DatabaseConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DatabaseConnectionsIdle.Set(float64(stats.Idle))
	m.DatabaseConnectionsInUse.Set(float64(stats.InUse))
	m.DatabaseConnectionsWait.Set(float64(stats.WaitCount))
}

// ObserveHTTPRequest records an operations HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, elapsed time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCodeString(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// statusCodeString converts status code to string
func statusCodeString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
