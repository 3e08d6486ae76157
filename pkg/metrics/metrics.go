// Package metrics defines the Prometheus collectors used by the indexer and
// searcher services and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing, so library code can take one unconditionally.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	IndexWritesTotal     *prometheus.CounterVec
	IndexWriteDuration   *prometheus.HistogramVec
	LockWaitDuration     *prometheus.HistogramVec
	LockTimeoutsTotal    *prometheus.CounterVec
	ReconciliationsTotal *prometheus.CounterVec
	MessagesTotal        *prometheus.CounterVec
	QueryDuration        *prometheus.HistogramVec
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		IndexWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_writes_total",
				Help: "Entity Store/Remove calls by entity type, operation and outcome.",
			},
			[]string{"entity_type", "op", "outcome"},
		),
		IndexWriteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "index_write_duration_seconds",
				Help:    "Latency of entity Store/Remove including lease wait.",
				Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
			},
			[]string{"entity_type", "op"},
		),
		LockWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "index_lock_wait_seconds",
				Help:    "Time spent acquiring per-entity leases.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"entity_type"},
		),
		LockTimeoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_lock_timeouts_total",
				Help: "Per-entity lease acquisitions that timed out.",
			},
			[]string{"entity_type"},
		),
		ReconciliationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_reconciliations_total",
				Help: "Re-read-and-rewrite passes after a partially applied batch.",
			},
			[]string{"entity_type"},
		),
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_messages_total",
				Help: "Change messages by outcome (applied, failed, dead_lettered).",
			},
			[]string{"outcome"},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "index_query_duration_seconds",
				Help:    "Combinator and lookup latency by query kind.",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
			},
			[]string{"kind"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.IndexWritesTotal,
		m.IndexWriteDuration,
		m.LockWaitDuration,
		m.LockTimeoutsTotal,
		m.ReconciliationsTotal,
		m.MessagesTotal,
		m.QueryDuration,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveWrite records one Store/Remove call.
func (m *Metrics) ObserveWrite(entityType, op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.IndexWritesTotal.WithLabelValues(entityType, op, outcome).Inc()
	m.IndexWriteDuration.WithLabelValues(entityType, op).Observe(d.Seconds())
}

func (m *Metrics) ObserveLockWait(entityType string, d time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.LockWaitDuration.WithLabelValues(entityType).Observe(d.Seconds())
	if timedOut {
		m.LockTimeoutsTotal.WithLabelValues(entityType).Inc()
	}
}

func (m *Metrics) IncReconciliation(entityType string) {
	if m == nil {
		return
	}
	m.ReconciliationsTotal.WithLabelValues(entityType).Inc()
}

func (m *Metrics) AddMessages(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MessagesTotal.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) ObserveQuery(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueryDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler returns the scrape handler for the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
