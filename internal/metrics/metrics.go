// ABOUTME: Prometheus metrics for connections, messages, queries and search
// ABOUTME: Uses a private registry so tests and multiple gateways never collide

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rig"

// Metrics holds every collector the gateway records into.
// A nil *Metrics is valid and records nothing.
//
// Usage:
//
//	m := metrics.New()
//	m.ConnectionOpened()
//	defer m.ConnectionClosed(time.Since(start), "client_closed")
type Metrics struct {
	registry *prometheus.Registry

	// ConnectionsActive is the number of live WebSocket connections.
	ConnectionsActive prometheus.Gauge

	// ConnectionsTotal counts connection attempts.
	// Labels: result (accepted|refused)
	ConnectionsTotal *prometheus.CounterVec

	// ConnectionDuration measures connection lifetime in seconds.
	// Labels: reason (the close reason)
	ConnectionDuration *prometheus.HistogramVec

	// MessagesSent counts outbound messages handed to connection outboxes.
	// Labels: type (log|token|final_output|error|heartbeat|connection_status)
	MessagesSent *prometheus.CounterVec

	// Queries counts finished agent runs.
	// Labels: status (completed|failed|cancelled)
	Queries *prometheus.CounterVec

	// QueryDuration measures agent run latency in seconds.
	// Labels: status
	QueryDuration *prometheus.HistogramVec

	// Errors counts error messages sent to clients by stable code.
	// Labels: code
	Errors *prometheus.CounterVec

	// RateLimitWait measures how long searches waited for a permit.
	RateLimitWait prometheus.Histogram
}

// New creates and registers all metrics on a fresh registry, together with the
// standard Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of live WebSocket connections",
		}),

		ConnectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "WebSocket connection attempts by admission result",
		}, []string{"result"}),

		ConnectionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of WebSocket connections by close reason",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 14400},
		}, []string{"reason"}),

		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound messages queued for clients by type",
		}, []string{"type"}),

		Queries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Finished agent runs by status",
		}, []string{"status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Agent run duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),

		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Error messages sent to clients by code",
		}, []string{"code"}),

		RateLimitWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ratelimit_wait_seconds",
			Help:      "Time searches spent waiting for a rate-limit permit",
			Buckets:   []float64{0, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// CounterFunc registers a counter whose value is read from fn at scrape time.
func (m *Metrics) CounterFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// GaugeFunc registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// ConnectionOpened records an admitted connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues("accepted").Inc()
	m.ConnectionsActive.Inc()
}

// ConnectionRefused records a connection turned away at capacity.
func (m *Metrics) ConnectionRefused() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues("refused").Inc()
}

// ConnectionClosed records the end of an admitted connection.
func (m *Metrics) ConnectionClosed(lifetime time.Duration, reason string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
	m.ConnectionDuration.WithLabelValues(reason).Observe(lifetime.Seconds())
}

// MessageSent records one outbound message of the given type.
func (m *Metrics) MessageSent(typ string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(typ).Inc()
}

// ErrorSent records an error message with the given code.
func (m *Metrics) ErrorSent(code string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(code).Inc()
}

// QueryFinished records one agent run.
func (m *Metrics) QueryFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Queries.WithLabelValues(status).Inc()
	m.QueryDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RateLimitWaited records a permit wait.
func (m *Metrics) RateLimitWaited(d time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWait.Observe(d.Seconds())
}
