package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeTimeout = "timeout"
	OutcomeError   = "error"
	OutcomeClosed  = "closed"
)

// Response delivery paths.
const (
	PathLocal = "local"
	PathBus   = "bus"
)

// Metrics holds all Prometheus metrics for a node or broker.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	responsesTotal     *prometheus.CounterVec
	pendingRequests    prometheus.Gauge
	requestDuration    *prometheus.HistogramVec
	expectedResponders *prometheus.HistogramVec
	errorsTotal        *prometheus.CounterVec

	brokerMessages    *prometheus.CounterVec
	brokerSubscribers prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a metrics instance registered on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardcast_engine_requests_total",
				Help: "Scatter/gather requests originated, by type and outcome",
			},
			[]string{"type", "outcome"},
		),

		responsesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardcast_engine_responses_total",
				Help: "Responses accepted for pending requests, by type and delivery path",
			},
			[]string{"type", "path"},
		),

		pendingRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "shardcast_engine_pending_requests",
				Help: "Requests currently waiting for responses",
			},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shardcast_engine_request_duration_seconds",
				Help:    "Time from send to completion or timeout",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),

		expectedResponders: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shardcast_engine_expected_responders",
				Help:    "Subscriber count discovered at send time",
				Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21, 34},
			},
			[]string{"type"},
		),

		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardcast_engine_errors_total",
				Help: "Errors reported to the engine's error sink, by kind",
			},
			[]string{"kind"},
		),

		brokerMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shardcast_broker_messages_total",
				Help: "Messages handled by the broker, by direction",
			},
			[]string{"direction"},
		),

		brokerSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "shardcast_broker_subscribers",
				Help: "Active subscription streams on this broker",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.responsesTotal,
		m.pendingRequests,
		m.requestDuration,
		m.expectedResponders,
		m.errorsTotal,
		m.brokerMessages,
		m.brokerSubscribers,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSent records a request leaving this node and its discovered responder count.
func (m *Metrics) RecordSent(reqType string, expected int) {
	if m == nil {
		return
	}
	m.pendingRequests.Inc()
	m.expectedResponders.WithLabelValues(reqType).Observe(float64(expected))
}

// RecordFinished records the outcome of a request that had been pending.
func (m *Metrics) RecordFinished(reqType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.pendingRequests.Dec()
	m.requestsTotal.WithLabelValues(reqType, outcome).Inc()
	m.requestDuration.WithLabelValues(reqType).Observe(duration.Seconds())
}

// RecordResponse records an accepted response.
func (m *Metrics) RecordResponse(reqType, path string) {
	if m == nil {
		return
	}
	m.responsesTotal.WithLabelValues(reqType, path).Inc()
}

// RecordError records an error reported to the error sink.
func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordBrokerMessage records a broker publish, forward or delivery.
func (m *Metrics) RecordBrokerMessage(direction string) {
	if m == nil {
		return
	}
	m.brokerMessages.WithLabelValues(direction).Inc()
}

// SetBrokerSubscribers sets the number of active subscription streams.
func (m *Metrics) SetBrokerSubscribers(n int) {
	if m == nil {
		return
	}
	m.brokerSubscribers.Set(float64(n))
}
