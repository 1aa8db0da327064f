// Package metrics provides Prometheus metrics for the clinic API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cmmsalud/clinic-api/pkg/circuitbreaker"
)

const namespace = "clinic"

// Metrics holds all application metrics
type Metrics struct {
	HTTPRequests          *prometheus.CounterVec
	HTTPDuration          *prometheus.HistogramVec
	PrescriptionsCreated  *prometheus.CounterVec
	Dispensations         *prometheus.CounterVec
	DispensationsRejected *prometheus.CounterVec
	OutboxPublished       *prometheus.CounterVec
	OutboxFailed          *prometheus.CounterVec
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them on a fresh registry together
// with the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the metrics on reg and serves them from g.
func NewWithRegistry(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	m := &Metrics{
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route"}),
		PrescriptionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prescriptions_created_total",
			Help:      "Prescriptions created by kind",
		}, []string{"kind"}),
		Dispensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispensations_total",
			Help:      "Dispensations recorded by actor type",
		}, []string{"actor"}),
		DispensationsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispensations_rejected_total",
			Help:      "Dispense attempts rejected by reason",
		}, []string{"reason"}),
		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Outbox entries published by topic",
		}, []string{"topic"}),
		OutboxFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_publish_failures_total",
			Help:      "Outbox publish failures by topic",
		}, []string{"topic"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_pending_entries",
			Help:      "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		gatherer: g,
	}

	reg.MustRegister(
		m.HTTPRequests,
		m.HTTPDuration,
		m.PrescriptionsCreated,
		m.Dispensations,
		m.DispensationsRejected,
		m.OutboxPublished,
		m.OutboxFailed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)
	return m
}

// ObserveRequest records one served request. route is the chi pattern.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) PrescriptionCreated(continuous bool) {
	kind := "single"
	if continuous {
		kind = "continuous"
	}
	m.PrescriptionsCreated.WithLabelValues(kind).Inc()
}

func (m *Metrics) DispensationRecorded(actor string) {
	m.Dispensations.WithLabelValues(actor).Inc()
}

func (m *Metrics) DispensationRejected(kind string) {
	m.DispensationsRejected.WithLabelValues(kind).Inc()
}

func (m *Metrics) Published(topic string)     { m.OutboxPublished.WithLabelValues(topic).Inc() }
func (m *Metrics) PublishFailed(topic string) { m.OutboxFailed.WithLabelValues(topic).Inc() }
func (m *Metrics) SetPending(n int64)         { m.OutboxPending.Set(float64(n)) }

// BreakerStateChanged is a circuitbreaker.OnStateChange listener.
func (m *Metrics) BreakerStateChanged(name string, to circuitbreaker.State) {
	v := 0.0
	switch to {
	case circuitbreaker.StateOpen:
		v = 1
	case circuitbreaker.StateHalfOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
