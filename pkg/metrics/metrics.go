package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the service exports. A nil *Collector is a valid no-op.
type Collector struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlightGauge   prometheus.Gauge

	PrescriptionsCreated *prometheus.CounterVec
	TransitionsTotal     *prometheus.CounterVec

	NetworkCallsTotal   *prometheus.CounterVec
	NetworkCallDuration *prometheus.HistogramVec
	NetworkRetriesTotal *prometheus.CounterVec

	EventsPublishFailed prometheus.Counter

	AuditEntriesTotal  prometheus.Counter
	AuditBufferDropped prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewCollector registers the metrics on reg. Tests pass a fresh prometheus.NewRegistry().
func NewCollector(serviceName string, reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		gatherer: reg,

		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code.",
		}, []string{"method", "path", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "path", "status"}),

		InFlightGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),

		PrescriptionsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "clinical",
			Name:      "prescriptions_created_total",
			Help:      "Prescriptions created, by the status they settled in.",
		}, []string{"status"}),

		TransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "clinical",
			Name:      "prescription_transitions_total",
			Help:      "Prescription lifecycle transitions.",
		}, []string{"from", "to"}),

		NetworkCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "erx",
			Name:      "calls_total",
			Help:      "Pharmacy network calls by operation and outcome.",
		}, []string{"op", "outcome"}),

		NetworkCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "erx",
			Name:      "call_duration_seconds",
			Help:      "Pharmacy network call latency including retries.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"op"}),

		NetworkRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "erx",
			Name:      "retries_total",
			Help:      "Retries of transient pharmacy network faults.",
		}, []string{"op"}),

		EventsPublishFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "events",
			Name:      "publish_failed_total",
			Help:      "Lifecycle events that could not be published.",
		}),

		AuditEntriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "audit",
			Name:      "entries_total",
			Help:      "Total audit log entries written.",
		}),

		AuditBufferDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "audit",
			Name:      "buffer_dropped_total",
			Help:      "Audit entries dropped due to full buffer. Alert if non-zero.",
		}),
	}
}

func (c *Collector) ObserveNetworkCall(op, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.NetworkCallsTotal.WithLabelValues(op, outcome).Inc()
	c.NetworkCallDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (c *Collector) IncNetworkRetry(op string) {
	if c == nil {
		return
	}
	c.NetworkRetriesTotal.WithLabelValues(op).Inc()
}

func (c *Collector) ObserveTransition(from, to string) {
	if c == nil {
		return
	}
	c.TransitionsTotal.WithLabelValues(from, to).Inc()
}

func (c *Collector) ObserveCreated(status string) {
	if c == nil {
		return
	}
	c.PrescriptionsCreated.WithLabelValues(status).Inc()
}

func (c *Collector) IncEventPublishFailed() {
	if c == nil {
		return
	}
	c.EventsPublishFailed.Inc()
}

func (c *Collector) IncAuditWritten() {
	if c == nil {
		return
	}
	c.AuditEntriesTotal.Inc()
}

func (c *Collector) IncAuditDropped() {
	if c == nil {
		return
	}
	c.AuditBufferDropped.Inc()
}

// Handler serves the collector's registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
