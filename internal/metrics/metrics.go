// Package metrics owns the Prometheus collectors of the broker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sensorhub"

// Delivery outcomes used as the "outcome" label.
const (
	OutcomeDelivered = "delivered"
	OutcomeAbandoned = "abandoned"
	OutcomeCancelled = "cancelled"
)

// Metrics is a set of collectors bound to a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ingested       prometheus.Counter
	ingestRejected *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	attempts       prometheus.Counter
	dropped        prometheus.Counter
	duration       prometheus.Histogram
	queueDepth     prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_total",
			Help:      "Envelopes accepted by the ingestion gate.",
		}),
		ingestRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rejected_total",
			Help:      "Payloads rejected by the ingestion gate.",
		}, []string{"source"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-subscriber deliveries by terminal outcome.",
		}, []string{"outcome"}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Delivery attempts handed to a backend.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_dropped_total",
			Help:      "Queued deliveries dropped by backpressure.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of single delivery attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Deliveries waiting in subscriber queues.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ingested,
		m.ingestRejected,
		m.deliveries,
		m.attempts,
		m.dropped,
		m.duration,
		m.queueDepth,
	)
	return m
}

// RegisterSubscriberGauge exposes the live subscription count.
func (m *Metrics) RegisterSubscriberGauge(count func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscribers",
		Help:      "Active channel subscriptions.",
	}, func() float64 { return float64(count()) }))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Ingested counts an accepted report.
func (m *Metrics) Ingested() {
	if m != nil {
		m.ingested.Inc()
	}
}

// Rejected counts a report refused at the gate, labelled by source.
func (m *Metrics) Rejected(source string) {
	if m != nil {
		m.ingestRejected.WithLabelValues(source).Inc()
	}
}

// Outcome counts a terminal delivery state.
func (m *Metrics) Outcome(outcome string) {
	if m != nil {
		m.deliveries.WithLabelValues(outcome).Inc()
	}
}

// Attempt records one delivery attempt and how long it took.
func (m *Metrics) Attempt(took time.Duration) {
	if m != nil {
		m.attempts.Inc()
		m.duration.Observe(took.Seconds())
	}
}

// Dropped counts a delivery evicted by backpressure.
func (m *Metrics) Dropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

// QueueDelta adjusts the queued deliveries gauge.
func (m *Metrics) QueueDelta(delta int) {
	if m != nil {
		m.queueDepth.Add(float64(delta))
	}
}
