// Package metrics provides Prometheus metrics for the prescription assistant.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	PrescriptionsGenerated *prometheus.CounterVec
	PrescriptionsFailed    *prometheus.CounterVec
	InferenceDuration      prometheus.Histogram
	ModelReloads           *prometheus.CounterVec
	ModelInfo              *prometheus.GaugeVec
	EventsPublished        prometheus.Counter
	EventsConsumed         prometheus.Counter
	EventsDuplicate        prometheus.Counter
	ConsumerLag            prometheus.Gauge
	DocumentsRendered      prometheus.Counter
	OutboxPending          prometheus.Gauge
	AssistantRequests      *prometheus.CounterVec
	CircuitBreakerState    *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg registers
// with the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		PrescriptionsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescriptions_generated_total",
			Help: "Total prescriptions generated, by severity",
		}, []string{"severity"}),
		PrescriptionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescriptions_failed_total",
			Help: "Total failed prescription requests, by reason",
		}, []string{"reason"}),
		InferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prescription_inference_duration_seconds",
			Help:    "Time spent encoding and classifying one request",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		}),
		ModelReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "model_reloads_total",
			Help: "Model reload attempts, by result",
		}, []string{"result"}),
		ModelInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "model_info",
			Help: "Currently loaded model (value is always 1)",
		}, []string{"version"}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}),
		EventsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		EventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_duplicate_total",
			Help: "Consumed messages skipped because they were already processed",
		}),
		ConsumerLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kafka_consumer_group_lag",
			Help: "Total lag of the export worker consumer group",
		}),
		DocumentsRendered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_documents_rendered_total",
			Help: "Total prescription PDFs rendered",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		AssistantRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "assistant_requests_total",
			Help: "Assistant questions, by outcome",
		}, []string{"outcome"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.PrescriptionsGenerated,
		m.PrescriptionsFailed,
		m.InferenceDuration,
		m.ModelReloads,
		m.ModelInfo,
		m.EventsPublished,
		m.EventsConsumed,
		m.EventsDuplicate,
		m.ConsumerLag,
		m.DocumentsRendered,
		m.OutboxPending,
		m.AssistantRequests,
		m.CircuitBreakerState,
	)

	return m
}

// SetModelVersion marks version as the loaded model
func (m *Metrics) SetModelVersion(version string) {
	m.ModelInfo.Reset()
	m.ModelInfo.WithLabelValues(version).Set(1)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
