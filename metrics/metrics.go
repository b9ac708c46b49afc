package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "buildhook"

type Metrics struct {
	WebhooksReceived *prometheus.CounterVec
	BuildsDispatched prometheus.Counter
	BuildsDeferred   prometheus.Counter
	BuildsFinished   *prometheus.CounterVec
	BuildsRunning    prometheus.Gauge
	StepDuration     *prometheus.HistogramVec
	Subscribers      prometheus.Gauge
	MessagesDropped  prometheus.Counter
	KafkaDeliveries  *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers every collector on reg. Tests pass a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		WebhooksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_received_total",
			Help:      "Webhook deliveries by provider, event kind and outcome.",
		}, []string{"provider", "kind", "outcome"}),
		BuildsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_dispatched_total",
			Help:      "Builds handed to the execution queue.",
		}),
		BuildsDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_deferred_total",
			Help:      "Builds held back by the account concurrency limit.",
		}),
		BuildsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_finished_total",
			Help:      "Builds that reached a terminal status.",
		}, []string{"status"}),
		BuildsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "builds_running",
			Help:      "Builds currently executing in this process.",
		}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of pipeline steps.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"step", "status"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connections",
			Help:      "Open realtime connections.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_messages_dropped_total",
			Help:      "Realtime messages dropped because a subscriber buffer was full.",
		}),
		KafkaDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_deliveries_total",
			Help:      "Kafka delivery reports by topic and outcome.",
		}, []string{"topic", "outcome"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.WebhooksReceived,
		m.BuildsDispatched,
		m.BuildsDeferred,
		m.BuildsFinished,
		m.BuildsRunning,
		m.StepDuration,
		m.Subscribers,
		m.MessagesDropped,
		m.KafkaDeliveries,
	)
	return m
}

// NewNop returns metrics backed by a private registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
