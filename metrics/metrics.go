// Package metrics exposes Prometheus instruments for the publisher and consumer.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Publish statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Consume outcomes.
const (
	OutcomeHandled      = "handled"
	OutcomeHandlerError = "handler_error"
	OutcomeUnknownType  = "unknown_type"
	OutcomeDecodeError  = "decode_error"
)

// Metrics contains the bus instruments.
type Metrics struct {
	EventsPublished  *prometheus.CounterVec
	PublishRetries   *prometheus.CounterVec
	PublishDuration  *prometheus.HistogramVec
	EventsConsumed   *prometheus.CounterVec
	HandleDuration   *prometheus.HistogramVec
	AuditFailures    prometheus.Counter
	ConsumerState    prometheus.Gauge
	DomainQueueDepth prometheus.Gauge
}

// New creates and registers the instruments with registerer.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventbus_integration_events_published_total",
				Help: "Total number of integration events published",
			},
			[]string{"routing_key", "status"},
		),
		PublishRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventbus_publish_retries_total",
				Help: "Total number of failed publish attempts that were retried",
			},
			[]string{"routing_key"},
		),
		PublishDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventbus_publish_duration_seconds",
				Help:    "Time to publish an integration event including retries",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
			},
			[]string{"routing_key"},
		),
		EventsConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventbus_integration_events_consumed_total",
				Help: "Total number of deliveries processed by the consumer",
			},
			[]string{"routing_key", "outcome"},
		),
		HandleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventbus_handle_duration_seconds",
				Help:    "Time spent dispatching one delivery to its handlers",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"routing_key"},
		),
		AuditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbus_audit_failures_total",
			Help: "Total number of audit records that could not be written",
		}),
		ConsumerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventbus_consumer_state",
			Help: "Consumer state: 0 stopped, 1 connecting, 2 consuming, 3 reconnecting",
		}),
		DomainQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventbus_domain_queue_depth",
			Help: "Domain events waiting in the in-process queue",
		}),
	}

	registerer.MustRegister(
		m.EventsPublished,
		m.PublishRetries,
		m.PublishDuration,
		m.EventsConsumed,
		m.HandleDuration,
		m.AuditFailures,
		m.ConsumerState,
		m.DomainQueueDepth,
	)

	return m
}

// ObservePublish records the final result of one publish call.
func (m *Metrics) ObservePublish(routingKey, status string, d time.Duration) {
	if m == nil {
		return
	}

	m.EventsPublished.WithLabelValues(routingKey, status).Inc()
	m.PublishDuration.WithLabelValues(routingKey).Observe(d.Seconds())
}

// IncPublishRetry counts one failed attempt that will be retried.
func (m *Metrics) IncPublishRetry(routingKey string) {
	if m == nil {
		return
	}

	m.PublishRetries.WithLabelValues(routingKey).Inc()
}

// ObserveConsume records one processed delivery.
func (m *Metrics) ObserveConsume(routingKey, outcome string, d time.Duration) {
	if m == nil {
		return
	}

	m.EventsConsumed.WithLabelValues(routingKey, outcome).Inc()
	m.HandleDuration.WithLabelValues(routingKey).Observe(d.Seconds())
}

// IncAuditFailure counts one audit write failure.
func (m *Metrics) IncAuditFailure() {
	if m == nil {
		return
	}

	m.AuditFailures.Inc()
}

// SetConsumerState publishes the numeric consumer state.
func (m *Metrics) SetConsumerState(state int) {
	if m == nil {
		return
	}

	m.ConsumerState.Set(float64(state))
}

// SetDomainQueueDepth publishes the in-process queue depth.
func (m *Metrics) SetDomainQueueDepth(n int) {
	if m == nil {
		return
	}

	m.DomainQueueDepth.Set(float64(n))
}
