package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels a processed webhook or queued item.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeQueued       Outcome = "queued"
	OutcomeRetry        Outcome = "retry"
	OutcomeRejected     Outcome = "rejected"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// IsFailure reports whether the outcome counts toward alert thresholds.
func (o Outcome) IsFailure() bool {
	return o == OutcomeRejected || o == OutcomeDeadLettered
}

// WebhookMetrics is the sink for webhook processing and queue state.
type WebhookMetrics struct {
	environment string
	events      *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	queueDepth  *prometheus.GaugeVec
	active      prometheus.Gauge
	deadLetters *prometheus.CounterVec
	alerts      *AlertEvaluator
}

// NewWebhookMetrics registers the webhook metrics on the provided registerer.
// alerts may be nil.
func NewWebhookMetrics(reg prometheus.Registerer, environment string, alerts *AlertEvaluator) *WebhookMetrics {
	if reg == nil {
		return &WebhookMetrics{environment: environment, alerts: alerts}
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Webhook processing attempts by outcome.",
	}, []string{"environment", "event_type", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webhook_processing_duration_seconds",
		Help:    "Time spent processing a webhook payload.",
		Buckets: prometheus.DefBuckets,
	}, []string{"environment", "event_type"})
	queueDepth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "processing_queue_depth",
		Help: "Items waiting in the processing queue.",
	}, []string{"kind"})
	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "processing_queue_active_webhooks",
		Help: "Webhook items currently being processed.",
	})
	deadLetters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_dead_letters_total",
		Help: "Queued items dropped after exhausting retries.",
	}, []string{"provider", "event_type"})
	reg.MustRegister(events, duration, queueDepth, active, deadLetters)
	return &WebhookMetrics{
		environment: environment,
		events:      events,
		duration:    duration,
		queueDepth:  queueDepth,
		active:      active,
		deadLetters: deadLetters,
		alerts:      alerts,
	}
}

// RecordEvent counts one processing attempt and feeds failures to the alert evaluator.
func (m *WebhookMetrics) RecordEvent(ctx context.Context, eventType string, outcome Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	eventType = normalizeLabel(eventType)
	if m.events != nil {
		m.events.WithLabelValues(m.environment, eventType, string(outcome)).Inc()
	}
	if m.duration != nil && elapsed > 0 {
		m.duration.WithLabelValues(m.environment, eventType).Observe(elapsed.Seconds())
	}
	if outcome.IsFailure() && m.alerts != nil {
		m.alerts.RecordFailure(ctx, eventType)
	}
}

func (m *WebhookMetrics) SetQueueDepth(kind string, depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(kind)).Set(float64(depth))
}

func (m *WebhookMetrics) SetActive(active int) {
	if m == nil || m.active == nil {
		return
	}
	m.active.Set(float64(active))
}

func (m *WebhookMetrics) IncDeadLetter(provider, eventType string) {
	if m == nil || m.deadLetters == nil {
		return
	}
	m.deadLetters.WithLabelValues(normalizeLabel(provider), normalizeLabel(eventType)).Inc()
}
