package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Webhook outcomes reported on billing_webhook_events_total.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeStale     = "stale"
	OutcomeIgnored   = "ignored"
	OutcomeMalformed = "malformed"
	OutcomeAnomaly   = "anomaly"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
)

// BillingMetrics instruments the ingestor, the processor gateway and reporting.
type BillingMetrics struct {
	webhookEvents    *prometheus.CounterVec
	processorCalls   *prometheus.CounterVec
	processorLatency *prometheus.HistogramVec
	breakerState     *prometheus.GaugeVec
	anomalies        *prometheus.CounterVec
	mrrCents         prometheus.Gauge
	churnRatio       prometheus.Gauge
	duplicateLive    prometheus.Gauge
}

// NewBillingMetrics registers the billing collectors. A nil registerer returns a no-op recorder.
func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	if reg == nil {
		return &BillingMetrics{}
	}
	m := &BillingMetrics{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Billing processor events received, by event type and outcome.",
		}, []string{"type", "outcome"}),
		processorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_processor_calls_total",
			Help: "Calls made to the payment processor, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		processorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_processor_call_duration_seconds",
			Help:    "Latency of payment processor calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "billing_processor_breaker_state",
			Help: "Circuit breaker state per breaker: 0 closed, 1 half-open, 2 open.",
		}, []string{"breaker"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subscription_anomalies_total",
			Help: "Subscription invariant violations observed and left for review.",
		}, []string{"kind"}),
		mrrCents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "billing_mrr_cents",
			Help: "Monthly recurring revenue in minor currency units at the last snapshot.",
		}),
		churnRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "billing_monthly_churn_ratio",
			Help: "Share of live subscriptions canceled over the trailing month.",
		}),
		duplicateLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "subscription_duplicate_live_users",
			Help: "Users holding more than one live subscription at the last scan.",
		}),
	}
	reg.MustRegister(
		m.webhookEvents,
		m.processorCalls,
		m.processorLatency,
		m.breakerState,
		m.anomalies,
		m.mrrCents,
		m.churnRatio,
		m.duplicateLive,
	)
	return m
}

// ObserveWebhook counts one processed billing event.
func (m *BillingMetrics) ObserveWebhook(eventType, outcome string) {
	if m == nil || m.webhookEvents == nil {
		return
	}
	m.webhookEvents.WithLabelValues(normalizeLabel(eventType), normalizeLabel(outcome)).Inc()
}

// ObserveProcessorCall records one processor round trip.
func (m *BillingMetrics) ObserveProcessorCall(operation, outcome string, elapsed time.Duration) {
	if m == nil || m.processorCalls == nil {
		return
	}
	op := normalizeLabel(operation)
	m.processorCalls.WithLabelValues(op, normalizeLabel(outcome)).Inc()
	m.processorLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// SetBreakerState exports the numeric breaker state.
func (m *BillingMetrics) SetBreakerState(name string, state float64) {
	if m == nil || m.breakerState == nil {
		return
	}
	m.breakerState.WithLabelValues(normalizeLabel(name)).Set(state)
}

// IncAnomaly counts an invariant violation of the given kind.
func (m *BillingMetrics) IncAnomaly(kind string) {
	if m == nil || m.anomalies == nil {
		return
	}
	m.anomalies.WithLabelValues(normalizeLabel(kind)).Inc()
}

// SetRevenueSnapshot exports the reporting projections.
func (m *BillingMetrics) SetRevenueSnapshot(mrrCents, churnRatio float64) {
	if m == nil || m.mrrCents == nil {
		return
	}
	m.mrrCents.Set(mrrCents)
	m.churnRatio.Set(churnRatio)
}

// SetDuplicateLiveUsers exports the anomaly scan result.
func (m *BillingMetrics) SetDuplicateLiveUsers(count int) {
	if m == nil || m.duplicateLive == nil {
		return
	}
	m.duplicateLive.Set(float64(count))
}
