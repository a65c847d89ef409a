package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	InboundMessages    *prometheus.CounterVec
	OutboundMessages   *prometheus.CounterVec
	RateLimited        *prometheus.CounterVec
	LeadTransitions    *prometheus.CounterVec
	NegotiationActions *prometheus.CounterVec
	ActiveNegotiations prometheus.Gauge
	TxRetries          *prometheus.CounterVec
	NLURequests        *prometheus.CounterVec
	NLULatency         *prometheus.HistogramVec
	SchedulerCycles    *prometheus.CounterVec
	Errors             *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = build(namespace)
		prometheus.MustRegister(metricsInstance.collectors()...)
	})
	return metricsInstance
}

// NewUnregistered returns collectors that are not attached to the default registry.
func NewUnregistered() *Metrics {
	return build("test")
}

func build(namespace string) *Metrics {
	return &Metrics{
		InboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound lead messages by channel and outcome.",
		}, []string{"channel", "outcome"}),
		OutboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound lead messages by channel and status.",
		}, []string{"channel", "status"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Sends rejected by the rate limiter by channel and window.",
		}, []string{"channel", "window"}),
		LeadTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lead_transitions_total",
			Help:      "Lead status transitions by target status.",
		}, []string{"status"}),
		NegotiationActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negotiation_actions_total",
			Help:      "Negotiation actions by action and result.",
		}, []string{"action", "result"}),
		ActiveNegotiations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "negotiations_active",
			Help:      "Negotiations currently held in the registry.",
		}),
		TxRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_tx_retries_total",
			Help:      "Transaction retries caused by lock contention.",
		}, []string{"driver"}),
		NLURequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nlu_requests_total",
			Help:      "NLU requests by operation and outcome.",
		}, []string{"operation", "status"}),
		NLULatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "nlu_request_duration_seconds",
			Help:      "Latency distribution for NLU calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		SchedulerCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_cycles_total",
			Help:      "Scheduler cycles by outcome.",
		}, []string{"outcome"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors grouped by component.",
		}, []string{"component"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.InboundMessages,
		m.OutboundMessages,
		m.RateLimited,
		m.LeadTransitions,
		m.NegotiationActions,
		m.ActiveNegotiations,
		m.TxRetries,
		m.NLURequests,
		m.NLULatency,
		m.SchedulerCycles,
		m.Errors,
	}
}
