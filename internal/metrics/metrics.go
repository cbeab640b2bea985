// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

const namespace = "fedgraph"

// Fetch outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeGraphQLError = "graphql_error"
	OutcomeFailure      = "failure"
)

type Metrics struct {
	FetchTotal          *prometheus.CounterVec
	FetchDuration       *prometheus.HistogramVec
	EventLatency        prometheus.Histogram
	InvariantViolations prometheus.Counter

	Subscriptions *SubscriptionCounter
}

// New registers the collectors with reg. A nil reg builds unregistered
// collectors, which is what tests use.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		FetchTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_total",
			Help:      "Total number of sub-requests sent to sources, by outcome.",
		}, []string{"service", "outcome"}),
		FetchDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Time spent waiting for a source to answer a sub-request.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"service"}),
		EventLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subscription_event_latency_seconds",
			Help:      "Time from receiving a subscription event upstream to forwarding it to the client.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		InvariantViolations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_invariant_violations_total",
			Help:      "Plan evaluations aborted because the plan broke a structural rule.",
		}),
		Subscriptions: NewSubscriptionCounter(promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_subscriptions",
			Help:      "Number of subscriptions currently delivering events.",
		})),
	}
}

// SubscriptionCounter counts active subscription loops. Activate and
// Terminate must be paired.
type SubscriptionCounter struct {
	n     *atomic.Int64
	gauge prometheus.Gauge
}

func NewSubscriptionCounter(gauge prometheus.Gauge) *SubscriptionCounter {
	return &SubscriptionCounter{n: atomic.NewInt64(0), gauge: gauge}
}

func (c *SubscriptionCounter) Activate() {
	c.n.Inc()
	c.gauge.Inc()
}

func (c *SubscriptionCounter) Terminate() {
	c.n.Dec()
	c.gauge.Dec()
}

// Load returns the number of active subscriptions.
func (c *SubscriptionCounter) Load() int64 {
	return c.n.Load()
}
