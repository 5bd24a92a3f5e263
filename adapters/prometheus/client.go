package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/lift-go/core/lift"
	"github.com/codewandler/lift-go/core/metrics"
)

// clientMetrics implements lift.ClientMetrics using Prometheus.
type clientMetrics struct {
	requestDuration     *prometheus.HistogramVec
	requestsTotal       *prometheus.CounterVec
	subscriptionsActive prometheus.Gauge
	subscriptionsTotal  prometheus.Counter
}

// NewClientMetrics creates a new Prometheus implementation of ClientMetrics.
func NewClientMetrics(reg prometheus.Registerer) lift.ClientMetrics {
	m := &clientMetrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lift_client_request_duration_seconds",
			Help:    "Client operation latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"op"}),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lift_client_requests_total",
			Help: "Total number of client operations",
		}, []string{"op", "success"}),

		subscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lift_client_subscriptions_active",
			Help: "Number of open subscriptions",
		}),

		subscriptionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lift_client_subscriptions_total",
			Help: "Total number of subscriptions opened",
		}),
	}

	reg.MustRegister(
		m.requestDuration,
		m.requestsTotal,
		m.subscriptionsActive,
		m.subscriptionsTotal,
	)

	return m
}

func (m *clientMetrics) RequestDuration(op string) metrics.Timer {
	return newTimer(m.requestDuration.WithLabelValues(op))
}

func (m *clientMetrics) RequestCompleted(op string, success bool) {
	m.requestsTotal.WithLabelValues(op, boolToStr(success)).Inc()
}

func (m *clientMetrics) SubscriptionOpened() {
	m.subscriptionsTotal.Inc()
	m.subscriptionsActive.Inc()
}

func (m *clientMetrics) SubscriptionClosed() {
	m.subscriptionsActive.Dec()
}

var _ lift.ClientMetrics = (*clientMetrics)(nil)
