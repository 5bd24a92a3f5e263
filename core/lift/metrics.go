package lift

import "github.com/codewandler/lift-go/core/metrics"

// ClientMetrics instruments client operations. op is one of "create_stream",
// "publish", "publish_to_subject", "subscribe" or "connect".
type ClientMetrics interface {
	RequestDuration(op string) metrics.Timer
	RequestCompleted(op string, success bool)
	SubscriptionOpened()
	SubscriptionClosed()
}

type nopClientMetrics struct{}

func (nopClientMetrics) RequestDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopClientMetrics) RequestCompleted(string, bool)        {}
func (nopClientMetrics) SubscriptionOpened()                  {}
func (nopClientMetrics) SubscriptionClosed()                  {}

// NopClientMetrics returns a ClientMetrics that records nothing.
func NopClientMetrics() ClientMetrics { return nopClientMetrics{} }
