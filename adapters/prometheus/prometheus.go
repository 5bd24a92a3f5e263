// Package prometheus provides Prometheus implementations of the client and
// metadata cache metrics interfaces.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/lift-go/core/metrics"
)

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// AllMetrics holds the Prometheus implementations for a lift client.
type AllMetrics struct {
	Client   *clientMetrics
	Metadata *metadataMetrics
}

// NewAllMetrics registers client and metadata metrics on reg. Plug the
// fields into lift.ClientOptions.Metrics and MetadataMetrics.
func NewAllMetrics(reg prometheus.Registerer) *AllMetrics {
	return &AllMetrics{
		Client:   NewClientMetrics(reg).(*clientMetrics),
		Metadata: NewMetadataMetrics(reg).(*metadataMetrics),
	}
}
