package metadata

import "github.com/codewandler/lift-go/core/metrics"

// Metrics instruments the metadata cache.
type Metrics interface {
	// UpdateDuration times one Update call, retries included.
	UpdateDuration() metrics.Timer
	// UpdateCompleted records the outcome of an Update call.
	UpdateCompleted(success bool)
	// Snapshot records the size of a newly published snapshot.
	Snapshot(streams, brokers int)
	// SubjectWait records the outcome of waiting for a subject to appear.
	SubjectWait(found bool)
}

type nopMetrics struct{}

func (nopMetrics) UpdateDuration() metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) UpdateCompleted(bool)          {}
func (nopMetrics) Snapshot(int, int)             {}
func (nopMetrics) SubjectWait(bool)              {}

// NopMetrics returns a Metrics that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }
