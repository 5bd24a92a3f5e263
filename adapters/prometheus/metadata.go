package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/lift-go/core/metadata"
	"github.com/codewandler/lift-go/core/metrics"
)

// metadataMetrics implements metadata.Metrics using Prometheus.
type metadataMetrics struct {
	updateDuration prometheus.Histogram
	updatesTotal   *prometheus.CounterVec
	streams        prometheus.Gauge
	brokers        prometheus.Gauge
	subjectWaits   *prometheus.CounterVec
}

// NewMetadataMetrics creates a new Prometheus implementation of
// metadata.Metrics.
func NewMetadataMetrics(reg prometheus.Registerer) metadata.Metrics {
	m := &metadataMetrics{
		updateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lift_metadata_update_duration_seconds",
			Help:    "Metadata refresh latency in seconds, retries included",
			Buckets: defaultBuckets,
		}),

		updatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lift_metadata_updates_total",
			Help: "Total number of metadata refreshes",
		}, []string{"success"}),

		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lift_metadata_streams",
			Help: "Number of streams in the current metadata snapshot",
		}),

		brokers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lift_metadata_brokers",
			Help: "Number of brokers in the current metadata snapshot",
		}),

		subjectWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lift_metadata_subject_waits_total",
			Help: "Total number of waits for an unknown subject",
		}, []string{"found"}),
	}

	reg.MustRegister(
		m.updateDuration,
		m.updatesTotal,
		m.streams,
		m.brokers,
		m.subjectWaits,
	)

	return m
}

func (m *metadataMetrics) UpdateDuration() metrics.Timer {
	return newTimer(m.updateDuration)
}

func (m *metadataMetrics) UpdateCompleted(success bool) {
	m.updatesTotal.WithLabelValues(boolToStr(success)).Inc()
}

func (m *metadataMetrics) Snapshot(streams, brokers int) {
	m.streams.Set(float64(streams))
	m.brokers.Set(float64(brokers))
}

func (m *metadataMetrics) SubjectWait(found bool) {
	m.subjectWaits.WithLabelValues(boolToStr(found)).Inc()
}

var _ metadata.Metrics = (*metadataMetrics)(nil)
