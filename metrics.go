package sentry_capture

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "rr_sentry_capture"
)

// Reasons reported on the dropped events counter
const (
	reasonNetworkError = "network_error"
	reasonSendError    = "send_error"
	reasonQueueCorrupt = "queue_corrupt"
	reasonQueueWrite   = "queue_write_error"
)

// Metrics implements prometheus.Collector. A nil *Metrics is valid and records nothing
type Metrics struct {
	successfulEvents atomic.Uint64
	queuedEvents     atomic.Uint64
	retriedEvents    atomic.Uint64

	successfulEventsDesc *prometheus.Desc
	queuedEventsDesc     *prometheus.Desc
	retriedEventsDesc    *prometheus.Desc
	queueLengthDesc      *prometheus.Desc

	capturedEvents *prometheus.CounterVec
	droppedEvents  *prometheus.CounterVec

	queueLength atomic.Pointer[func() (int, error)]
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		successfulEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "successful_events_total"),
			"Total number of events acknowledged by the server",
			nil, nil),

		queuedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queued_events_total"),
			"Total number of events stored in the offline queue",
			nil, nil),

		retriedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "retried_events_total"),
			"Total number of failed sweep attempts kept for retry",
			nil, nil),

		queueLengthDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "queue_length"),
			"Number of events currently waiting in the offline queue",
			nil, nil),

		capturedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prometheus.BuildFQName(namespace, "", "captured_events_total"),
				Help: "Total number of captured events by level",
			},
			[]string{"level"}),

		droppedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prometheus.BuildFQName(namespace, "", "dropped_events_total"),
				Help: "Total number of events given up on, by reason",
			},
			[]string{"reason"}),
	}
}

// IncCapturedEvents increments the captured counter for the level
func (m *Metrics) IncCapturedEvents(level Level) {
	if m == nil {
		return
	}
	m.capturedEvents.WithLabelValues(string(level)).Inc()
}

// IncSuccessfulEvents increments successful events counter
func (m *Metrics) IncSuccessfulEvents() {
	if m == nil {
		return
	}
	m.successfulEvents.Add(1)
}

// IncQueuedEvents increments queued events counter
func (m *Metrics) IncQueuedEvents() {
	if m == nil {
		return
	}
	m.queuedEvents.Add(1)
}

// IncRetriedEvents increments retried events counter
func (m *Metrics) IncRetriedEvents() {
	if m == nil {
		return
	}
	m.retriedEvents.Add(1)
}

// IncDroppedEvents increments the dropped counter for the reason
func (m *Metrics) IncDroppedEvents(reason string) {
	if m == nil {
		return
	}
	m.droppedEvents.WithLabelValues(reason).Inc()
}

// observeQueue makes the collector report the queue length on every scrape
func (m *Metrics) observeQueue(q *OfflineQueue) {
	if m == nil || q == nil {
		return
	}
	fn := q.Len
	m.queueLength.Store(&fn)
}

// Describe sends all metric descriptions to Prometheus
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.successfulEventsDesc
	ch <- m.queuedEventsDesc
	ch <- m.retriedEventsDesc
	ch <- m.queueLengthDesc

	m.capturedEvents.Describe(ch)
	m.droppedEvents.Describe(ch)
}

// Collect sends current metric values to Prometheus
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		m.successfulEventsDesc,
		prometheus.CounterValue,
		float64(m.successfulEvents.Load()))

	ch <- prometheus.MustNewConstMetric(
		m.queuedEventsDesc,
		prometheus.CounterValue,
		float64(m.queuedEvents.Load()))

	ch <- prometheus.MustNewConstMetric(
		m.retriedEventsDesc,
		prometheus.CounterValue,
		float64(m.retriedEvents.Load()))

	if fn := m.queueLength.Load(); fn != nil {
		if n, err := (*fn)(); err == nil {
			ch <- prometheus.MustNewConstMetric(
				m.queueLengthDesc,
				prometheus.GaugeValue,
				float64(n))
		}
	}

	m.capturedEvents.Collect(ch)
	m.droppedEvents.Collect(ch)
}
