// Package metrics exposes Prometheus collectors for the power monitor.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "power_monitor"

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Detector metrics
	TicksTotal   prometheus.Counter
	TickDuration prometheus.Histogram
	Transitions  *prometheus.CounterVec
	LabelErrors  *prometheus.CounterVec
	Anomalies    *prometheus.CounterVec
	LabelsKnown  prometheus.Gauge
	LabelStatus  *prometheus.GaugeVec

	// Ingestion metrics
	HeartbeatsTotal *prometheus.CounterVec

	// Notifier metrics
	NotificationsTotal *prometheus.CounterVec
	NotifierCursor     prometheus.Gauge
}

// NewMetrics creates and registers metrics on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		TicksTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "ticks_total",
			Help:      "Total number of detector ticks",
		}),

		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "tick_duration_seconds",
			Help:      "Duration of a detector tick",
			Buckets:   prometheus.DefBuckets,
		}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "transitions_total",
			Help:      "Status transitions recorded in the ledger",
		}, []string{"label", "status"}),

		LabelErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "label_errors_total",
			Help:      "Per-label evaluation errors by operation",
		}, []string{"op"}),

		Anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "anomalies_total",
			Help:      "Readings that were clamped instead of taken at face value",
		}, []string{"kind"}),

		LabelsKnown: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "labels",
			Help:      "Number of labels discovered in the last tick",
		}),

		LabelStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "power_available",
			Help:      "1 when power is available at the label, 0 otherwise",
		}, []string{"label"}),

		HeartbeatsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "heartbeats_total",
			Help:      "Heartbeats received by result (applied, ignored, rejected, error)",
		}, []string{"source", "result"}),

		NotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "notifications_total",
			Help:      "Notifications dispatched by sink and result",
		}, []string{"sink", "result"}),

		NotifierCursor: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "cursor",
			Help:      "Sequence of the last ledger event handled by the notifier",
		}),
	}
}

// ObserveTick records one completed tick.
func (m *Metrics) ObserveTick(d time.Duration, labels int) {
	if m == nil {
		return
	}
	m.TicksTotal.Inc()
	m.TickDuration.Observe(d.Seconds())
	m.LabelsKnown.Set(float64(labels))
}

// Transition records a ledger write.
func (m *Metrics) Transition(label, status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(label, status).Inc()
}

// LabelError records a per-label failure.
func (m *Metrics) LabelError(op string) {
	if m == nil {
		return
	}
	m.LabelErrors.WithLabelValues(op).Inc()
}

// Anomaly records a clamped reading.
func (m *Metrics) Anomaly(kind string) {
	if m == nil {
		return
	}
	m.Anomalies.WithLabelValues(kind).Inc()
}

// SetLabelAvailable records the current status of a label.
func (m *Metrics) SetLabelAvailable(label string, available bool) {
	if m == nil {
		return
	}
	v := 0.0
	if available {
		v = 1
	}
	m.LabelStatus.WithLabelValues(label).Set(v)
}

// Heartbeat records an ingestion result.
func (m *Metrics) Heartbeat(source, result string) {
	if m == nil {
		return
	}
	m.HeartbeatsTotal.WithLabelValues(source, result).Inc()
}

// Notification records a dispatch result.
func (m *Metrics) Notification(sink, result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(sink, result).Inc()
}

// SetCursor records the notifier cursor.
func (m *Metrics) SetCursor(seq int64) {
	if m == nil {
		return
	}
	m.NotifierCursor.Set(float64(seq))
}
