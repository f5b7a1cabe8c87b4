// Package metrics exposes Prometheus collectors for the capture pipeline.
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry.
package metrics

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "heapflow"

// Metrics groups every collector heapflow records into.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	operationsTotal    *prometheus.CounterVec
	cyclesTotal        *prometheus.CounterVec
	rejectionsTotal    *prometheus.CounterVec
	messagesUploaded   prometheus.Counter
	messagesDropped    *prometheus.CounterVec
	transformTimeouts  *prometheus.CounterVec
	pendingCallbacks   prometheus.Gauge
	cycleDurationHisto prometheus.Histogram
}

// New creates the collectors. A nil registerer selects the default one.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upload", Name: "operations_total",
			Help: "Upload requests by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upload", Name: "cycles_total",
			Help: "Completed upload cycles by outcome",
		}, []string{"outcome"}),
		rejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upload", Name: "rejections_total",
			Help: "Users and sessions rejected or deleted after a bad request",
		}, []string{"kind", "action"}),
		messagesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upload", Name: "messages_total",
			Help: "Messages acknowledged by the collector",
		}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "datastore", Name: "messages_dropped_total",
			Help: "Messages dropped before they reached the queue",
		}, []string{"reason"}),
		transformTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "transform", Name: "timeouts_total",
			Help: "Transformer steps that hit their watchdog timeout",
		}, []string{"transformer"}),
		pendingCallbacks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "transform", Name: "pending_messages",
			Help: "Messages whose transforms have not completed yet",
		}),
		cycleDurationHisto: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "upload", Name: "cycle_duration_seconds",
			Help:    "Wall time of a full upload cycle",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.operationsTotal,
		m.cyclesTotal,
		m.rejectionsTotal,
		m.messagesUploaded,
		m.messagesDropped,
		m.transformTimeouts,
		m.pendingCallbacks,
		m.cycleDurationHisto,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *Metrics) RecordOperation(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) RecordCycle(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(outcome).Inc()
	m.cycleDurationHisto.Observe(seconds)
}

// RecordRejection counts a bad-request outcome; kind is "user" or "session"
// and action is "rejected" or "deleted".
func (m *Metrics) RecordRejection(kind, action string) {
	if m == nil {
		return
	}
	m.rejectionsTotal.WithLabelValues(kind, action).Inc()
}

func (m *Metrics) AddMessagesUploaded(n int) {
	if m == nil {
		return
	}
	m.messagesUploaded.Add(float64(n))
}

func (m *Metrics) RecordDroppedMessage(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordTransformTimeout(transformer string) {
	if m == nil {
		return
	}
	m.transformTimeouts.WithLabelValues(transformer).Inc()
}

func (m *Metrics) PendingTransformsInc() {
	if m == nil {
		return
	}
	m.pendingCallbacks.Inc()
}

func (m *Metrics) PendingTransformsDec() {
	if m == nil {
		return
	}
	m.pendingCallbacks.Dec()
}
