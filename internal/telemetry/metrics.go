package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	documents         prometheus.Gauge
	connections       prometheus.Gauge
	messages          *prometheus.CounterVec
	awarenessRejected prometheus.Counter
	livenessTimeouts  prometheus.Counter
	persistenceOps    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		documents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_documents",
			Help: "Shared documents currently resident in memory.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Connections currently attached to a document.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Inbound frames by message type.",
		}, []string{"type"}),
		awarenessRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_awareness_rejected_total",
			Help: "Awareness entries discarded because their clock was not newer.",
		}),
		livenessTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_liveness_timeouts_total",
			Help: "Connections closed for not answering a keepalive probe.",
		}),
		persistenceOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_persistence_ops_total",
			Help: "Persistence bind and write calls by outcome.",
		}, []string{"op", "result"}),
	}

	reg.MustRegister(
		m.documents,
		m.connections,
		m.messages,
		m.awarenessRejected,
		m.livenessTimeouts,
		m.persistenceOps,
	)
	return m
}

func (m *Metrics) DocumentOpened() {
	if m != nil {
		m.documents.Inc()
	}
}

func (m *Metrics) DocumentClosed() {
	if m != nil {
		m.documents.Dec()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) MessageReceived(msgType string) {
	if m != nil {
		m.messages.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) AwarenessRejected(n int) {
	if m != nil && n > 0 {
		m.awarenessRejected.Add(float64(n))
	}
}

func (m *Metrics) LivenessTimeout() {
	if m != nil {
		m.livenessTimeouts.Inc()
	}
}

// PersistenceOp records one bind or write outcome
func (m *Metrics) PersistenceOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.persistenceOps.WithLabelValues(op, result).Inc()
}
