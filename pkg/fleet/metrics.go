package fleet

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the fleet counters. Session gauges read straight from the
// registry so they can never drift from the real connection count.
type Metrics struct {
	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	syncsDelivered   *prometheus.CounterVec
	commandsResolved *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer, registry *Registry) *Metrics {
	m := &Metrics{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "displayops",
			Subsystem: "fleet",
			Name:      "messages_received_total",
			Help:      "Inbound controller messages by type.",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "displayops",
			Subsystem: "fleet",
			Name:      "messages_sent_total",
			Help:      "Outbound messages to controllers by type.",
		}, []string{"type"}),
		syncsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "displayops",
			Subsystem: "fleet",
			Name:      "syncs_delivered_total",
			Help:      "Sync payloads successfully written to controllers.",
		}, []string{"kind"}),
		commandsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "displayops",
			Subsystem: "fleet",
			Name:      "commands_resolved_total",
			Help:      "Command responses reported by controllers.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.messagesReceived,
		m.messagesSent,
		m.syncsDelivered,
		m.commandsResolved,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "displayops",
			Subsystem: "fleet",
			Name:      "sessions",
			Help:      "Live controller connections.",
		}, func() float64 { return float64(registry.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "displayops",
			Subsystem: "fleet",
			Name:      "registered_sessions",
			Help:      "Live connections that completed registration.",
		}, func() float64 { return float64(registry.BoundLen()) }),
	)
	return m
}

func (m *Metrics) MessageReceived(msgType string) {
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) MessageSent(msgType string) {
	m.messagesSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) SyncDelivered(kind SyncKind) {
	m.syncsDelivered.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) CommandResolved(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.commandsResolved.WithLabelValues(outcome).Inc()
}
