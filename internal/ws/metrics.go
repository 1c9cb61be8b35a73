package ws

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks relay activity. All record methods tolerate a nil receiver
// so the hub can run without a registry in tests.
type Metrics struct {
	connectionsActive prometheus.Gauge
	devicesOnline     prometheus.Gauge
	messagesRouted    *prometheus.CounterVec
	typingRelayed     prometheus.Counter
	historyEvictions  prometheus.Counter
	sendOverflows     prometheus.Counter
}

// NewMetrics registers the relay collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lanchat_connections_active",
			Help: "Currently open websocket connections.",
		}),
		devicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lanchat_devices_online",
			Help: "Devices with at least one open connection.",
		}),
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lanchat_messages_routed_total",
			Help: "Messages appended to history and dispatched, by type.",
		}, []string{"type"}),
		typingRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_typing_relayed_total",
			Help: "Typing signals forwarded.",
		}),
		historyEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_history_evictions_total",
			Help: "Oldest-entry evictions across all channel logs.",
		}),
		sendOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lanchat_send_overflows_total",
			Help: "Connections closed because their outbound queue overflowed.",
		}),
	}

	reg.MustRegister(
		m.connectionsActive,
		m.devicesOnline,
		m.messagesRouted,
		m.typingRelayed,
		m.historyEvictions,
		m.sendOverflows,
	)
	return m
}

func (m *Metrics) setConnections(n int) {
	if m == nil {
		return
	}
	m.connectionsActive.Set(float64(n))
}

func (m *Metrics) setDevices(n int) {
	if m == nil {
		return
	}
	m.devicesOnline.Set(float64(n))
}

func (m *Metrics) recordMessage(messageType string) {
	if m == nil {
		return
	}
	m.messagesRouted.WithLabelValues(messageType).Inc()
}

func (m *Metrics) recordTyping() {
	if m == nil {
		return
	}
	m.typingRelayed.Inc()
}

func (m *Metrics) recordEviction() {
	if m == nil {
		return
	}
	m.historyEvictions.Inc()
}

func (m *Metrics) recordOverflow() {
	if m == nil {
		return
	}
	m.sendOverflows.Inc()
}
