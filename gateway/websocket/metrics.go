package websocket

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the WebSocket gateway. A nil *Metrics records
// nothing.
type Metrics struct {
	connections    prometheus.Counter
	disconnections *prometheus.CounterVec
	clients        prometheus.Gauge
	sent           prometheus.Counter
	ingests        prometheus.Counter
	errors         *prometheus.CounterVec
}

// NewMetrics registers WebSocket gateway metrics. Returns nil when
// registry is nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus", Subsystem: "websocket",
			Name: "connections_total",
			Help: "Client connections accepted",
		}),
		disconnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drivebus", Subsystem: "websocket",
			Name: "disconnections_total",
			Help: "Client disconnections by reason",
		}, []string{"reason"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drivebus", Subsystem: "websocket",
			Name: "clients_connected",
			Help: "Currently connected clients",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus", Subsystem: "websocket",
			Name: "messages_sent_total",
			Help: "Messages pushed to clients",
		}),
		ingests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus", Subsystem: "websocket",
			Name: "steps_ingested_total",
			Help: "Driving steps ingested over WebSocket",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drivebus", Subsystem: "websocket",
			Name: "errors_total",
			Help: "Gateway errors by type",
		}, []string{"error_type"}),
	}

	registry.MustRegister(m.connections, m.disconnections, m.clients, m.sent, m.ingests, m.errors)
	return m
}

// RecordConnect counts a new connection and updates the client gauge.
func (m *Metrics) RecordConnect(clients int) {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.clients.Set(float64(clients))
}

// RecordDisconnect counts a disconnection and updates the client gauge.
func (m *Metrics) RecordDisconnect(reason string, clients int) {
	if m == nil {
		return
	}
	m.disconnections.WithLabelValues(reason).Inc()
	m.clients.Set(float64(clients))
}

// RecordSent counts one message pushed to a client.
func (m *Metrics) RecordSent() {
	if m == nil {
		return
	}
	m.sent.Inc()
}

// RecordIngest counts one step accepted over the socket.
func (m *Metrics) RecordIngest() {
	if m == nil {
		return
	}
	m.ingests.Inc()
}

// RecordError counts one gateway error.
func (m *Metrics) RecordError(errorType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errorType).Inc()
}
