package broker

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the gateway. A nil *Metrics records nothing.
type Metrics struct {
	published  prometheus.Counter
	consumed   prometheus.Counter
	failures   prometheus.Counter
	reconnects prometheus.Counter
	queueDrops prometheus.Counter
	queueDepth prometheus.Gauge
	status     prometheus.Gauge
}

// NewMetrics registers broker metrics on the given registerer. Returns nil
// when registry is nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus", Subsystem: "broker",
			Name: "tokens_published_total",
			Help: "Number of routing tokens published",
		}),
		consumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus", Subsystem: "broker",
			Name: "tokens_consumed_total",
			Help: "Number of routing tokens acknowledged",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus", Subsystem: "broker",
			Name: "failures_total",
			Help: "Number of broker operation failures",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus", Subsystem: "broker",
			Name: "reconnects_total",
			Help: "Number of connection recoveries",
		}),
		queueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus", Subsystem: "broker",
			Name: "queue_drops_total",
			Help: "Number of tokens rejected by the full publish queue",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drivebus", Subsystem: "broker",
			Name: "queue_depth",
			Help: "Tokens currently parked awaiting reconnect",
		}),
		status: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drivebus", Subsystem: "broker",
			Name: "connection_status",
			Help: "Connection state (0 disconnected to 4 circuit open)",
		}),
	}

	registry.MustRegister(m.published, m.consumed, m.failures, m.reconnects,
		m.queueDrops, m.queueDepth, m.status)
	return m
}

// RecordPublish counts one published token.
func (m *Metrics) RecordPublish() {
	if m == nil {
		return
	}
	m.published.Inc()
}

// RecordConsume counts one acknowledged token.
func (m *Metrics) RecordConsume() {
	if m == nil {
		return
	}
	m.consumed.Inc()
}

// RecordFailure counts one broker failure.
func (m *Metrics) RecordFailure() {
	if m == nil {
		return
	}
	m.failures.Inc()
}

// RecordReconnect counts one connection recovery.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// RecordQueueDrop counts one token rejected by the full queue.
func (m *Metrics) RecordQueueDrop() {
	if m == nil {
		return
	}
	m.queueDrops.Inc()
}

// SetQueueDepth updates the parked token gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetStatus updates the connection state gauge.
func (m *Metrics) SetStatus(s int) {
	if m == nil {
		return
	}
	m.status.Set(float64(s))
}
