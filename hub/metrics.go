package hub

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments a hub. A nil *Metrics records nothing.
type Metrics struct {
	published   prometheus.Counter
	deliveries  prometheus.Counter
	drops       prometheus.Counter
	subscribers prometheus.Gauge
}

// NewMetrics registers hub metrics with the given name label. Returns nil
// when registry is nil.
func NewMetrics(registry prometheus.Registerer, name string) *Metrics {
	if registry == nil {
		return nil
	}

	labels := prometheus.Labels{"hub": name}
	m := &Metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus", Subsystem: "hub",
			Name: "published_total", ConstLabels: labels,
			Help: "Number of messages published to the hub",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus", Subsystem: "hub",
			Name: "deliveries_total", ConstLabels: labels,
			Help: "Number of subscriber queue writes",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus", Subsystem: "hub",
			Name: "drops_total", ConstLabels: labels,
			Help: "Messages shed from full subscriber queues",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drivebus", Subsystem: "hub",
			Name: "subscribers", ConstLabels: labels,
			Help: "Current subscriber count",
		}),
	}

	registry.MustRegister(m.published, m.deliveries, m.drops, m.subscribers)
	return m
}

// RecordPublish counts one publish that reached n subscriber queues.
func (m *Metrics) RecordPublish(n int) {
	if m == nil {
		return
	}
	m.published.Inc()
	m.deliveries.Add(float64(n))
}

// RecordDrop counts one message shed from a full queue.
func (m *Metrics) RecordDrop() {
	if m == nil {
		return
	}
	m.drops.Inc()
}

// SetSubscribers updates the subscriber gauge.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}
