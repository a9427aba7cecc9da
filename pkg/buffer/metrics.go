package buffer

import "github.com/prometheus/client_golang/prometheus"

// bufferMetrics exports buffer statistics as Prometheus metrics.
type bufferMetrics struct {
	writes    prometheus.Counter
	reads     prometheus.Counter
	overflows prometheus.Counter
	drops     prometheus.Counter
	size      prometheus.Gauge
}

func newBufferMetrics(registry prometheus.Registerer, prefix string) (*bufferMetrics, error) {
	m := &bufferMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus",
			Subsystem: "buffer",
			Name:      "writes_total",
			Help:      "Total items written to the buffer",
			ConstLabels: prometheus.Labels{"buffer": prefix},
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus",
			Subsystem: "buffer",
			Name:      "reads_total",
			Help:      "Total items read from the buffer",
			ConstLabels: prometheus.Labels{"buffer": prefix},
		}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus",
			Subsystem: "buffer",
			Name:      "overflows_total",
			Help:      "Total writes that found the buffer full",
			ConstLabels: prometheus.Labels{"buffer": prefix},
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus",
			Subsystem: "buffer",
			Name:      "drops_total",
			Help:      "Total items dropped by the overflow policy",
			ConstLabels: prometheus.Labels{"buffer": prefix},
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drivebus",
			Subsystem: "buffer",
			Name:      "size",
			Help:      "Current number of items in the buffer",
			ConstLabels: prometheus.Labels{"buffer": prefix},
		}),
	}

	for _, c := range []prometheus.Collector{m.writes, m.reads, m.overflows, m.drops, m.size} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *bufferMetrics) recordWrite(size int)  { m.writes.Inc(); m.size.Set(float64(size)) }
func (m *bufferMetrics) recordRead(size int)   { m.reads.Inc(); m.size.Set(float64(size)) }
func (m *bufferMetrics) recordOverflow()       { m.overflows.Inc() }
func (m *bufferMetrics) recordDrop()           { m.drops.Inc() }
func (m *bufferMetrics) updateSize(size int)   { m.size.Set(float64(size)) }
