package store

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments the batch log. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	batchesAppended prometheus.Counter
	framesWritten   prometheus.Counter
	reads           prometheus.Counter
}

// NewMetrics registers store metrics on the given registerer. Returns nil
// when registry is nil so callers can run uninstrumented.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		batchesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus",
			Subsystem: "store",
			Name:      "batches_appended_total",
			Help:      "Number of frame batches committed to the log",
		}),
		framesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus",
			Subsystem: "store",
			Name:      "frames_written_total",
			Help:      "Number of frames committed to the log",
		}),
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus",
			Subsystem: "store",
			Name:      "reads_total",
			Help:      "Number of read operations served",
		}),
	}

	registry.MustRegister(m.batchesAppended, m.framesWritten, m.reads)
	return m
}

// RecordAppend counts one committed batch of n frames.
func (m *Metrics) RecordAppend(n int) {
	if m == nil {
		return
	}
	m.batchesAppended.Inc()
	m.framesWritten.Add(float64(n))
}

// RecordRead counts one served read operation.
func (m *Metrics) RecordRead() {
	if m == nil {
		return
	}
	m.reads.Inc()
}
