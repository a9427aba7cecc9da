package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments both pipeline flows. A nil *Metrics records nothing.
type Metrics struct {
	ingested            prometheus.Counter
	ingestFailures      prometheus.Counter
	publishFailures     prometheus.Counter
	consumed            prometheus.Counter
	reconstructFailures prometheus.Counter
}

// NewMetrics registers pipeline metrics. Returns nil when registry is nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus", Subsystem: "pipeline",
			Name: "steps_ingested_total",
			Help: "Steps committed to the log",
		}),
		ingestFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus", Subsystem: "pipeline",
			Name: "ingest_failures_total",
			Help: "Steps rejected or not persisted",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus", Subsystem: "pipeline",
			Name: "token_publish_failures_total",
			Help: "Stored steps whose routing token did not publish",
		}),
		consumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus", Subsystem: "pipeline",
			Name: "steps_delivered_total",
			Help: "Steps reconstructed and broadcast",
		}),
		reconstructFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivebus", Subsystem: "pipeline",
			Name: "reconstruct_failures_total",
			Help: "Tokens whose batch could not be rebuilt",
		}),
	}

	registry.MustRegister(m.ingested, m.ingestFailures, m.publishFailures,
		m.consumed, m.reconstructFailures)
	return m
}

// RecordIngest counts one persisted step.
func (m *Metrics) RecordIngest() {
	if m == nil {
		return
	}
	m.ingested.Inc()
}

// RecordIngestFailure counts one rejected or unpersisted step.
func (m *Metrics) RecordIngestFailure() {
	if m == nil {
		return
	}
	m.ingestFailures.Inc()
}

// RecordPublishFailure counts one stored step without a published token.
func (m *Metrics) RecordPublishFailure() {
	if m == nil {
		return
	}
	m.publishFailures.Inc()
}

// RecordConsume counts one delivered step.
func (m *Metrics) RecordConsume() {
	if m == nil {
		return
	}
	m.consumed.Inc()
}

// RecordReconstructFailure counts one unusable token.
func (m *Metrics) RecordReconstructFailure() {
	if m == nil {
		return
	}
	m.reconstructFailures.Inc()
}
