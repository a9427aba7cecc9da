// Package pipeline joins the codec, store, broker and hub into the two
// flows of the bus: ingest (step to frames to log to token) and consume
// (token to frames to step to subscribers).
package pipeline

import (
	"context"
	"log/slog"

	"github.com/c360/drivebus/broker"
	"github.com/c360/drivebus/canbus"
	"github.com/c360/drivebus/errors"
	"github.com/c360/drivebus/store"
)

// TokenPublisher publishes routing tokens. Satisfied by *broker.Gateway.
type TokenPublisher interface {
	PublishToken(ctx context.Context, token broker.Token) error
}

// BatchAppender persists frame batches. Satisfied by *store.Store.
type BatchAppender interface {
	AppendBatch(ctx context.Context, frames []canbus.Frame, stepHash uint32) (*store.AppendResult, error)
}

// Ingestor drives the write path. The store is the source of truth: a step
// counts as ingested once its batch commits, whether or not the token made
// it to the broker.
type Ingestor struct {
	appender  BatchAppender
	publisher TokenPublisher
	logger    *slog.Logger
	metrics   *Metrics
}

// NewIngestor wires the write path.
func NewIngestor(appender BatchAppender, publisher TokenPublisher, opts ...IngestorOption) *Ingestor {
	ing := &Ingestor{
		appender:  appender,
		publisher: publisher,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(ing)
	}
	ing.logger = ing.logger.With("component", "ingestor")
	return ing
}

// IngestorOption configures an Ingestor.
type IngestorOption func(*Ingestor)

// WithIngestorLogger sets the structured logger.
func WithIngestorLogger(logger *slog.Logger) IngestorOption {
	return func(i *Ingestor) { i.logger = logger }
}

// WithIngestorMetrics enables prometheus instrumentation.
func WithIngestorMetrics(m *Metrics) IngestorOption {
	return func(i *Ingestor) { i.metrics = m }
}

// IngestResult reports where the step landed and whether its token went
// out. PublishError carries the publish failure for wire clients,
// PublishErr keeps the error chain for in-process callers.
type IngestResult struct {
	BatchID      int64  `json:"batch_id"`
	FirstSeq     int64  `json:"first_seq"`
	LastSeq      int64  `json:"last_seq"`
	Published    bool   `json:"published"`
	PublishError string `json:"publish_error,omitempty"`
	PublishErr   error  `json:"-"`
}

// Ingest validates, encodes and persists one step, then publishes its
// routing token. A publish failure is reported in the result, not as an
// error: the batch is durable and the token replays when the broker
// returns.
func (i *Ingestor) Ingest(ctx context.Context, step *canbus.DrivingStep) (*IngestResult, error) {
	if err := step.Validate(); err != nil {
		i.metrics.RecordIngestFailure()
		return nil, err
	}

	frames := canbus.Encode(step)
	hash := canbus.StepNameHash(step.StepName)

	res, err := i.appender.AppendBatch(ctx, frames, hash)
	if err != nil {
		i.metrics.RecordIngestFailure()
		return nil, errors.Wrap(err, "Ingestor", "Ingest", "persist batch")
	}

	result := &IngestResult{
		BatchID:  res.BatchID,
		FirstSeq: res.FirstSeq,
		LastSeq:  res.LastSeq,
	}

	token := broker.Token{BatchID: res.BatchID, StepHash: hash, StepName: step.StepName}
	if err := i.publisher.PublishToken(ctx, token); err != nil {
		result.PublishErr = err
		result.PublishError = err.Error()
		i.metrics.RecordPublishFailure()
		i.logger.Warn("batch stored but token not published",
			"batch_id", res.BatchID, "step_name", step.StepName, "error", err)
	} else {
		result.Published = true
	}

	i.metrics.RecordIngest()
	i.logger.Info("step ingested",
		"batch_id", res.BatchID, "step_name", step.StepName,
		"first_seq", res.FirstSeq, "last_seq", res.LastSeq,
		"published", result.Published)
	return result, nil
}
