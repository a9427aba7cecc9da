package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/c360/drivebus/broker"
	"github.com/c360/drivebus/canbus"
	"github.com/c360/drivebus/errors"
	"github.com/c360/drivebus/hub"
	"github.com/c360/drivebus/pkg/retry"
)

// TokenSource delivers routing tokens. Satisfied by *broker.Gateway.
type TokenSource interface {
	ConsumeTokens(ctx context.Context, handler func(context.Context, broker.Token) error) error
}

// Consumer drives the read path: for each token it loads the batch,
// reconstructs the step and broadcasts it. Failures surface to subscribers
// as error messages instead of silence.
type Consumer struct {
	source        TokenSource
	reconstructor *Reconstructor
	hub           *hub.Hub[hub.Message]
	logger        *slog.Logger
	metrics       *Metrics
}

// NewConsumer wires the read path.
func NewConsumer(source TokenSource, reconstructor *Reconstructor, h *hub.Hub[hub.Message], opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		source:        source,
		reconstructor: reconstructor,
		hub:           h,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "consumer")
	return c
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the structured logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

// WithConsumerMetrics enables prometheus instrumentation.
func WithConsumerMetrics(m *Metrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// Run attaches the consumer to the token stream. Delivery callbacks keep
// firing until ctx is cancelled or the source shuts down.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.source.ConsumeTokens(ctx, c.HandleToken); err != nil {
		return errors.Wrap(err, "Consumer", "Run", "attach to token stream")
	}
	c.logger.Info("consumer attached to token stream")
	return nil
}

// Supervise keeps attempting to attach the consumer to the token stream
// until an attempt succeeds or ctx is cancelled. When prepare is non-nil
// it runs before each attempt to bring the broker connection and stream
// up; attach failures back off with jitter, doubling up to cfg.MaxDelay.
// A broker that is down at boot therefore delays the read path instead of
// disabling it.
func (c *Consumer) Supervise(ctx context.Context, cfg retry.Config, prepare func(context.Context) error) {
	delay := cfg.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}

	for {
		err := c.attach(ctx, prepare)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}

		wait := retry.Jitter(delay, cfg.AddJitter)
		c.logger.Warn("token stream attach failed, retrying",
			"retry_in", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay = retry.NextDelay(delay, cfg.Multiplier, cfg.MaxDelay)
	}
}

func (c *Consumer) attach(ctx context.Context, prepare func(context.Context) error) error {
	if prepare != nil {
		if err := prepare(ctx); err != nil {
			return errors.Wrap(err, "Consumer", "Supervise", "prepare broker")
		}
	}
	return c.Run(ctx)
}

// HandleToken processes one routing token. A nil return acknowledges the
// token; returning an error requests redelivery. Missing batches and
// undecodable frames are acknowledged, reported to subscribers, and never
// redelivered, since retrying cannot repair the log.
func (c *Consumer) HandleToken(ctx context.Context, token broker.Token) error {
	var step *canbus.DrivingStep
	var err error
	batchID := token.BatchID
	if batchID == 0 {
		// Tokens from writers that predate batch ids carry no id.
		step, batchID, err = c.reconstructor.Latest(ctx)
	} else {
		step, err = c.reconstructor.ByID(ctx, batchID, token.StepName)
	}
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrBatchMissing),
		errors.Is(err, errors.ErrMalformedFrame),
		errors.Is(err, errors.ErrIncompleteBatch):
		c.metrics.RecordReconstructFailure()
		c.logger.Error("batch unusable, notifying subscribers",
			"batch_id", batchID, "error", err)
		c.hub.Publish(hub.NewErrorMessage(batchID, err.Error()))
		return nil
	default:
		// Transient store failure, let the broker redeliver.
		c.metrics.RecordReconstructFailure()
		return err
	}

	c.hub.Publish(hub.NewStepMessage(batchID, step))
	c.metrics.RecordConsume()
	c.logger.Debug("step delivered",
		"batch_id", batchID, "step_name", step.StepName)
	return nil
}
