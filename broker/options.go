package broker

import (
	"fmt"
	"log/slog"
	"time"
)

// Defaults for the token stream.
const (
	DefaultStreamName    = "DRIVEBUS"
	DefaultSubjectPrefix = "drivebus"
	DefaultDurableName   = "drivebus-consumer"
	DefaultQueueCapacity = 256
)

// Option configures a Gateway.
type Option func(g *Gateway, queueCapacity *int) error

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway, _ *int) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		g.logger = logger
		return nil
	}
}

// WithStream overrides the stream name and subject prefix.
func WithStream(name, subjectPrefix string) Option {
	return func(g *Gateway, _ *int) error {
		if name == "" || subjectPrefix == "" {
			return fmt.Errorf("stream name and subject prefix cannot be empty")
		}
		g.streamName = name
		g.subjectPrefix = subjectPrefix
		return nil
	}
}

// WithDurable overrides the durable consumer name.
func WithDurable(name string) Option {
	return func(g *Gateway, _ *int) error {
		if name == "" {
			return fmt.Errorf("durable name cannot be empty")
		}
		g.durableName = name
		return nil
	}
}

// WithQueueCapacity bounds the parked-publish queue.
func WithQueueCapacity(capacity int) Option {
	return func(_ *Gateway, queueCapacity *int) error {
		if capacity <= 0 {
			return fmt.Errorf("queue capacity must be positive, got %d", capacity)
		}
		*queueCapacity = capacity
		return nil
	}
}

// WithReconnect tunes how the underlying NATS client reconnects. A max of
// -1 retries forever.
func WithReconnect(max int, wait time.Duration) Option {
	return func(g *Gateway, _ *int) error {
		if max < -1 {
			return fmt.Errorf("max reconnects must be >= -1, got %d", max)
		}
		if wait <= 0 {
			return fmt.Errorf("reconnect wait must be positive, got %v", wait)
		}
		g.maxReconnects = max
		g.reconnectWait = wait
		return nil
	}
}

// WithCircuitBreaker tunes the failure threshold and backoff cap.
func WithCircuitBreaker(threshold int32, maxBackoff time.Duration) Option {
	return func(g *Gateway, _ *int) error {
		if threshold <= 0 {
			return fmt.Errorf("circuit threshold must be positive, got %d", threshold)
		}
		if maxBackoff <= 0 {
			return fmt.Errorf("max backoff must be positive, got %v", maxBackoff)
		}
		g.circuitThreshold = threshold
		g.maxBackoff = maxBackoff
		return nil
	}
}

// WithTimeouts tunes connection and drain timeouts.
func WithTimeouts(connect, drain time.Duration) Option {
	return func(g *Gateway, _ *int) error {
		if connect <= 0 || drain <= 0 {
			return fmt.Errorf("timeouts must be positive")
		}
		g.timeout = connect
		g.drainTimeout = drain
		return nil
	}
}

// WithMetrics enables prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(g *Gateway, _ *int) error {
		g.metrics = m
		return nil
	}
}
