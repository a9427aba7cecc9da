// Package broker connects the pipeline to NATS JetStream. The gateway owns
// the connection lifecycle: it reconnects with doubling backoff behind a
// circuit breaker, parks publishes in a bounded queue while the broker is
// away, and replays the queue once the connection returns.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/drivebus/errors"
	"github.com/c360/drivebus/pkg/buffer"
	"github.com/c360/drivebus/pkg/retry"
)

// ConnectionStatus represents the state of the broker connection.
type ConnectionStatus int

// Possible connection statuses.
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Gateway manages the JetStream connection for token publish and consume.
type Gateway struct {
	url    string
	logger *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream

	// Consumer management
	consumers   map[string]jetstream.ConsumeContext
	consumersMu sync.Mutex

	// Circuit breaker
	status           atomic.Value // stores ConnectionStatus
	failures         atomic.Int32
	circuitFailures  atomic.Int32
	backoff          atomic.Value // stores time.Duration
	lastFailure      atomic.Value // stores time.Time
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	streamName    string
	subjectPrefix string
	durableName   string
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration

	// Publishes parked while disconnected, replayed on reconnect.
	pending buffer.Buffer[Token]

	metrics *Metrics

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewGateway creates a gateway for the given NATS URL.
func NewGateway(url string, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		url:              url,
		logger:           slog.Default(),
		streamName:       DefaultStreamName,
		subjectPrefix:    DefaultSubjectPrefix,
		durableName:      DefaultDurableName,
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		consumers:        make(map[string]jetstream.ConsumeContext),
	}

	queueCapacity := DefaultQueueCapacity
	for _, opt := range opts {
		if err := opt(g, &queueCapacity); err != nil {
			return nil, errors.WrapInvalid(err, "Gateway", "NewGateway", "apply option")
		}
	}
	g.logger = g.logger.With("component", "broker")

	pending, err := buffer.NewCircularBuffer[Token](queueCapacity,
		buffer.WithOverflowPolicy[Token](buffer.DropNewest))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Gateway", "NewGateway", "create publish queue")
	}
	g.pending = pending

	g.status.Store(StatusDisconnected)
	g.backoff.Store(time.Second)
	g.lastFailure.Store(time.Time{})

	return g, nil
}

// Status returns the current connection status.
func (g *Gateway) Status() ConnectionStatus {
	val := g.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// IsHealthy reports whether the broker connection is usable.
func (g *Gateway) IsHealthy() bool {
	return g.Status() == StatusConnected
}

// PendingPublishes returns the number of parked tokens.
func (g *Gateway) PendingPublishes() int {
	return g.pending.Size()
}

func (g *Gateway) setStatus(status ConnectionStatus) {
	g.status.Store(status)
	g.metrics.SetStatus(int(status))
}

// recordFailure counts a broker failure and opens the circuit once the
// threshold is crossed, doubling the backoff each round up to the cap.
func (g *Gateway) recordFailure() {
	g.failures.Add(1)
	g.lastFailure.Store(time.Now())
	g.metrics.RecordFailure()

	if g.circuitFailures.Add(1) < g.circuitThreshold {
		return
	}

	current := g.Status()
	currentBackoff := g.backoff.Load().(time.Duration)
	next := retry.NextDelay(currentBackoff, 2.0, g.maxBackoff)
	g.backoff.Store(next)
	g.circuitFailures.Store(0)

	if current != StatusCircuitOpen && g.status.CompareAndSwap(current, StatusCircuitOpen) {
		g.metrics.SetStatus(int(StatusCircuitOpen))
		wait := retry.Jitter(currentBackoff, true)
		g.logger.Warn("circuit breaker opened",
			"failures", g.failures.Load(), "retry_in", wait)
		time.AfterFunc(wait, g.halfOpenCircuit)
	} else {
		g.logger.Warn("circuit breaker still open", "backoff", next)
	}
}

func (g *Gateway) resetCircuit() {
	g.failures.Store(0)
	g.circuitFailures.Store(0)
	g.backoff.Store(time.Second)
	g.lastFailure.Store(time.Time{})
	if g.Status() == StatusCircuitOpen {
		g.setStatus(StatusDisconnected)
	}
}

// halfOpenCircuit lets the next operation attempt to reach the broker
// again.
func (g *Gateway) halfOpenCircuit() {
	if g.closed.Load() {
		return
	}
	if g.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected) {
		g.metrics.SetStatus(int(StatusDisconnected))
		g.logger.Info("circuit breaker half-open, probing broker")
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()
		if err := g.Connect(ctx); err != nil {
			g.logger.Warn("circuit probe failed", "error", err)
		}
	}
}

// Connect establishes the NATS connection and JetStream context. While the
// circuit is open, attempts fail fast with ErrBrokerUnavailable.
func (g *Gateway) Connect(ctx context.Context) error {
	if g.Status() == StatusCircuitOpen {
		return errors.Wrap(errors.ErrBrokerUnavailable, "Gateway", "Connect", "circuit open, skip attempt")
	}

	g.setStatus(StatusConnecting)
	g.logger.Info("connecting to broker", "url", g.url)

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(g.url, g.connectionOptions()...)
		if err != nil {
			connectDone <- err
			return
		}
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			connectDone <- err
			return
		}
		g.mu.Lock()
		g.conn = conn
		g.js = js
		g.mu.Unlock()
		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			g.recordFailure()
			if g.Status() == StatusCircuitOpen {
				return errors.Wrap(errors.ErrBrokerUnavailable, "Gateway", "Connect", "open circuit")
			}
			g.setStatus(StatusDisconnected)
			return errors.WrapTransient(err, "Gateway", "Connect", "establish connection")
		}
	case <-ctx.Done():
		g.recordFailure()
		if g.Status() != StatusCircuitOpen {
			g.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Gateway", "Connect", "connection cancelled")
	}

	g.setStatus(StatusConnected)
	g.resetCircuit()
	g.logger.Info("connected to broker", "url", g.url)

	g.drainPending()
	return nil
}

func (g *Gateway) connectionOptions() []nats.Option {
	return []nats.Option{
		nats.Name("drivebus"),
		nats.MaxReconnects(g.maxReconnects),
		nats.ReconnectWait(g.reconnectWait),
		nats.Timeout(g.timeout),
		nats.DrainTimeout(g.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if g.closed.Load() {
				return
			}
			g.setStatus(StatusReconnecting)
			g.logger.Warn("broker connection lost", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			g.setStatus(StatusConnected)
			g.resetCircuit()
			g.metrics.RecordReconnect()
			g.logger.Info("broker connection restored")
			g.drainPending()
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if !g.closed.Load() {
				g.setStatus(StatusDisconnected)
				g.logger.Warn("broker connection closed")
			}
		}),
	}
}

// EnsureStream creates the token stream if it does not exist.
func (g *Gateway) EnsureStream(ctx context.Context) error {
	js, err := g.jetStream()
	if err != nil {
		return err
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      g.streamName,
		Subjects:  []string{g.subjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		g.recordFailure()
		return errors.WrapTransient(err, "Gateway", "EnsureStream", "create stream")
	}
	g.resetCircuit()
	g.drainPending()
	return nil
}

// PublishToken publishes a routing token. When the broker is away the token
// is parked in the bounded queue and replayed on reconnect; a full queue
// fails with ErrPublishQueueFull and the token is dropped.
func (g *Gateway) PublishToken(ctx context.Context, token Token) error {
	data, err := token.Marshal()
	if err != nil {
		return err
	}

	if g.Status() != StatusConnected {
		return g.park(token)
	}

	js, err := g.jetStream()
	if err != nil {
		return g.park(token)
	}

	// Older parked tokens go first so consumers see publish order.
	if g.pending.Size() > 0 {
		g.drainPending()
	}

	if _, err := js.Publish(ctx, g.stepSubject(), data); err != nil {
		g.recordFailure()
		if parkErr := g.park(token); parkErr != nil {
			return parkErr
		}
		return nil
	}

	g.resetCircuit()
	g.metrics.RecordPublish()
	return nil
}

func (g *Gateway) park(token Token) error {
	if err := g.pending.Write(token); err != nil {
		g.metrics.RecordQueueDrop()
		return errors.Wrap(errors.Join(errors.ErrBrokerUnavailable, errors.ErrPublishQueueFull),
			"Gateway", "PublishToken",
			fmt.Sprintf("park token for batch %d", token.BatchID))
	}
	g.metrics.SetQueueDepth(g.pending.Size())
	g.logger.Debug("token parked until broker returns", "batch_id", token.BatchID)
	return nil
}

// drainPending replays parked tokens in arrival order. Tokens that still
// cannot be published go back to the queue.
func (g *Gateway) drainPending() {
	tokens := g.pending.ReadBatch(g.pending.Size())
	if len(tokens) == 0 {
		return
	}
	g.logger.Info("replaying parked tokens", "count", len(tokens))

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	for i, token := range tokens {
		data, err := token.Marshal()
		if err != nil {
			continue
		}
		js, jsErr := g.jetStream()
		if jsErr != nil {
			g.requeue(tokens[i:])
			return
		}
		if _, err := js.Publish(ctx, g.stepSubject(), data); err != nil {
			g.requeue(tokens[i:])
			return
		}
		g.metrics.RecordPublish()
	}
	g.metrics.SetQueueDepth(g.pending.Size())
}

func (g *Gateway) requeue(tokens []Token) {
	for _, t := range tokens {
		if err := g.pending.Write(t); err != nil {
			g.metrics.RecordQueueDrop()
		}
	}
	g.metrics.SetQueueDepth(g.pending.Size())
}

// ConsumeTokens runs a durable consumer over the token subject. The handler
// is invoked per token; the message is acknowledged only after the handler
// returns nil, so a crash before that point redelivers the token.
func (g *Gateway) ConsumeTokens(ctx context.Context, handler func(context.Context, Token) error) error {
	js, err := g.jetStream()
	if err != nil {
		return err
	}
	if g.closed.Load() {
		return errors.Wrap(errors.ErrShuttingDown, "Gateway", "ConsumeTokens", "start consumer")
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, g.streamName, jetstream.ConsumerConfig{
		Durable:       g.durableName,
		FilterSubject: g.stepSubject(),
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		g.recordFailure()
		return errors.WrapTransient(err, "Gateway", "ConsumeTokens", "create consumer")
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		token, err := UnmarshalToken(msg.Data())
		if err != nil {
			// Poison message, never redeliverable.
			g.logger.Error("dropping malformed token", "error", err)
			msg.Term()
			return
		}

		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		if err := handler(msgCtx, token); err != nil {
			g.logger.Warn("token handler failed, redelivering",
				"batch_id", token.BatchID, "error", err)
			msg.Nak()
			return
		}
		msg.Ack()
		g.metrics.RecordConsume()
	})
	if err != nil {
		g.recordFailure()
		return errors.WrapTransient(err, "Gateway", "ConsumeTokens", "start consume loop")
	}

	g.consumersMu.Lock()
	defer g.consumersMu.Unlock()
	if g.closed.Load() {
		consumeCtx.Stop()
		return errors.Wrap(errors.ErrShuttingDown, "Gateway", "ConsumeTokens", "register consumer")
	}
	if existing, ok := g.consumers[g.durableName]; ok {
		existing.Stop()
	}
	g.consumers[g.durableName] = consumeCtx

	g.resetCircuit()
	return nil
}

// Close drains the connection and stops all consumers. Safe to call more
// than once.
func (g *Gateway) Close(ctx context.Context) error {
	g.closeMu.Lock()
	defer g.closeMu.Unlock()
	if g.closed.Load() {
		return nil
	}
	g.closed.Store(true)

	g.consumersMu.Lock()
	for name, c := range g.consumers {
		c.Stop()
		g.logger.Debug("stopped consumer", "name", name)
	}
	g.consumers = nil
	g.consumersMu.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()

	var drainErr error
	if g.conn != nil {
		drainTimeout := g.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		go func() { drainDone <- g.conn.Drain() }()

		select {
		case err := <-drainDone:
			if err != nil {
				drainErr = errors.Wrap(err, "Gateway", "Close", "drain connection")
			}
		case <-time.After(drainTimeout):
			drainErr = errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout),
				"Gateway", "Close", "drain connection")
		case <-ctx.Done():
			drainErr = errors.Wrap(ctx.Err(), "Gateway", "Close", "drain connection")
		}

		g.conn.Close()
		g.conn = nil
	}

	g.pending.Close()
	g.setStatus(StatusDisconnected)
	return drainErr
}

func (g *Gateway) stepSubject() string {
	return g.subjectPrefix + ".steps"
}

func (g *Gateway) jetStream() (jetstream.JetStream, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.js == nil {
		return nil, errors.Wrap(errors.ErrNoConnection, "Gateway", "jetStream", "get JetStream context")
	}
	return g.js, nil
}
