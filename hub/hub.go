// Package hub fans messages out to subscribers. Each subscriber owns a
// bounded drop-oldest queue, so one stalled reader loses its own oldest
// messages without slowing the publisher or its peers.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/drivebus/errors"
	"github.com/c360/drivebus/pkg/buffer"
)

// DefaultQueueCapacity bounds each subscriber queue unless overridden.
const DefaultQueueCapacity = 64

// Hub broadcasts values of type T to all current subscribers.
type Hub[T any] struct {
	logger        *slog.Logger
	metrics       *Metrics
	queueCapacity int

	mu          sync.RWMutex
	subscribers map[uuid.UUID]*Subscription[T]
	closed      bool
}

// Option configures a Hub.
type Option[T any] func(*Hub[T])

// WithLogger sets the structured logger.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(h *Hub[T]) { h.logger = logger }
}

// WithQueueCapacity sets the per-subscriber queue bound.
func WithQueueCapacity[T any](capacity int) Option[T] {
	return func(h *Hub[T]) {
		if capacity > 0 {
			h.queueCapacity = capacity
		}
	}
}

// WithMetrics enables prometheus instrumentation.
func WithMetrics[T any](m *Metrics) Option[T] {
	return func(h *Hub[T]) { h.metrics = m }
}

// New creates an empty hub.
func New[T any](opts ...Option[T]) *Hub[T] {
	h := &Hub[T]{
		logger:        slog.Default(),
		queueCapacity: DefaultQueueCapacity,
		subscribers:   make(map[uuid.UUID]*Subscription[T]),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "hub")
	return h
}

// Subscription is one subscriber's handle on the hub. Receive drains the
// private queue; Close detaches from the hub.
type Subscription[T any] struct {
	id     uuid.UUID
	hub    *Hub[T]
	queue  buffer.Buffer[T]
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// ID returns the subscriber's identity.
func (s *Subscription[T]) ID() uuid.UUID {
	return s.id
}

// Subscribe registers a new subscriber with a fresh queue.
func (h *Hub[T]) Subscribe() (*Subscription[T], error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, errors.Wrap(errors.ErrShuttingDown, "Hub", "Subscribe", "register subscriber")
	}

	id := uuid.New()
	queue, err := buffer.NewCircularBuffer[T](h.queueCapacity,
		buffer.WithOverflowPolicy[T](buffer.DropOldest),
		buffer.WithDropCallback[T](func(T) {
			h.metrics.RecordDrop()
		}))
	if err != nil {
		return nil, errors.WrapInvalid(err, "Hub", "Subscribe", "create subscriber queue")
	}

	sub := &Subscription[T]{
		id:     id,
		hub:    h,
		queue:  queue,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	h.subscribers[id] = sub
	h.metrics.SetSubscribers(len(h.subscribers))
	h.logger.Debug("subscriber joined", "subscriber_id", id)
	return sub, nil
}

// Publish delivers msg to every subscriber queue without blocking. A full
// queue sheds its oldest entry. Returns the number of queues written.
func (h *Hub[T]) Publish(msg T) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0
	}

	delivered := 0
	for _, sub := range h.subscribers {
		if err := sub.queue.Write(msg); err != nil {
			continue
		}
		delivered++
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
	h.metrics.RecordPublish(delivered)
	return delivered
}

// Unsubscribe detaches the subscriber with the given id. Unknown ids are a
// no-op.
func (h *Hub[T]) Unsubscribe(id uuid.UUID) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	count := len(h.subscribers)
	h.mu.Unlock()

	if !ok {
		return
	}
	sub.once.Do(func() { close(sub.done) })
	sub.queue.Close()
	h.metrics.SetSubscribers(count)
	h.logger.Debug("subscriber left", "subscriber_id", id)
}

// Subscribers returns the current subscriber count.
func (h *Hub[T]) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close detaches every subscriber and rejects further subscriptions.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscription[T], 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[uuid.UUID]*Subscription[T])
	h.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.done) })
		sub.queue.Close()
	}
	h.metrics.SetSubscribers(0)
}

// Receive returns the next message, waiting until one arrives, the context
// is cancelled, or the subscription closes.
func (s *Subscription[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	for {
		if msg, ok := s.queue.Read(); ok {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-s.done:
			return zero, errors.Wrap(errors.ErrSubscriberGone, "Subscription", "Receive", "read message")
		case <-s.notify:
		}
	}
}

// Pending returns the number of undelivered messages in the queue.
func (s *Subscription[T]) Pending() int {
	return s.queue.Size()
}

// Close detaches this subscription from its hub.
func (s *Subscription[T]) Close() {
	s.hub.Unsubscribe(s.id)
}
