package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/c360/drivebus/errors"
	"github.com/c360/drivebus/hub"
)

// heartbeatInterval keeps idle SSE connections from being reaped by
// proxies.
const heartbeatInterval = 15 * time.Second

// handleStepStream streams driving-state messages as server-sent events.
// A slow client sheds its oldest messages in the hub rather than stalling
// the bus.
func (s *Server) handleStepStream(w http.ResponseWriter, r *http.Request) {
	streamSSE(s, w, r, s.stepHub)
}

// handleEventStream streams plain events, isolated from the step flow.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	streamSSE(s, w, r, s.eventHub)
}

// streamSSE subscribes to a hub and writes each message as one "data:"
// line of JSON until the client goes away.
func streamSSE[T any](s *Server, w http.ResponseWriter, r *http.Request, h *hub.Hub[T]) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, err := h.Subscribe()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "stream shutting down")
		return
	}
	defer sub.Close()

	// Streams outlive the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Debug("sse subscriber connected", "subscriber_id", sub.ID())

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		recvCtx, cancel := contextWithTick(ctx, heartbeat.C)
		msg, err := sub.Receive(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Debug("sse subscriber disconnected", "subscriber_id", sub.ID())
				return
			}
			if errors.Is(err, errors.ErrSubscriberGone) || errors.Is(err, errors.ErrShuttingDown) {
				return
			}
			// Heartbeat tick: keep the connection warm and wait again.
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
			continue
		}

		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

// contextWithTick derives a context that is cancelled by the next tick, so
// a blocked Receive wakes up for heartbeats.
func contextWithTick(parent context.Context, tick <-chan time.Time) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-tick:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
