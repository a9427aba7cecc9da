package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is the free-form message path, kept apart from driving steps: it
// rides its own hub and its own table, and never touches the frame log.
type Event struct {
	UUID      uuid.UUID `json:"uuid"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "message is required")
		return
	}

	event := Event{
		UUID:      uuid.New(),
		Message:   req.Message,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.store.AppendEvent(r.Context(), event.UUID.String(), event.Message); err != nil {
		s.logger.Error("event append failed", "error", err)
		status, msg := statusFor(err)
		respondError(w, status, msg)
		return
	}

	delivered := s.eventHub.Publish(event)

	s.logger.Info("event published", "uuid", event.UUID, "subscribers", delivered)
	respondJSON(w, http.StatusCreated, event)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	events, err := s.store.Events(r.Context(), limit)
	if err != nil {
		status, msg := statusFor(err)
		respondError(w, status, msg)
		return
	}
	respondJSON(w, http.StatusOK, events)
}
