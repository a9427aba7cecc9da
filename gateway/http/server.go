// Package http exposes the bus over REST and server-sent events.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/c360/drivebus/broker"
	"github.com/c360/drivebus/canbus"
	"github.com/c360/drivebus/errors"
	"github.com/c360/drivebus/hub"
	"github.com/c360/drivebus/pipeline"
	"github.com/c360/drivebus/store"
)

// maxRequestSize bounds ingestion bodies.
const maxRequestSize = 1 << 20

// BrokerStatus reports broker connectivity for the health endpoint.
// Satisfied by *broker.Gateway.
type BrokerStatus interface {
	Status() broker.ConnectionStatus
	PendingPublishes() int
}

// Server is the REST and SSE front of the bus.
type Server struct {
	addr          string
	logger        *slog.Logger
	ingestor      *pipeline.Ingestor
	reconstructor *pipeline.Reconstructor
	store         *store.Store
	stepHub       *hub.Hub[hub.Message]
	eventHub      *hub.Hub[Event]
	brokerStatus  BrokerStatus
	metricsHTTP   http.Handler

	router *mux.Router
	srv    *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the structured logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetricsHandler mounts a prometheus exposition handler at /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metricsHTTP = h }
}

// WithBrokerStatus wires broker connectivity into /healthz.
func WithBrokerStatus(b BrokerStatus) ServerOption {
	return func(s *Server) { s.brokerStatus = b }
}

// WithTimeouts tunes the listener timeouts.
func WithTimeouts(read, write time.Duration) ServerOption {
	return func(s *Server) {
		s.srv.ReadTimeout = read
		s.srv.WriteTimeout = write
	}
}

// NewServer wires the REST surface. The step hub feeds /stream; the event
// hub is a separate instance so plain events and driving steps never mix.
func NewServer(
	addr string,
	ingestor *pipeline.Ingestor,
	reconstructor *pipeline.Reconstructor,
	st *store.Store,
	stepHub *hub.Hub[hub.Message],
	eventHub *hub.Hub[Event],
	opts ...ServerOption,
) *Server {
	s := &Server{
		addr:          addr,
		logger:        slog.Default(),
		ingestor:      ingestor,
		reconstructor: reconstructor,
		store:         st,
		stepHub:       stepHub,
		eventHub:      eventHub,
		router:        mux.NewRouter(),
		srv:           &http.Server{ReadTimeout: 10 * time.Second, WriteTimeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "http")
	s.setupRoutes()
	s.srv.Addr = addr
	s.srv.Handler = s.router
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.metricsHTTP != nil {
		s.router.Handle("/metrics", s.metricsHTTP).Methods("GET")
	}

	s.router.HandleFunc("/api/v1/steps", s.handleIngestStep).Methods("POST")
	s.router.HandleFunc("/api/v1/steps", s.handleListSteps).Methods("GET")
	s.router.HandleFunc("/api/v1/steps/latest", s.handleLatestStep).Methods("GET")
	s.router.HandleFunc("/api/v1/steps/{batch_id}", s.handleGetStep).Methods("GET")
	s.router.HandleFunc("/api/v1/frames", s.handleListFrames).Methods("GET")
	s.router.HandleFunc("/stream", s.handleStepStream).Methods("GET")

	s.router.HandleFunc("/api/v1/events", s.handlePublishEvent).Methods("POST")
	s.router.HandleFunc("/api/v1/events", s.handleListEvents).Methods("GET")
	s.router.HandleFunc("/api/v1/events/stream", s.handleEventStream).Methods("GET")

	s.router.Use(s.loggingMiddleware)
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the listener until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WrapFatal(err, "Server", "Start", "listen")
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request served",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// apiResponse is the envelope every JSON endpoint uses.
type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

// statusFor maps classified errors to HTTP status codes. Internal detail
// stays in the logs, not the response.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errors.ErrBatchMissing):
		return http.StatusNotFound, "batch not found"
	case errors.IsInvalid(err):
		return http.StatusBadRequest, "invalid request"
	case errors.IsTransient(err):
		if strings.Contains(err.Error(), "timeout") {
			return http.StatusGatewayTimeout, "request timeout"
		}
		return http.StatusServiceUnavailable, "service temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	batches, frames, err := s.store.Counts(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	health := map[string]any{
		"status":  "healthy",
		"batches": batches,
		"frames":  frames,
	}
	status := http.StatusOK
	if s.brokerStatus != nil {
		brokerState := s.brokerStatus.Status()
		health["broker"] = brokerState.String()
		health["pending_publishes"] = s.brokerStatus.PendingPublishes()
		if brokerState != broker.StatusConnected {
			health["status"] = "degraded"
		}
	}
	respondJSON(w, status, health)
}

func (s *Server) handleIngestStep(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var step canbus.DrivingStep
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&step); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	res, err := s.ingestor.Ingest(r.Context(), &step)
	if err != nil {
		status, msg := statusFor(err)
		s.logger.Warn("ingest rejected", "error", err)
		respondError(w, status, msg)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	afterID := int64(0)
	if v := r.URL.Query().Get("after"); v != "" {
		afterID, _ = strconv.ParseInt(v, 10, 64)
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	batches, err := s.store.Batches(r.Context(), afterID, limit)
	if err != nil {
		status, msg := statusFor(err)
		respondError(w, status, msg)
		return
	}

	type listed struct {
		BatchID   int64               `json:"batch_id"`
		CreatedAt time.Time           `json:"created_at"`
		Step      *canbus.DrivingStep `json:"step"`
	}

	out := make([]listed, 0, len(batches))
	for i := range batches {
		step, err := s.reconstructor.FromBatch(&batches[i], "")
		if err != nil {
			s.logger.Error("stored batch undecodable", "batch_id", batches[i].ID, "error", err)
			continue
		}
		out = append(out, listed{BatchID: batches[i].ID, CreatedAt: batches[i].CreatedAt, Step: step})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleLatestStep(w http.ResponseWriter, r *http.Request) {
	step, batchID, err := s.reconstructor.Latest(r.Context())
	if err != nil {
		status, msg := statusFor(err)
		respondError(w, status, msg)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "step": step})
}

func (s *Server) handleGetStep(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["batch_id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "batch_id must be an integer")
		return
	}

	step, err := s.reconstructor.ByID(r.Context(), id, r.URL.Query().Get("step_name"))
	if err != nil {
		status, msg := statusFor(err)
		respondError(w, status, msg)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"batch_id": id, "step": step})
}

func (s *Server) handleListFrames(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	frames, err := s.store.Frames(r.Context(), limit)
	if err != nil {
		status, msg := statusFor(err)
		respondError(w, status, msg)
		return
	}
	respondJSON(w, http.StatusOK, frames)
}
