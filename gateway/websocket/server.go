// Package websocket serves a bidirectional WebSocket gateway. Connected
// clients receive every reconstructed driving step pushed through the
// broadcast hub, and may submit new steps for ingestion over the same
// connection.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/drivebus/canbus"
	"github.com/c360/drivebus/errors"
	"github.com/c360/drivebus/hub"
	"github.com/c360/drivebus/pipeline"
)

const (
	// DefaultPath is the WebSocket endpoint path.
	DefaultPath = "/ws"
	// DefaultPingInterval is how often idle connections are pinged.
	DefaultPingInterval = 30 * time.Second

	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

// Envelope types exchanged with clients.
const (
	// TypeStep carries a reconstructed driving step (server to client).
	TypeStep = "step"
	// TypeError carries a reconstruction failure notice (server to client).
	TypeError = "error"
	// TypeIngest submits a driving step for ingestion (client to server).
	TypeIngest = "ingest"
	// TypeResult acknowledges a successful ingest (server to client).
	TypeResult = "result"
	// TypeReject reports a failed ingest (server to client).
	TypeReject = "reject"
)

// Envelope wraps every message on the wire with type discrimination.
// The ID correlates an ingest request with its result or rejection.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Server is a WebSocket gateway over the step hub and the ingest pipeline.
type Server struct {
	addr         string
	path         string
	pingInterval time.Duration
	logger       *slog.Logger

	ingestor *pipeline.Ingestor
	stepHub  *hub.Hub[hub.Message]

	server    *http.Server
	upgrader  websocket.Upgrader
	clients   map[*websocket.Conn]*clientInfo
	clientsMu sync.RWMutex

	shutdown    chan struct{}
	running     bool
	mu          sync.RWMutex
	lifecycleMu sync.Mutex
	wg          *sync.WaitGroup

	messageIDCounter atomic.Uint64

	metrics *Metrics
}

// clientInfo tracks one connected client. writeMutex serializes writes
// because gorilla/websocket does not allow concurrent writers.
type clientInfo struct {
	conn        *websocket.Conn
	sub         *hub.Subscription[hub.Message]
	connectedAt time.Time
	lastPong    atomic.Value
	closed      atomic.Bool
	closeOnce   sync.Once
	writeMutex  sync.Mutex
	cancel      context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger.With("component", "websocket")
		}
	}
}

// WithPath sets the WebSocket endpoint path.
func WithPath(path string) Option {
	return func(s *Server) {
		if path != "" {
			s.path = path
		}
	}
}

// WithPingInterval sets how often the server pings idle connections.
func WithPingInterval(interval time.Duration) Option {
	return func(s *Server) {
		if interval > 0 {
			s.pingInterval = interval
		}
	}
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a WebSocket gateway listening on addr.
func NewServer(addr string, ingestor *pipeline.Ingestor, stepHub *hub.Hub[hub.Message], opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		path:         DefaultPath,
		pingInterval: DefaultPingInterval,
		logger:       slog.Default().With("component", "websocket"),
		ingestor:     ingestor,
		stepHub:      stepHub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:  make(map[*websocket.Conn]*clientInfo),
		shutdown: make(chan struct{}),
		wg:       &sync.WaitGroup{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start validates configuration and begins serving. It is a no-op if the
// server is already running.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.addr == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "websocket", "Start", "listen address cannot be empty")
	}
	if s.path == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "websocket", "Start", "endpoint path cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "websocket", "Start", "context already cancelled")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.running = true

	s.wg.Add(2)
	go s.runServer()
	go s.maintainClients(ctx)

	s.logger.Info("websocket gateway listening", "addr", s.addr, "path", s.path)
	return nil
}

// Stop shuts down the HTTP server, waits for goroutines and closes all
// client connections. Safe to call more than once.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.shutdown)
	wg := s.wg
	server := s.server
	s.mu.Unlock()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown incomplete", "error", err)
		}
	}

	s.closeAllClients()

	if wg != nil {
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			s.logger.Warn("client goroutines did not exit before timeout")
		}
	}

	s.mu.Lock()
	s.server = nil
	s.mu.Unlock()

	return nil
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Handler returns the WebSocket upgrade handler for mounting on an
// external router, mainly for tests.
func (s *Server) Handler() http.HandlerFunc {
	return s.handleWebSocket
}

func (s *Server) runServer() {
	defer s.wg.Done()

	s.mu.RLock()
	server := s.server
	s.mu.RUnlock()
	if server == nil {
		return
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("websocket server failed", "error", err)
		s.metrics.RecordError("listen")
	}
}

func (s *Server) generateMessageID() string {
	return fmt.Sprintf("msg-%d-%d", time.Now().UnixMilli(), s.messageIDCounter.Add(1))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.RecordError("upgrade")
		return
	}

	sub, err := s.stepHub.Subscribe()
	if err != nil {
		_ = conn.Close()
		s.metrics.RecordError("subscribe")
		return
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	info := &clientInfo{
		conn:        conn,
		sub:         sub,
		connectedAt: time.Now(),
		cancel:      cancel,
	}
	info.lastPong.Store(time.Now())

	s.clientsMu.Lock()
	s.clients[conn] = info
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.metrics.RecordConnect(count)
	s.logger.Debug("client connected", "remote", conn.RemoteAddr().String(), "clients", count)

	s.wg.Add(2)
	go s.pushLoop(clientCtx, info)
	go s.readLoop(clientCtx, info)
}

// pushLoop forwards hub messages to one client until its subscription or
// connection goes away.
func (s *Server) pushLoop(ctx context.Context, info *clientInfo) {
	defer s.wg.Done()
	defer s.removeClient(info)

	for {
		msg, err := info.sub.Receive(ctx)
		if err != nil {
			return
		}

		payload, err := json.Marshal(msg)
		if err != nil {
			s.metrics.RecordError("marshal")
			continue
		}

		envType := TypeStep
		if msg.Type == hub.TypeError {
			envType = TypeError
		}
		if err := s.writeEnvelope(info, Envelope{
			Type:      envType,
			ID:        s.generateMessageID(),
			Timestamp: time.Now().UnixMilli(),
			Payload:   payload,
		}); err != nil {
			s.metrics.RecordError("client_send")
			return
		}
		s.metrics.RecordSent()
	}
}

// readLoop consumes client messages, handling ingest submissions and
// keeping the connection health state fresh.
func (s *Server) readLoop(ctx context.Context, info *clientInfo) {
	defer s.wg.Done()
	defer s.removeClient(info)

	info.conn.SetPongHandler(func(string) error {
		info.lastPong.Store(time.Now())
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		default:
		}

		_ = info.conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, data, err := info.conn.ReadMessage()
		if err != nil {
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		switch envelope.Type {
		case TypeIngest:
			s.handleIngest(ctx, info, envelope)
		default:
			// Unknown types are ignored.
		}
	}
}

func (s *Server) handleIngest(ctx context.Context, info *clientInfo, envelope Envelope) {
	var step canbus.DrivingStep
	if err := json.Unmarshal(envelope.Payload, &step); err != nil {
		s.reject(info, envelope.ID, "payload is not a driving step")
		return
	}

	result, err := s.ingestor.Ingest(ctx, &step)
	if err != nil {
		s.metrics.RecordError("ingest")
		s.reject(info, envelope.ID, err.Error())
		return
	}
	s.metrics.RecordIngest()

	payload, err := json.Marshal(result)
	if err != nil {
		s.metrics.RecordError("marshal")
		return
	}
	if err := s.writeEnvelope(info, Envelope{
		Type:      TypeResult,
		ID:        envelope.ID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}); err != nil {
		s.metrics.RecordError("client_send")
	}
}

func (s *Server) reject(info *clientInfo, id, reason string) {
	payload, _ := json.Marshal(map[string]string{"error": reason})
	if err := s.writeEnvelope(info, Envelope{
		Type:      TypeReject,
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}); err != nil {
		s.metrics.RecordError("client_send")
	}
}

func (s *Server) writeEnvelope(info *clientInfo, envelope Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return errors.WrapInvalid(err, "websocket", "writeEnvelope", "marshal envelope")
	}

	info.writeMutex.Lock()
	defer info.writeMutex.Unlock()

	_ = info.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return info.conn.WriteMessage(websocket.TextMessage, data)
}

// removeClient tears one client down exactly once.
func (s *Server) removeClient(info *clientInfo) {
	info.closeOnce.Do(func() {
		info.closed.Store(true)
		info.cancel()
		info.sub.Close()

		s.clientsMu.Lock()
		delete(s.clients, info.conn)
		count := len(s.clients)
		s.clientsMu.Unlock()

		reason := "normal"
		if time.Since(info.connectedAt) < 5*time.Second {
			reason = "early_disconnect"
		}
		s.metrics.RecordDisconnect(reason, count)

		_ = info.conn.Close()
	})
}

func (s *Server) closeAllClients() {
	s.clientsMu.RLock()
	infos := make([]*clientInfo, 0, len(s.clients))
	for _, info := range s.clients {
		infos = append(infos, info)
	}
	s.clientsMu.RUnlock()

	for _, info := range infos {
		s.removeClient(info)
	}
}

// maintainClients pings connections on an interval and drops the ones
// that fail to accept the write.
func (s *Server) maintainClients(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.pingClients()
		}
	}
}

func (s *Server) pingClients() {
	s.clientsMu.RLock()
	infos := make([]*clientInfo, 0, len(s.clients))
	for _, info := range s.clients {
		if !info.closed.Load() {
			infos = append(infos, info)
		}
	}
	s.clientsMu.RUnlock()

	for _, info := range infos {
		info.writeMutex.Lock()
		_ = info.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		err := info.conn.WriteMessage(websocket.PingMessage, nil)
		info.writeMutex.Unlock()
		if err != nil {
			s.removeClient(info)
		}
	}
}
