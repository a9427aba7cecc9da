// Package main implements the entry point for the drivebus application.
// Drivebus is a driving-state event bus: driving steps are encoded as
// CAN frame batches, persisted in an append-only log, routed through
// NATS JetStream, reconstructed, and fanned out to HTTP/SSE and
// WebSocket consumers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/drivebus/broker"
	"github.com/c360/drivebus/config"
	httpgw "github.com/c360/drivebus/gateway/http"
	wsgw "github.com/c360/drivebus/gateway/websocket"
	"github.com/c360/drivebus/hub"
	"github.com/c360/drivebus/metric"
	"github.com/c360/drivebus/pipeline"
	"github.com/c360/drivebus/pkg/retry"
	"github.com/c360/drivebus/store"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "drivebus"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}

	return app.runWithSignalHandling(ctx, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting drivebus (driving-state event bus)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// application holds the wired components for lifecycle management.
type application struct {
	logger     *slog.Logger
	store      *store.Store
	gateway    *broker.Gateway
	stepHub    *hub.Hub[hub.Message]
	eventHub   *hub.Hub[httpgw.Event]
	consumer   *pipeline.Consumer
	httpServer *httpgw.Server
	wsServer   *wsgw.Server
}

// buildApplication wires every component from configuration. The broker
// connection is allowed to fail: ingestion keeps working against the
// local log and routing tokens are parked until the broker returns.
func buildApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	registry := metric.NewMetricsRegistry()
	prom := registry.PrometheusRegistry()

	st, err := store.Open(cfg.Store.Path,
		store.WithLogger(logger),
		store.WithMetrics(store.NewMetrics(prom)),
	)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	gw, err := broker.NewGateway(cfg.NATS.URL,
		broker.WithLogger(logger),
		broker.WithStream(cfg.NATS.Stream, cfg.NATS.SubjectPrefix),
		broker.WithDurable(cfg.NATS.Durable),
		broker.WithQueueCapacity(cfg.NATS.QueueCapacity),
		broker.WithReconnect(cfg.NATS.MaxReconnects, cfg.NATS.ReconnectWait),
		broker.WithMetrics(broker.NewMetrics(prom)),
	)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create broker gateway: %w", err)
	}

	stepHub := hub.New[hub.Message](
		hub.WithLogger[hub.Message](logger),
		hub.WithQueueCapacity[hub.Message](cfg.Hub.QueueCapacity),
		hub.WithMetrics[hub.Message](hub.NewMetrics(prom, "steps")),
	)
	eventHub := hub.New[httpgw.Event](
		hub.WithLogger[httpgw.Event](logger),
		hub.WithQueueCapacity[httpgw.Event](cfg.Hub.QueueCapacity),
		hub.WithMetrics[httpgw.Event](hub.NewMetrics(prom, "events")),
	)

	pipelineMetrics := pipeline.NewMetrics(prom)
	ingestor := pipeline.NewIngestor(st, gw,
		pipeline.WithIngestorLogger(logger),
		pipeline.WithIngestorMetrics(pipelineMetrics),
	)
	reconstructor := pipeline.NewReconstructor(st)
	consumer := pipeline.NewConsumer(gw, reconstructor, stepHub,
		pipeline.WithConsumerLogger(logger),
		pipeline.WithConsumerMetrics(pipelineMetrics),
	)

	httpServer := httpgw.NewServer(cfg.HTTP.Addr, ingestor, reconstructor, st, stepHub, eventHub,
		httpgw.WithServerLogger(logger),
		httpgw.WithMetricsHandler(registry.Handler()),
		httpgw.WithBrokerStatus(gw),
		httpgw.WithTimeouts(cfg.HTTP.ReadTimeout, cfg.HTTP.WriteTimeout),
	)

	wsServer := wsgw.NewServer(cfg.WS.Addr, ingestor, stepHub,
		wsgw.WithLogger(logger),
		wsgw.WithPath(cfg.WS.Path),
		wsgw.WithPingInterval(cfg.WS.PingInterval),
		wsgw.WithMetrics(wsgw.NewMetrics(prom)),
	)

	app := &application{
		logger:     logger,
		store:      st,
		gateway:    gw,
		stepHub:    stepHub,
		eventHub:   eventHub,
		consumer:   consumer,
		httpServer: httpServer,
		wsServer:   wsServer,
	}

	if err := app.ensureBroker(ctx); err != nil {
		logger.Warn("broker unavailable, tokens will be parked until it returns", "error", err)
	}

	return app, nil
}

// ensureBroker brings the NATS connection and token stream up when the
// gateway is not already healthy.
func (a *application) ensureBroker(ctx context.Context) error {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if !a.gateway.IsHealthy() {
		if err := a.gateway.Connect(connCtx); err != nil {
			return err
		}
	}
	return a.gateway.EnsureStream(connCtx)
}

// runWithSignalHandling starts servers and blocks until SIGINT/SIGTERM.
func (a *application) runWithSignalHandling(ctx context.Context, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// The supervisor keeps retrying until the durable consumer is
	// attached, so a broker outage at boot only delays broadcasting.
	go a.consumer.Supervise(signalCtx, retry.Forever(), a.ensureBroker)

	if err := a.wsServer.Start(signalCtx); err != nil {
		return fmt.Errorf("start websocket gateway: %w", err)
	}

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- a.httpServer.Start()
	}()

	slog.Info("drivebus started")

	select {
	case err := <-httpErr:
		if err != nil {
			a.shutdown(shutdownTimeout)
			return fmt.Errorf("http gateway failed: %w", err)
		}
	case <-signalCtx.Done():
		slog.Info("Received shutdown signal")
	}

	a.shutdown(shutdownTimeout)
	slog.Info("drivebus shutdown complete")
	return nil
}

// shutdown stops components in reverse dependency order.
func (a *application) shutdown(timeout time.Duration) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := a.wsServer.Stop(timeout); err != nil {
		a.logger.Error("websocket shutdown failed", "error", err)
	}
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown failed", "error", err)
	}

	a.stepHub.Close()
	a.eventHub.Close()

	if err := a.gateway.Close(shutdownCtx); err != nil {
		a.logger.Error("broker shutdown failed", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("store shutdown failed", "error", err)
	}
}
