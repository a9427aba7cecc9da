// Package config loads and validates the bus configuration from a JSON
// file, with DRIVEBUS_* environment variables overriding file values.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
	"unicode"

	"github.com/c360/drivebus/errors"
)

// Config is the complete application configuration.
type Config struct {
	NATS    NATSConfig    `json:"nats"`
	Store   StoreConfig   `json:"store"`
	HTTP    HTTPConfig    `json:"http"`
	WS      WSConfig      `json:"websocket"`
	Hub     HubConfig     `json:"hub"`
	Logging LoggingConfig `json:"logging"`
}

// NATSConfig defines the broker connection.
type NATSConfig struct {
	URL           string        `json:"url"`
	Stream        string        `json:"stream,omitempty"`
	SubjectPrefix string        `json:"subject_prefix,omitempty"`
	Durable       string        `json:"durable,omitempty"`
	QueueCapacity int           `json:"queue_capacity,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
}

// StoreConfig defines the SQLite batch log.
type StoreConfig struct {
	Path string `json:"path"`
}

// HTTPConfig defines the REST and SSE listener.
type HTTPConfig struct {
	Addr         string        `json:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout,omitempty"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty"`
}

// WSConfig defines the WebSocket listener.
type WSConfig struct {
	Addr         string        `json:"addr"`
	Path         string        `json:"path,omitempty"`
	PingInterval time.Duration `json:"ping_interval,omitempty"`
}

// HubConfig tunes subscriber queues.
type HubConfig struct {
	QueueCapacity int `json:"queue_capacity,omitempty"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // json or text
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Stream:        "DRIVEBUS",
			SubjectPrefix: "drivebus",
			Durable:       "drivebus-consumer",
			QueueCapacity: 256,
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Store: StoreConfig{Path: "drivebus.db"},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WS: WSConfig{
			Addr:         ":8081",
			Path:         "/ws",
			PingInterval: 30 * time.Second,
		},
		Hub:     HubConfig{QueueCapacity: 64},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the JSON config at path, falls back to defaults for absent
// fields, applies environment overrides, and validates the result. An
// empty path skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "read config file")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse config file")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with DRIVEBUS_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("DRIVEBUS_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("DRIVEBUS_NATS_STREAM"); v != "" {
		c.NATS.Stream = v
	}
	if v := os.Getenv("DRIVEBUS_NATS_SUBJECT_PREFIX"); v != "" {
		c.NATS.SubjectPrefix = v
	}
	if v := os.Getenv("DRIVEBUS_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("DRIVEBUS_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("DRIVEBUS_WS_ADDR"); v != "" {
		c.WS.Addr = v
	}
	if v := os.Getenv("DRIVEBUS_HUB_QUEUE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Hub.QueueCapacity = n
		}
	}
	if v := os.Getenv("DRIVEBUS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DRIVEBUS_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Validate checks the configuration for values the runtime cannot work
// with.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.New("nats.url is required"), "Config", "Validate", "check nats")
	}
	if c.NATS.Stream == "" || !isValidSubjectPart(c.NATS.Stream) {
		return errors.WrapInvalid(
			fmt.Errorf("nats.stream %q is not a valid stream name", c.NATS.Stream),
			"Config", "Validate", "check nats")
	}
	if !isValidSubjectPart(c.NATS.SubjectPrefix) {
		return errors.WrapInvalid(
			fmt.Errorf("nats.subject_prefix %q is not valid for NATS subjects", c.NATS.SubjectPrefix),
			"Config", "Validate", "check nats")
	}
	if c.NATS.QueueCapacity <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("nats.queue_capacity must be positive, got %d", c.NATS.QueueCapacity),
			"Config", "Validate", "check nats")
	}
	if c.NATS.MaxReconnects < -1 {
		return errors.WrapInvalid(
			fmt.Errorf("nats.max_reconnects must be >= -1, got %d", c.NATS.MaxReconnects),
			"Config", "Validate", "check nats")
	}
	if c.NATS.ReconnectWait <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("nats.reconnect_wait must be positive, got %v", c.NATS.ReconnectWait),
			"Config", "Validate", "check nats")
	}
	if c.Store.Path == "" {
		return errors.WrapInvalid(errors.New("store.path is required"), "Config", "Validate", "check store")
	}
	if c.HTTP.Addr == "" {
		return errors.WrapInvalid(errors.New("http.addr is required"), "Config", "Validate", "check http")
	}
	if c.Hub.QueueCapacity <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("hub.queue_capacity must be positive, got %d", c.Hub.QueueCapacity),
			"Config", "Validate", "check hub")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("logging.level %q unknown", c.Logging.Level),
			"Config", "Validate", "check logging")
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("logging.format %q unknown", c.Logging.Format),
			"Config", "Validate", "check logging")
	}
	return nil
}

// isValidSubjectPart checks if a string is valid for use in NATS subjects.
func isValidSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}
