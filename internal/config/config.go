// Package config loads server settings from the environment and projects
// them into each component's configuration struct.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/livetype/relay-chat/internal/api"
	"github.com/livetype/relay-chat/internal/chat"
	"github.com/livetype/relay-chat/internal/messaging"
	"github.com/livetype/relay-chat/internal/moderation"
	"github.com/livetype/relay-chat/internal/ratelimit"
	"github.com/livetype/relay-chat/internal/relay"
	"github.com/livetype/relay-chat/internal/session"
	"github.com/livetype/relay-chat/internal/ws"
)

// Message store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is every setting the server reads from the environment.
type Config struct {
	ListenAddr        string        `env:"LISTEN_ADDR"        envDefault:":8080"`
	WorkerPoolSize    int           `env:"WORKER_POOL_SIZE"   envDefault:"256"`
	MaxConnections    int           `env:"MAX_CONNECTIONS"    envDefault:"100000"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT"       envDefault:"10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT"      envDefault:"10s"`
	SendQueueSize     int           `env:"SEND_QUEUE_SIZE"    envDefault:"256"`
	MaxFrameBytes     int64         `env:"MAX_FRAME_BYTES"    envDefault:"4096"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT"  envDefault:"10s"`

	SessionTimeout       time.Duration `env:"SESSION_TIMEOUT"        envDefault:"30m"`
	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" envDefault:"1m"`
	MessageRetention     time.Duration `env:"MESSAGE_RETENTION"      envDefault:"30m"`
	MessageSweepInterval time.Duration `env:"MESSAGE_SWEEP_INTERVAL" envDefault:"5m"`

	MinMessageInterval time.Duration `env:"MIN_MESSAGE_INTERVAL" envDefault:"50ms"`
	RateWindow         time.Duration `env:"RATE_WINDOW"          envDefault:"60s"`
	RateWindowMax      int           `env:"RATE_WINDOW_MAX"      envDefault:"50"`
	MaxContentChars    int           `env:"MAX_CONTENT_CHARS"    envDefault:"200"`

	RelayTick             time.Duration `env:"RELAY_TICK"                envDefault:"12ms"`
	RelayMaxFramesPerTick int           `env:"RELAY_MAX_FRAMES_PER_TICK" envDefault:"64"`
	RelayMaxFramesPerJob  int           `env:"RELAY_MAX_FRAMES_PER_JOB"  envDefault:"4"`
	RelayLedgerSize       int           `env:"RELAY_LEDGER_SIZE"         envDefault:"2048"`
	RelaySecret           string        `env:"RELAY_SECRET"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"memory"`
	RedisAddr    string `env:"REDIS_ADDR"`
	DatabaseURL  string `env:"DATABASE_URL"`
	NATSURL      string `env:"NATS_URL"`
	ServerName   string `env:"SERVER_NAME"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if c.ServerName == "" {
		c.ServerName, _ = os.Hostname()
	}
	if c.ServerName == "" {
		c.ServerName = "relay-chat"
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects non-positive limits and durations, unknown backends and
// backends missing their address.
func (c Config) Validate() error {
	var errs []error

	for name, d := range map[string]time.Duration{
		"HEARTBEAT_INTERVAL":     c.HeartbeatInterval,
		"SESSION_TIMEOUT":        c.SessionTimeout,
		"SESSION_SWEEP_INTERVAL": c.SessionSweepInterval,
		"MESSAGE_RETENTION":      c.MessageRetention,
		"MESSAGE_SWEEP_INTERVAL": c.MessageSweepInterval,
		"MIN_MESSAGE_INTERVAL":   c.MinMessageInterval,
		"RATE_WINDOW":            c.RateWindow,
		"RELAY_TICK":             c.RelayTick,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	for name, n := range map[string]int{
		"WORKER_POOL_SIZE":          c.WorkerPoolSize,
		"MAX_CONNECTIONS":           c.MaxConnections,
		"SEND_QUEUE_SIZE":           c.SendQueueSize,
		"RATE_WINDOW_MAX":           c.RateWindowMax,
		"MAX_CONTENT_CHARS":         c.MaxContentChars,
		"RELAY_MAX_FRAMES_PER_TICK": c.RelayMaxFramesPerTick,
		"RELAY_MAX_FRAMES_PER_JOB":  c.RelayMaxFramesPerJob,
		"RELAY_LEDGER_SIZE":         c.RelayLedgerSize,
	} {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, n))
		}
	}
	if c.MaxFrameBytes <= 0 {
		errs = append(errs, fmt.Errorf("MAX_FRAME_BYTES must be positive, got %d", c.MaxFrameBytes))
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.HeartbeatTimeout < 0 {
		errs = append(errs, errors.New("READ_TIMEOUT, WRITE_TIMEOUT and HEARTBEAT_TIMEOUT must not be negative"))
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("STORE_BACKEND=redis requires REDIS_ADDR"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("STORE_BACKEND=postgres requires DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Server returns the WebSocket server settings.
func (c Config) Server() ws.ServerConfig {
	return ws.ServerConfig{
		ListenAddr:     c.ListenAddr,
		WorkerPoolSize: c.WorkerPoolSize,
		MaxConnections: c.MaxConnections,
		ReadTimeout:    c.ReadTimeout,
		WriteTimeout:   c.WriteTimeout,
		SendQueueSize:  c.SendQueueSize,
		MaxFrameBytes:  c.MaxFrameBytes,
		Heartbeat: ws.HeartbeatConfig{
			Interval: c.HeartbeatInterval,
			Timeout:  c.HeartbeatTimeout,
		},
	}
}

// Session returns the registry settings.
func (c Config) Session() session.Config {
	return session.Config{
		Timeout:       c.SessionTimeout,
		SweepInterval: c.SessionSweepInterval,
	}
}

// Sweep returns the message retention settings.
func (c Config) Sweep() chat.SweepConfig {
	return chat.SweepConfig{
		Interval:  c.MessageSweepInterval,
		Retention: c.MessageRetention,
	}
}

// RatePolicy returns the per-connection frame policy.
func (c Config) RatePolicy() ratelimit.Policy {
	return ratelimit.Policy{
		MinInterval: c.MinMessageInterval,
		Window:      c.RateWindow,
		MaxInWindow: c.RateWindowMax,
	}
}

// ContentRules returns the content heuristics.
func (c Config) ContentRules() moderation.Rules {
	rules := moderation.DefaultRules()
	rules.MaxChars = c.MaxContentChars
	return rules
}

// Relay returns the relay scheduler settings.
func (c Config) Relay() relay.Config {
	rc := relay.DefaultConfig()
	rc.Tick = c.RelayTick
	rc.MaxFramesPerTick = c.RelayMaxFramesPerTick
	rc.MaxFramesPerJob = c.RelayMaxFramesPerJob
	rc.LedgerSize = c.RelayLedgerSize
	return rc
}

// API returns the HTTP API settings.
func (c Config) API() api.Config {
	ac := api.DefaultConfig()
	ac.RelaySecret = c.RelaySecret
	return ac
}

// NATS returns the NATS client settings. ok is false when NATS is disabled.
func (c Config) NATS() (nc messaging.NATSConfig, ok bool) {
	if c.NATSURL == "" {
		return messaging.NATSConfig{}, false
	}
	nc = messaging.DefaultNATSConfig()
	nc.URL = c.NATSURL
	nc.Name = c.ServerName
	return nc, true
}
