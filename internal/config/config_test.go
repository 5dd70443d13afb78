package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if c.ListenAddr != ":8080" || c.StoreBackend != BackendMemory {
		t.Errorf("unexpected defaults: %+v", c)
	}
	if c.ServerName == "" {
		t.Error("ServerName should fall back to the hostname")
	}

	p := c.RatePolicy()
	if p.MinInterval != 50*time.Millisecond || p.Window != time.Minute || p.MaxInWindow != 50 {
		t.Errorf("RatePolicy = %+v", p)
	}
	if r := c.Relay(); r.Tick != 12*time.Millisecond || r.MaxContentChars != 280 {
		t.Errorf("Relay = %+v", r)
	}
	if s := c.Session(); s.Timeout != 30*time.Minute || s.SweepInterval != time.Minute {
		t.Errorf("Session = %+v", s)
	}
	if sw := c.Sweep(); sw.Interval != 5*time.Minute || sw.Retention != 30*time.Minute {
		t.Errorf("Sweep = %+v", sw)
	}
	if rules := c.ContentRules(); rules.MaxChars != 200 {
		t.Errorf("ContentRules.MaxChars = %d", rules.MaxChars)
	}
	if _, ok := c.NATS(); ok {
		t.Error("NATS should be disabled without NATS_URL")
	}
	if c.Server().MaxFrameBytes != 4096 {
		t.Errorf("Server().MaxFrameBytes = %d, want 4096", c.Server().MaxFrameBytes)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("RELAY_TICK", "20ms")
	t.Setenv("RELAY_SECRET", "s3cret")
	t.Setenv("NATS_URL", "nats://example:4222")
	t.Setenv("SERVER_NAME", "ws-7")
	t.Setenv("HEARTBEAT_INTERVAL", "15s")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Server().ListenAddr != ":9000" || c.Server().Heartbeat.Interval != 15*time.Second {
		t.Errorf("Server = %+v", c.Server())
	}
	if c.Relay().Tick != 20*time.Millisecond {
		t.Errorf("Relay().Tick = %s", c.Relay().Tick)
	}
	if c.API().RelaySecret != "s3cret" {
		t.Error("RelaySecret not projected")
	}
	nc, ok := c.NATS()
	if !ok || nc.URL != "nats://example:4222" || nc.Name != "ws-7" {
		t.Errorf("NATS = %+v, %v", nc, ok)
	}
}

func TestLoadParseError(t *testing.T) {
	t.Setenv("WORKER_POOL_SIZE", "lots")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("err = %v, want parse env error", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		t.Helper()
		c, err := Load()
		if err != nil {
			t.Fatal(err)
		}
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"zero tick", func(c *Config) { c.RelayTick = 0 }, "RELAY_TICK"},
		{"negative window max", func(c *Config) { c.RateWindowMax = -1 }, "RATE_WINDOW_MAX"},
		{"unknown backend", func(c *Config) { c.StoreBackend = "mongo" }, "unknown STORE_BACKEND"},
		{"redis without addr", func(c *Config) { c.StoreBackend = BackendRedis }, "REDIS_ADDR"},
		{"redis with addr", func(c *Config) { c.StoreBackend = BackendRedis; c.RedisAddr = "localhost:6379" }, ""},
		{"postgres without url", func(c *Config) { c.StoreBackend = BackendPostgres }, "DATABASE_URL"},
		{"zero frame size", func(c *Config) { c.MaxFrameBytes = 0 }, "MAX_FRAME_BYTES"},
		{"negative read timeout", func(c *Config) { c.ReadTimeout = -time.Second }, "READ_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
