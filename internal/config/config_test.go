package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("listen = %q, want :8080", cfg.Server.Listen)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("backend = %q, want memory", cfg.Store.Backend)
	}
	if cfg.Session.CloseGrace != 5*time.Second {
		t.Errorf("close grace = %v, want 5s", cfg.Session.CloseGrace)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  listen: ":9000"
  metrics_port: 9191
store:
  backend: sqlite
  sqlite:
    path: /var/lib/dispatch/events.db
session:
  close_grace: 10s
  queue_size: 512
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != ":9000" {
		t.Errorf("listen = %q, want :9000", cfg.Server.Listen)
	}
	if cfg.Server.MetricsPort != 9191 {
		t.Errorf("metrics port = %d, want 9191", cfg.Server.MetricsPort)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("backend = %q, want sqlite", cfg.Store.Backend)
	}
	if cfg.Store.SQLite.Path != "/var/lib/dispatch/events.db" {
		t.Errorf("sqlite path = %q", cfg.Store.SQLite.Path)
	}
	if cfg.Session.CloseGrace != 10*time.Second {
		t.Errorf("close grace = %v, want 10s", cfg.Session.CloseGrace)
	}
	if cfg.Session.QueueSize != 512 {
		t.Errorf("queue size = %d, want 512", cfg.Session.QueueSize)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q, want debug", cfg.Log.Level)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen: \":9000\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("DISPATCH_LISTEN", ":7070")
	t.Setenv("DISPATCH_STORE", "redis")
	t.Setenv("DISPATCH_REDIS_ADDR", "redis:6379")
	t.Setenv("DISPATCH_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Listen != ":7070" {
		t.Errorf("listen = %q, want env override :7070", cfg.Server.Listen)
	}
	if cfg.Store.Backend != "redis" {
		t.Errorf("backend = %q, want redis", cfg.Store.Backend)
	}
	if cfg.Store.Redis.Addr != "redis:6379" {
		t.Errorf("redis addr = %q", cfg.Store.Redis.Addr)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %q, want warn", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}, wantErr: false},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "etcd" }, wantErr: true},
		{name: "redis without addr", mutate: func(c *Config) {
			c.Store.Backend = "redis"
			c.Store.Redis.Addr = ""
		}, wantErr: true},
		{name: "sqlite without path", mutate: func(c *Config) {
			c.Store.Backend = "sqlite"
			c.Store.SQLite.Path = ""
		}, wantErr: true},
		{name: "missing listen", mutate: func(c *Config) { c.Server.Listen = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
