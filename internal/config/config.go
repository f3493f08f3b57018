// Package config loads the daemon configuration from YAML with environment
// fallbacks.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the daemon configuration.
type Config struct {
	// Server configures the websocket endpoint.
	Server ServerConfig `yaml:"server"`
	// Store selects and configures the event log backend.
	Store StoreConfig `yaml:"store"`
	// Session tunes the orchestrator and event service.
	Session SessionConfig `yaml:"session"`
	// Log configures logging.
	Log LogConfig `yaml:"log"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	// Listen is the websocket listen address (host:port).
	Listen string `yaml:"listen"`
	// MetricsPort is the observability HTTP port.
	MetricsPort int `yaml:"metrics_port"`
}

// StoreConfig selects the event log backend.
type StoreConfig struct {
	// Backend is one of "memory", "redis", "sqlite".
	Backend string `yaml:"backend"`
	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis"`
	// SQLite configures the sqlite backend.
	SQLite SQLiteConfig `yaml:"sqlite"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
	PoolSize int           `yaml:"pool_size"`
}

// SQLiteConfig holds sqlite settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// SessionConfig tunes orchestration.
type SessionConfig struct {
	// CloseGrace bounds adapter shutdown before forced release.
	CloseGrace time.Duration `yaml:"close_grace"`
	// QueueSize is the per-stream append queue depth.
	QueueSize int `yaml:"queue_size"`
	// SubscriberBuffer is the per-subscription channel buffer.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `yaml:"level"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:      ":8080",
			MetricsPort: 9090,
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "dispatch:events:",
			},
			SQLite: SQLiteConfig{
				Path: "dispatch.db",
			},
		},
		Session: SessionConfig{
			CloseGrace: 5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a YAML file, applying defaults and
// environment fallbacks. An empty path returns defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides config values from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DISPATCH_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("DISPATCH_METRICS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.MetricsPort = p
		}
	}
	if v := os.Getenv("DISPATCH_STORE"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("DISPATCH_REDIS_ADDR"); v != "" {
		cfg.Store.Redis.Addr = v
	}
	if v := os.Getenv("DISPATCH_REDIS_PASSWORD"); v != "" {
		cfg.Store.Redis.Password = v
	}
	if v := os.Getenv("DISPATCH_SQLITE_PATH"); v != "" {
		cfg.Store.SQLite.Path = v
	}
	if v := os.Getenv("DISPATCH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("redis backend requires an address")
	}
	if c.Store.Backend == "sqlite" && c.Store.SQLite.Path == "" {
		return fmt.Errorf("sqlite backend requires a path")
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server listen address is required")
	}
	return nil
}
