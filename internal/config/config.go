package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// IsolationStrategy selects how tenant data is partitioned. The strategy is
// a deployment-wide default; individual tenants may be provisioned with
// schema isolation on top of a row-filtering deployment.
type IsolationStrategy string

const (
	// IsolationRow uses database row-level security policies keyed on the
	// session tenant variable.
	IsolationRow IsolationStrategy = "row"
	// IsolationSchema gives each tenant a dedicated schema and routes
	// sessions via search_path.
	IsolationSchema IsolationStrategy = "schema"
)

// PostgresConfig holds connection settings for the primary database.
type PostgresConfig struct {
	DSN          string        `json:"dsn"`
	MaxConns     int32         `json:"max_conns"`
	AcquireWait  time.Duration `json:"acquire_wait"`
	BindTimeout  time.Duration `json:"bind_timeout"`
	ResetTimeout time.Duration `json:"reset_timeout"`
}

// RedisConfig holds Redis connection settings for the registry validity cache.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// EnforcementConfig controls isolation behavior.
type EnforcementConfig struct {
	Strategy IsolationStrategy `json:"strategy"`
	// Strict refuses privileged/bypass contexts entirely. Intended for
	// production deployments ("no bypass, no exceptions").
	Strict bool `json:"strict"`
}

// TelemetryConfig holds tracing settings.
type TelemetryConfig struct {
	Enabled     bool    `json:"enabled"`
	Exporter    string  `json:"exporter"` // otlp-http, stdout
	Endpoint    string  `json:"endpoint"`
	ServiceName string  `json:"service_name"`
	SampleRate  float64 `json:"sample_rate"`
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	HTTPAddr  string `json:"http_addr"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Postgres    PostgresConfig    `json:"postgres"`
	Redis       RedisConfig       `json:"redis"`
	Enforcement EnforcementConfig `json:"enforcement"`
	Telemetry   TelemetryConfig   `json:"telemetry"`
	Daemon      DaemonConfig      `json:"daemon"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Postgres: PostgresConfig{
			MaxConns:     16,
			AcquireWait:  5 * time.Second,
			BindTimeout:  2 * time.Second,
			ResetTimeout: 2 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
		},
		Enforcement: EnforcementConfig{
			Strategy: IsolationRow,
			Strict:   false,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "vela",
			SampleRate:  1.0,
		},
		Daemon: DaemonConfig{
			HTTPAddr:  ":8086",
			LogLevel:  "info",
			LogFormat: "text",
		},
	}
}

// LoadFromFile loads configuration from a JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("VELA_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("VELA_POSTGRES_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Postgres.MaxConns = int32(n)
		}
	}
	if v := os.Getenv("VELA_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("VELA_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("VELA_ISOLATION_STRATEGY"); v != "" {
		cfg.Enforcement.Strategy = IsolationStrategy(v)
	}
	if v := os.Getenv("VELA_STRICT_ENFORCEMENT"); v != "" {
		cfg.Enforcement.Strict = v == "true" || v == "1"
	}
	if v := os.Getenv("VELA_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("VELA_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
}

// Validate checks that config values are consistent.
func (c *Config) Validate() error {
	switch c.Enforcement.Strategy {
	case IsolationRow, IsolationSchema:
	default:
		return fmt.Errorf("config: unknown isolation strategy %q", c.Enforcement.Strategy)
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres max_conns must be positive, got %d", c.Postgres.MaxConns)
	}
	return nil
}
