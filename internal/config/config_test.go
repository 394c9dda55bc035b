package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Enforcement.Strategy != IsolationRow {
		t.Fatalf("expected row strategy default, got %q", cfg.Enforcement.Strategy)
	}
	if cfg.Enforcement.Strict {
		t.Fatal("strict enforcement should default to off")
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vela.json")
	data := `{
		"postgres": {"dsn": "postgres://vela@localhost/vela", "max_conns": 4},
		"enforcement": {"strategy": "schema", "strict": true}
	}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://vela@localhost/vela" {
		t.Fatalf("dsn not loaded, got %q", cfg.Postgres.DSN)
	}
	if cfg.Postgres.MaxConns != 4 {
		t.Fatalf("max_conns not loaded, got %d", cfg.Postgres.MaxConns)
	}
	if cfg.Enforcement.Strategy != IsolationSchema || !cfg.Enforcement.Strict {
		t.Fatalf("enforcement not loaded: %+v", cfg.Enforcement)
	}
	// unset sections keep defaults
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("redis default lost, got %q", cfg.Redis.Addr)
	}
}

func TestLoadFromFileRejectsUnknownStrategy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vela.json")
	if err := os.WriteFile(path, []byte(`{"enforcement": {"strategy": "hybrid"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected validation error for unknown strategy")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("VELA_POSTGRES_DSN", "postgres://env@db/vela")
	t.Setenv("VELA_POSTGRES_MAX_CONNS", "32")
	t.Setenv("VELA_STRICT_ENFORCEMENT", "true")
	t.Setenv("VELA_ISOLATION_STRATEGY", "schema")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Postgres.DSN != "postgres://env@db/vela" {
		t.Fatalf("dsn override missing, got %q", cfg.Postgres.DSN)
	}
	if cfg.Postgres.MaxConns != 32 {
		t.Fatalf("max_conns override missing, got %d", cfg.Postgres.MaxConns)
	}
	if !cfg.Enforcement.Strict {
		t.Fatal("strict override missing")
	}
	if cfg.Enforcement.Strategy != IsolationSchema {
		t.Fatalf("strategy override missing, got %q", cfg.Enforcement.Strategy)
	}
}
