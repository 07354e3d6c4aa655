package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Engine.MaxConcurrentExecutions != 10 {
		t.Fatalf("max concurrent = %d, want 10", cfg.Engine.MaxConcurrentExecutions)
	}
	if cfg.Engine.DefaultRetryAttempts != 3 {
		t.Fatalf("retry attempts = %d, want 3", cfg.Engine.DefaultRetryAttempts)
	}
	if cfg.Engine.DefaultRetryDelay() != 5*time.Second {
		t.Fatalf("retry delay = %v, want 5s", cfg.Engine.DefaultRetryDelay())
	}
	if cfg.Engine.CacheTTL() != 5*time.Minute {
		t.Fatalf("cache TTL = %v, want 5m", cfg.Engine.CacheTTL())
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	data := []byte(`
engine:
  max_concurrent_executions: 4
  queue_size: 16
  default_retry_delay_ms: 100
logging:
  level: debug
redis:
  addr: localhost:6379
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Engine.MaxConcurrentExecutions != 4 {
		t.Fatalf("max concurrent = %d, want 4", cfg.Engine.MaxConcurrentExecutions)
	}
	if cfg.Engine.QueueSize != 16 {
		t.Fatalf("queue size = %d, want 16", cfg.Engine.QueueSize)
	}
	if cfg.Engine.DefaultRetryDelay() != 100*time.Millisecond {
		t.Fatalf("retry delay = %v, want 100ms", cfg.Engine.DefaultRetryDelay())
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("log level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("redis addr = %q", cfg.Redis.Addr)
	}
	// Values the file does not set keep their defaults.
	if cfg.Engine.DrainRatePerSecond != 100 {
		t.Fatalf("drain rate = %v, want default 100", cfg.Engine.DrainRatePerSecond)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_DSN", "postgres://u:p@localhost/automation")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("MAX_CONCURRENT_EXECUTIONS", "7")

	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.Database.DSN != "postgres://u:p@localhost/automation" {
		t.Fatalf("dsn = %q", cfg.Database.DSN)
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("driver = %q, want postgres inferred from DSN override", cfg.Database.Driver)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("log level = %q, want warn", cfg.Logging.Level)
	}
	if cfg.Engine.MaxConcurrentExecutions != 7 {
		t.Fatalf("max concurrent = %d, want 7", cfg.Engine.MaxConcurrentExecutions)
	}
}

func TestValidateRejectsNonPositiveQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  queue_size: -1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFromPath(path); err == nil {
		t.Fatal("expected a validation error for a negative queue size")
	}
}
