// Package config loads engine configuration from a YAML file with
// environment-variable overrides for deployment settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineConfig tunes queue and execution behaviour.
type EngineConfig struct {
	MaxConcurrentExecutions int     `yaml:"max_concurrent_executions"`
	QueueSize               int     `yaml:"queue_size"`
	DrainRatePerSecond      float64 `yaml:"drain_rate_per_second"`
	DefaultRetryAttempts    int     `yaml:"default_retry_attempts"`
	DefaultRetryDelayMS     int     `yaml:"default_retry_delay_ms"`
	CacheTTLSeconds         int     `yaml:"cache_ttl_seconds"`
	WebhookTimeoutSeconds   int     `yaml:"webhook_timeout_seconds"`
}

// DefaultRetryDelay returns the configured backoff as a duration.
func (c EngineConfig) DefaultRetryDelay() time.Duration {
	return time.Duration(c.DefaultRetryDelayMS) * time.Millisecond
}

// CacheTTL returns the rule cache TTL as a duration.
func (c EngineConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// WebhookTimeout returns the outbound HTTP timeout as a duration.
func (c EngineConfig) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}

// DatabaseConfig configures the optional PostgreSQL store.
type DatabaseConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
}

// RedisConfig configures the optional Redis rule cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config is the full engine configuration.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxConcurrentExecutions: 10,
			QueueSize:               1024,
			DrainRatePerSecond:      100,
			DefaultRetryAttempts:    3,
			DefaultRetryDelayMS:     5000,
			CacheTTLSeconds:         300,
			WebhookTimeoutSeconds:   10,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9402"},
	}
}

// Load reads config/engine.yaml relative to the working directory, falling
// back to defaults when the file does not exist.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join("config", "engine.yaml"))
}

// LoadFromPath loads configuration from a specific path. A missing file is
// not an error; defaults apply. Environment variables override file values.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse engine config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read engine config: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
		if cfg.Database.Driver == "" {
			cfg.Database.Driver = "postgres"
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MAX_CONCURRENT_EXECUTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.MaxConcurrentExecutions = n
		}
	}
}

func (c *Config) validate() error {
	if c.Engine.MaxConcurrentExecutions <= 0 {
		return fmt.Errorf("engine.max_concurrent_executions must be positive")
	}
	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be positive")
	}
	if c.Engine.DrainRatePerSecond <= 0 {
		return fmt.Errorf("engine.drain_rate_per_second must be positive")
	}
	return nil
}
