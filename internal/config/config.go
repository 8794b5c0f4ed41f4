package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all process-level configuration for pactown. Ecosystem
// manifests are loaded separately; this covers the runtime knobs the
// manifest does not carry.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Core overrides
	SandboxRoot string `env:"PACTOWN_SANDBOX_ROOT"`
	PortRange   string `env:"PACTOWN_PORT_RANGE" envDefault:"10000-65000"`

	// API server (pactown serve)
	API APIConfig

	// Redis-backed adapters; in-memory fallbacks are used when disabled
	Redis RedisConfig

	// LLM configuration (pactown generate)
	LLM LLMConfig

	// Dependency cache
	Cache CacheConfig

	// Security policy
	Security SecurityConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// APIConfig holds the runner API server configuration.
type APIConfig struct {
	Port  int    `env:"PACTOWN_API_PORT" envDefault:"7377"`
	Token string `env:"PACTOWN_API_TOKEN"`
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Enabled  bool   `env:"PACTOWN_REDIS" envDefault:"false"`
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Provider string `env:"LLM_PROVIDER" envDefault:"anthropic"`
	APIKey   string `env:"LLM_API_KEY"`

	RequestTimeout time.Duration `env:"LLM_REQUEST_TIMEOUT" envDefault:"120s"`

	// Default model settings
	DefaultModel       string  `env:"LLM_DEFAULT_MODEL" envDefault:"claude-3-5-sonnet-20241022"`
	DefaultTemperature float64 `env:"LLM_DEFAULT_TEMPERATURE" envDefault:"0.7"`
	DefaultMaxTokens   int     `env:"LLM_DEFAULT_MAX_TOKENS" envDefault:"4096"`
}

// CacheConfig holds dependency cache limits.
type CacheConfig struct {
	MaxEntries int           `env:"PACTOWN_CACHE_MAX_ENTRIES" envDefault:"20"`
	MaxAge     time.Duration `env:"PACTOWN_CACHE_MAX_AGE" envDefault:"24h"`
}

// SecurityConfig holds security policy configuration.
type SecurityConfig struct {
	AnomalyLogPath   string  `env:"PACTOWN_ANOMALY_LOG"`
	AnomalyMaxEvents int     `env:"PACTOWN_ANOMALY_MAX_EVENTS" envDefault:"10000"`
	CPUThreshold     float64 `env:"PACTOWN_CPU_THRESHOLD" envDefault:"80"`
	MemoryThreshold  float64 `env:"PACTOWN_MEM_THRESHOLD" envDefault:"85"`
}

// TimeoutConfig holds various timeout configurations.
type TimeoutConfig struct {
	StopGrace       time.Duration `env:"PACTOWN_STOP_GRACE" envDefault:"10s"`
	ProbeHTTP       time.Duration `env:"PACTOWN_PROBE_HTTP_TIMEOUT" envDefault:"5s"`
	UpSlack         time.Duration `env:"PACTOWN_UP_SLACK" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("invalid API port: %d", c.API.Port)
	}

	if _, _, err := c.PortBounds(); err != nil {
		return err
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required when redis is enabled")
	}

	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("cache max entries must be at least 1")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// PortBounds parses the allocator range from the PACTOWN_PORT_RANGE
// form "start-end".
func (c *Config) PortBounds() (int, int, error) {
	first, second, ok := strings.Cut(c.PortRange, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid port range %q (want start-end)", c.PortRange)
	}
	start, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q: %w", c.PortRange, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(second))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q: %w", c.PortRange, err)
	}
	if start < 1 || end > 65535 || start >= end {
		return 0, 0, fmt.Errorf("invalid port range %q (want 1 <= start < end <= 65535)", c.PortRange)
	}
	return start, end, nil
}

// GetAPIAddr returns the runner API listen address.
func (c *Config) GetAPIAddr() string {
	return fmt.Sprintf(":%d", c.API.Port)
}
