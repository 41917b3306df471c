package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// APIKeyEntry is one accepted gateway API key.
type APIKeyEntry struct {
	Key   string `yaml:"key"`
	Label string `yaml:"label"`
}

// AuthConfig controls gateway bearer/API-key authentication.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// CORSConfig controls cross-origin access to the REST surface.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig controls the per-key token bucket applied to REST calls.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// SchedulerConfig holds the Hybrid Scheduler's five tunable thresholds, all
// overridable by TASKQ_* environment variables (spec.md §6).
type SchedulerConfig struct {
	TickIntervalMS      int64 `yaml:"tick_interval_ms"`
	PendingAckTimeoutMS int64 `yaml:"pending_ack_timeout_ms"`
	StaleTimeoutMS      int64 `yaml:"stale_timeout_ms"`
	OrphanTimeoutMS     int64 `yaml:"orphan_timeout_ms"`
	DefaultLongPollMS   int64 `yaml:"default_longpoll_ms"`
	AgentStaleMS        int64 `yaml:"agent_stale_ms"`
}

// TelemetryConfig controls OpenTelemetry trace/metric export. Disabled by
// default; the dispatch server runs with zero tracing overhead out of the box.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "stdout" | "otlp"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// Config is the dispatch server's top-level configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// StorePath is the SQLite database file backing the Durable Store.
	StorePath string `yaml:"store_path"`

	Scheduler SchedulerConfig `yaml:"scheduler"`

	// DigestCronExpr is the standard 5-field cron expression on which the
	// ambient digest reporter logs a queue/agent summary. Empty disables it.
	DigestCronExpr string `yaml:"digest_cron_expr"`

	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// AllowOrigins controls accepted Origin headers for the WebSocket
	// gateway. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr:  "127.0.0.1:18789",
		LogLevel:  "info",
		StorePath: "",
		Scheduler: SchedulerConfig{
			TickIntervalMS:      5000,
			PendingAckTimeoutMS: 60000,
			StaleTimeoutMS:      1800000,
			OrphanTimeoutMS:     300000,
			DefaultLongPollMS:   290000,
			AgentStaleMS:        300000,
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 60, BurstSize: 10},
	}
}

// HomeDir resolves the dispatch server's home directory, honoring a
// TASKQ_HOME override.
func HomeDir() string {
	if override := os.Getenv("TASKQ_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskq")
}

// Load reads config.yaml from the home directory (creating it on first
// run), applies environment overrides, and normalizes defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskq home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18789"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StorePath == "" {
		cfg.StorePath = filepath.Join(cfg.HomeDir, "taskq.db")
	}
	zero := SchedulerConfig{}
	if cfg.Scheduler == zero {
		cfg.Scheduler = defaultConfig().Scheduler
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.RateLimit.BurstSize == 0 {
		cfg.RateLimit.BurstSize = 10
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKQ_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKQ_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKQ_STORE_PATH"); raw != "" {
		cfg.StorePath = raw
	}
	if raw := os.Getenv("TASKQ_DIGEST_CRON"); raw != "" {
		cfg.DigestCronExpr = raw
	}
	setInt64Env(&cfg.Scheduler.TickIntervalMS, "TASKQ_TICK_INTERVAL_MS")
	setInt64Env(&cfg.Scheduler.PendingAckTimeoutMS, "TASKQ_PENDING_ACK_TIMEOUT_MS")
	setInt64Env(&cfg.Scheduler.StaleTimeoutMS, "TASKQ_STALE_TIMEOUT_MS")
	setInt64Env(&cfg.Scheduler.OrphanTimeoutMS, "TASKQ_ORPHAN_TIMEOUT_MS")
	setInt64Env(&cfg.Scheduler.DefaultLongPollMS, "TASKQ_DEFAULT_LONGPOLL_MS")
	setInt64Env(&cfg.Scheduler.AgentStaleMS, "TASKQ_AGENT_STALE_MS")
}

func setInt64Env(dst *int64, name string) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*dst = v
	}
}

// TickInterval returns the scheduler's tick cadence as a time.Duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalMS) * time.Millisecond
}

// PendingAckTimeout returns the Pending ACK reclaim threshold.
func (c Config) PendingAckTimeout() time.Duration {
	return time.Duration(c.Scheduler.PendingAckTimeoutMS) * time.Millisecond
}

// StaleTaskTimeout returns the in-flight stale-task rebalance threshold.
func (c Config) StaleTaskTimeout() time.Duration {
	return time.Duration(c.Scheduler.StaleTimeoutMS) * time.Millisecond
}

// OrphanTaskTimeout returns the orphaned-agent rebalance threshold.
func (c Config) OrphanTaskTimeout() time.Duration {
	return time.Duration(c.Scheduler.OrphanTimeoutMS) * time.Millisecond
}

// DefaultLongPoll returns the long-poll timeout used when a caller omits one.
func (c Config) DefaultLongPoll() time.Duration {
	return time.Duration(c.Scheduler.DefaultLongPollMS) * time.Millisecond
}

// Fingerprint returns a stable hash of the active config, exposed to
// operators via get_task_context-adjacent admin surfaces and /healthz.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|store=%s|tick=%d|ack=%d|stale=%d|orphan=%d|longpoll=%d|agentstale=%d",
		c.BindAddr, c.LogLevel, c.StorePath,
		c.Scheduler.TickIntervalMS, c.Scheduler.PendingAckTimeoutMS, c.Scheduler.StaleTimeoutMS,
		c.Scheduler.OrphanTimeoutMS, c.Scheduler.DefaultLongPollMS, c.Scheduler.AgentStaleMS)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
