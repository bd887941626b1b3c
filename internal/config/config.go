// Package config provides configuration types and defaults for relay.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/relay/internal/log"
)

// Config holds all configuration options for relay.
type Config struct {
	// DBPath is the sqlite database file location.
	// Default: ~/.relay/relay.db
	DBPath string `mapstructure:"db_path"`

	// LogFile is the structured log output file.
	// Default: ~/.relay/relay.log
	LogFile string `mapstructure:"log_file"`

	CLI         CLIConfig         `mapstructure:"cli"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Dispatch    DispatchConfig    `mapstructure:"dispatch"`
	Sessions    SessionsConfig    `mapstructure:"sessions"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Shutdown    ShutdownConfig    `mapstructure:"shutdown"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

// CLIConfig describes the child CLI tool the broker fronts.
type CLIConfig struct {
	// Command is the executable name or path.
	Command string `mapstructure:"command"`

	// Args are prepended to every invocation, before per-call flags.
	Args []string `mapstructure:"args"`

	// Env entries (KEY=VALUE) appended to the child environment.
	Env []string `mapstructure:"env"`

	// WorkDir is the working directory for spawned processes.
	// Empty means inherit the service working directory.
	WorkDir string `mapstructure:"work_dir"`

	// ConfigDir overrides the tool's own configuration directory so the
	// broker's children do not share state with an interactive install.
	ConfigDir string `mapstructure:"config_dir"`

	// HistoryPairs is how many recent user/assistant exchange pairs are
	// replayed into a fresh process when resuming a session.
	HistoryPairs int `mapstructure:"history_pairs"`
}

// PoolConfig bounds the instance pool.
type PoolConfig struct {
	MaxInstances           int           `mapstructure:"max_instances"`
	MaxMessagesPerInstance int           `mapstructure:"max_messages_per_instance"`
	MaxInstanceAge         time.Duration `mapstructure:"max_instance_age"`
	IdleTimeout            time.Duration `mapstructure:"idle_timeout"`

	// DestroyRetry is the delay before retrying a failed instance teardown.
	DestroyRetry time.Duration `mapstructure:"destroy_retry"`
}

// DispatchConfig bounds request execution and queueing.
type DispatchConfig struct {
	// PerCallTimeout is the default deadline for a single CLI exchange.
	PerCallTimeout time.Duration `mapstructure:"per_call_timeout"`

	// MaxCallTimeout caps caller-requested timeouts.
	MaxCallTimeout time.Duration `mapstructure:"max_call_timeout"`

	// StreamIdleTimeout aborts a streaming response with no frames.
	StreamIdleTimeout time.Duration `mapstructure:"stream_idle_timeout"`

	// QueueMax bounds the backpressure queue.
	QueueMax int `mapstructure:"queue_max"`

	// ResultRetention is how long terminal request records stay pollable.
	ResultRetention time.Duration `mapstructure:"result_retention"`
}

// SessionsConfig bounds durable conversation sessions.
type SessionsConfig struct {
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	MinTTL        time.Duration `mapstructure:"min_ttl"`
	MaxTTL        time.Duration `mapstructure:"max_ttl"`
	ContextCap    int           `mapstructure:"context_cap"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// CacheTTL bounds staleness for session reads served from cache.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// RateLimitConfig holds sliding-window rate limiting settings.
type RateLimitConfig struct {
	// Window is the sliding window width.
	Window time.Duration `mapstructure:"window"`

	// PerCredentialCeiling is the default per-window request ceiling for a
	// credential. Individual credentials may carry an override.
	PerCredentialCeiling int `mapstructure:"per_credential_ceiling"`

	// PerAddressCeiling is the per-window ceiling keyed by remote address.
	PerAddressCeiling int `mapstructure:"per_address_ceiling"`
}

// CredentialsConfig holds credential store settings.
type CredentialsConfig struct {
	// CacheTTL is how long validated credentials stay cached before the
	// store rereads the database.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// ShutdownConfig holds graceful shutdown settings.
type ShutdownConfig struct {
	// Grace is how long in-flight requests get to finish.
	Grace time.Duration `mapstructure:"grace"`

	// HardTimeout forces exit regardless of in-flight work.
	HardTimeout time.Duration `mapstructure:"hard_timeout"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for "file" exporter.
	// Default: ~/.relay/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// 1.0 = all traces, 0.1 = 10% of traces
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// DefaultDataDir returns ~/.relay or empty string if home dir unavailable.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".relay")
}

// DefaultTracesFilePath returns the default path for trace file export.
func DefaultTracesFilePath() string {
	dir := DefaultDataDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	dataDir := DefaultDataDir()
	return Config{
		DBPath:  filepath.Join(dataDir, "relay.db"),
		LogFile: filepath.Join(dataDir, "relay.log"),
		CLI: CLIConfig{
			Command:      "claude",
			Args:         nil,
			HistoryPairs: 4,
		},
		Pool: PoolConfig{
			MaxInstances:           4,
			MaxMessagesPerInstance: 50,
			MaxInstanceAge:         time.Hour,
			IdleTimeout:            5 * time.Minute,
			DestroyRetry:           2 * time.Second,
		},
		Dispatch: DispatchConfig{
			PerCallTimeout:    2 * time.Minute,
			MaxCallTimeout:    5 * time.Minute,
			StreamIdleTimeout: 30 * time.Second,
			QueueMax:          100,
			ResultRetention:   time.Hour,
		},
		Sessions: SessionsConfig{
			DefaultTTL:    time.Hour,
			MinTTL:        5 * time.Minute,
			MaxTTL:        24 * time.Hour,
			ContextCap:    50,
			SweepInterval: 30 * time.Minute,
			CacheTTL:      time.Minute,
		},
		RateLimit: RateLimitConfig{
			Window:               time.Hour,
			PerCredentialCeiling: 1000,
			PerAddressCeiling:    2000,
		},
		Credentials: CredentialsConfig{
			CacheTTL: 5 * time.Minute,
		},
		Shutdown: ShutdownConfig{
			Grace:       10 * time.Second,
			HardTimeout: 30 * time.Second,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from data dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the configuration for errors.
// Zero values are treated as "use default" by the caller, so only set
// values are range checked.
func Validate(cfg Config) error {
	if cfg.CLI.Command == "" {
		return fmt.Errorf("cli.command is required")
	}
	if cfg.CLI.HistoryPairs < 0 {
		return fmt.Errorf("cli.history_pairs must not be negative, got %d", cfg.CLI.HistoryPairs)
	}

	if cfg.Pool.MaxInstances < 1 {
		return fmt.Errorf("pool.max_instances must be at least 1, got %d", cfg.Pool.MaxInstances)
	}
	if cfg.Pool.MaxMessagesPerInstance < 1 {
		return fmt.Errorf("pool.max_messages_per_instance must be at least 1, got %d", cfg.Pool.MaxMessagesPerInstance)
	}
	if cfg.Pool.IdleTimeout <= 0 {
		return fmt.Errorf("pool.idle_timeout must be positive, got %v", cfg.Pool.IdleTimeout)
	}
	if cfg.Pool.MaxInstanceAge <= 0 {
		return fmt.Errorf("pool.max_instance_age must be positive, got %v", cfg.Pool.MaxInstanceAge)
	}

	if cfg.Dispatch.PerCallTimeout <= 0 {
		return fmt.Errorf("dispatch.per_call_timeout must be positive, got %v", cfg.Dispatch.PerCallTimeout)
	}
	if cfg.Dispatch.MaxCallTimeout < cfg.Dispatch.PerCallTimeout {
		return fmt.Errorf("dispatch.max_call_timeout %v must be at least per_call_timeout %v",
			cfg.Dispatch.MaxCallTimeout, cfg.Dispatch.PerCallTimeout)
	}
	if cfg.Dispatch.QueueMax < 0 {
		return fmt.Errorf("dispatch.queue_max must not be negative, got %d", cfg.Dispatch.QueueMax)
	}
	if cfg.Dispatch.ResultRetention <= 0 {
		return fmt.Errorf("dispatch.result_retention must be positive, got %v", cfg.Dispatch.ResultRetention)
	}

	if err := validateSessions(cfg.Sessions); err != nil {
		return err
	}

	if cfg.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive, got %v", cfg.RateLimit.Window)
	}
	if cfg.RateLimit.PerCredentialCeiling < 1 {
		return fmt.Errorf("rate_limit.per_credential_ceiling must be at least 1, got %d", cfg.RateLimit.PerCredentialCeiling)
	}
	if cfg.RateLimit.PerAddressCeiling < 1 {
		return fmt.Errorf("rate_limit.per_address_ceiling must be at least 1, got %d", cfg.RateLimit.PerAddressCeiling)
	}

	if cfg.Shutdown.Grace <= 0 {
		return fmt.Errorf("shutdown.grace must be positive, got %v", cfg.Shutdown.Grace)
	}
	if cfg.Shutdown.HardTimeout < cfg.Shutdown.Grace {
		return fmt.Errorf("shutdown.hard_timeout %v must be at least grace %v",
			cfg.Shutdown.HardTimeout, cfg.Shutdown.Grace)
	}

	return ValidateTracing(cfg.Tracing)
}

func validateSessions(s SessionsConfig) error {
	if s.MinTTL <= 0 {
		return fmt.Errorf("sessions.min_ttl must be positive, got %v", s.MinTTL)
	}
	if s.MaxTTL < s.MinTTL {
		return fmt.Errorf("sessions.max_ttl %v must be at least min_ttl %v", s.MaxTTL, s.MinTTL)
	}
	if s.DefaultTTL < s.MinTTL || s.DefaultTTL > s.MaxTTL {
		return fmt.Errorf("sessions.default_ttl %v must be within [%v, %v]", s.DefaultTTL, s.MinTTL, s.MaxTTL)
	}
	if s.ContextCap < 2 {
		return fmt.Errorf("sessions.context_cap must be at least 2, got %d", s.ContextCap)
	}
	if s.SweepInterval <= 0 {
		return fmt.Errorf("sessions.sweep_interval must be positive, got %v", s.SweepInterval)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Relay Configuration

# Storage locations (default: ~/.relay)
# db_path: /path/to/relay.db
# log_file: /path/to/relay.log

# Child CLI tool the broker fronts
cli:
  command: claude
  # args: ["--no-color"]
  # env: ["TOOL_HOME=/opt/tool"]
  # work_dir: /tmp
  history_pairs: 4   # user/assistant pairs replayed when resuming a session

# Instance pool bounds
pool:
  max_instances: 4
  max_messages_per_instance: 50
  max_instance_age: 1h
  idle_timeout: 5m
  destroy_retry: 2s

# Request execution and queueing
dispatch:
  per_call_timeout: 2m
  max_call_timeout: 5m      # ceiling for caller-requested timeouts
  stream_idle_timeout: 30s
  queue_max: 100            # backpressure queue bound
  result_retention: 1h      # how long finished results stay pollable

# Durable conversation sessions
sessions:
  default_ttl: 1h
  min_ttl: 5m
  max_ttl: 24h
  context_cap: 50           # messages retained per session
  sweep_interval: 30m
  cache_ttl: 1m

# Sliding-window rate limiting
rate_limit:
  window: 1h
  per_credential_ceiling: 1000
  per_address_ceiling: 2000

# Credential store
credentials:
  cache_ttl: 5m

# Graceful shutdown
shutdown:
  grace: 10s
  hard_timeout: 30s

# Distributed tracing
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.relay/traces/traces.jsonl
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
