// Package config provides TOML-based configuration loading for transcriberd.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for transcriberd.
type Config struct {
	Environment string          `toml:"environment"`
	Inbox       InboxConfig     `toml:"inbox"`
	Queue       QueueConfig     `toml:"queue"`
	Worker      WorkerConfig    `toml:"worker"`
	Transcode   TranscodeConfig `toml:"transcode"`
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
}

// InboxConfig describes the watched directory tree and where finished files go.
type InboxConfig struct {
	WatchDirectory     string   `toml:"watch_directory"`
	OutputDirectory    string   `toml:"output_directory"`
	CompletedDirectory string   `toml:"completed_directory"`
	FailedDirectory    string   `toml:"failed_directory"`
	SupportedFormats   []string `toml:"supported_formats"`
	MinFileSizeBytes   int64    `toml:"min_file_size_bytes"`
	MaxFileSizeBytes   int64    `toml:"max_file_size_bytes"`
	WatchDepth         int      `toml:"watch_depth"`
	DebounceMS         int      `toml:"debounce_ms"`
}

// QueueConfig holds durable-queue tuning knobs.
type QueueConfig struct {
	MaxAttempts         int `toml:"max_attempts"`
	LeaseDurationMS     int `toml:"lease_duration_ms"`
	RenewalIntervalMS   int `toml:"renewal_interval_ms"`
	StallScanIntervalMS int `toml:"stall_scan_interval_ms"`
	MaxStalledCount     int `toml:"max_stalled_count"`
	BackoffBaseMS       int `toml:"backoff_base_ms"`
	BackoffCapMS        int `toml:"backoff_cap_ms"`
}

// WorkerConfig holds worker-pool sizing and shutdown behavior.
type WorkerConfig struct {
	MaxWorkers        int `toml:"max_workers"`
	ShutdownTimeoutMS int `toml:"shutdown_timeout_ms"`
}

// TranscodeConfig configures the subprocess adapter that invokes the STT binary.
type TranscodeConfig struct {
	CommandTemplate      string `toml:"command_template"`
	TimeoutMS            int    `toml:"timeout_ms"`
	CircuitMaxFailures   int    `toml:"circuit_max_failures"`
	CircuitCooldownMS    int    `toml:"circuit_cooldown_ms"`
	SpawnRateLimitPerSec int    `toml:"spawn_rate_limit_per_sec"`
}

// ServerConfig holds the minimal introspection HTTP surface configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig holds the SurrealDB connection settings for the durable queue store.
type StorageConfig struct {
	Endpoint  string `toml:"endpoint"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level   string   `toml:"level"`
	Format  string   `toml:"format"`
	Outputs []string `toml:"outputs"`
}

// GetLeaseDuration returns the configured lease duration as a time.Duration.
func (q *QueueConfig) GetLeaseDuration() time.Duration {
	if q.LeaseDurationMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(q.LeaseDurationMS) * time.Millisecond
}

// GetRenewalInterval returns the configured lease renewal interval.
func (q *QueueConfig) GetRenewalInterval() time.Duration {
	if q.RenewalIntervalMS <= 0 {
		return 15 * time.Second
	}
	return time.Duration(q.RenewalIntervalMS) * time.Millisecond
}

// GetStallScanInterval returns the configured stall-scan interval.
func (q *QueueConfig) GetStallScanInterval() time.Duration {
	if q.StallScanIntervalMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(q.StallScanIntervalMS) * time.Millisecond
}

// GetBackoffBase returns the configured backoff base interval.
func (q *QueueConfig) GetBackoffBase() time.Duration {
	if q.BackoffBaseMS <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(q.BackoffBaseMS) * time.Millisecond
}

// GetBackoffCap returns the configured backoff cap interval.
func (q *QueueConfig) GetBackoffCap() time.Duration {
	if q.BackoffCapMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(q.BackoffCapMS) * time.Millisecond
}

// GetShutdownTimeout returns the configured graceful shutdown window.
func (w *WorkerConfig) GetShutdownTimeout() time.Duration {
	if w.ShutdownTimeoutMS <= 0 {
		return 60 * time.Second
	}
	return time.Duration(w.ShutdownTimeoutMS) * time.Millisecond
}

// GetTimeout returns the configured subprocess timeout.
func (t *TranscodeConfig) GetTimeout() time.Duration {
	if t.TimeoutMS <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(t.TimeoutMS) * time.Millisecond
}

// GetCircuitCooldown returns the configured circuit breaker cooldown window.
func (t *TranscodeConfig) GetCircuitCooldown() time.Duration {
	if t.CircuitCooldownMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(t.CircuitCooldownMS) * time.Millisecond
}

// GetDebounce returns the configured file-write debounce window.
func (i *InboxConfig) GetDebounce() time.Duration {
	if i.DebounceMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(i.DebounceMS) * time.Millisecond
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Inbox: InboxConfig{
			WatchDirectory:     "data/inbox",
			OutputDirectory:    "data/output/transcripts",
			CompletedDirectory: "data/completed",
			FailedDirectory:    "data/failed",
			SupportedFormats:   []string{".wav", ".mp3", ".m4a", ".flac", ".ogg"},
			MinFileSizeBytes:   1024,
			MaxFileSizeBytes:   2 << 30, // 2 GiB
			WatchDepth:         3,
			DebounceMS:         2000,
		},
		Queue: QueueConfig{
			MaxAttempts:         3,
			LeaseDurationMS:     60_000,
			RenewalIntervalMS:   15_000,
			StallScanIntervalMS: 30_000,
			MaxStalledCount:     2,
			BackoffBaseMS:       50,
			BackoffCapMS:        2_000,
		},
		Worker: WorkerConfig{
			MaxWorkers:        4,
			ShutdownTimeoutMS: 60_000,
		},
		Transcode: TranscodeConfig{
			CommandTemplate:      "whisper --model base --output_dir {{.OutputDir}} {{.SourcePath}}",
			TimeoutMS:            600_000,
			CircuitMaxFailures:   5,
			CircuitCooldownMS:    30_000,
			SpawnRateLimitPerSec: 2,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8088,
		},
		Storage: StorageConfig{
			Endpoint:  "ws://127.0.0.1:8000/rpc",
			Namespace: "transcriberd",
			Database:  "transcriberd",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "json",
			Outputs: []string{"console"},
		},
	}
}

// LoadConfig loads configuration from files (later files override earlier ones)
// and applies environment variable overrides on top.
func LoadConfig(paths ...string) (*Config, error) {
	cfg := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides applies TRANSCRIBERD_* environment variable overrides to cfg.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRANSCRIBERD_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("TRANSCRIBERD_WATCH_DIR"); v != "" {
		cfg.Inbox.WatchDirectory = v
	}
	if v := os.Getenv("TRANSCRIBERD_OUTPUT_DIR"); v != "" {
		cfg.Inbox.OutputDirectory = v
	}
	if v := os.Getenv("TRANSCRIBERD_COMPLETED_DIR"); v != "" {
		cfg.Inbox.CompletedDirectory = v
	}
	if v := os.Getenv("TRANSCRIBERD_FAILED_DIR"); v != "" {
		cfg.Inbox.FailedDirectory = v
	}
	if v := os.Getenv("TRANSCRIBERD_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.MaxWorkers = n
		}
	}
	if v := os.Getenv("TRANSCRIBERD_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxAttempts = n
		}
	}
	if v := os.Getenv("TRANSCRIBERD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TRANSCRIBERD_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("TRANSCRIBERD_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("TRANSCRIBERD_SURREALDB_ENDPOINT"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := os.Getenv("TRANSCRIBERD_SURREALDB_NAMESPACE"); v != "" {
		cfg.Storage.Namespace = v
	}
	if v := os.Getenv("TRANSCRIBERD_SURREALDB_DATABASE"); v != "" {
		cfg.Storage.Database = v
	}
	if v := os.Getenv("TRANSCRIBERD_SURREALDB_USERNAME"); v != "" {
		cfg.Storage.Username = v
	}
	if v := os.Getenv("TRANSCRIBERD_SURREALDB_PASSWORD"); v != "" {
		cfg.Storage.Password = v
	}
	if v := os.Getenv("TRANSCRIBERD_TRANSCODE_COMMAND"); v != "" {
		cfg.Transcode.CommandTemplate = v
	}
	if v := os.Getenv("TRANSCRIBERD_SUPPORTED_FORMATS"); v != "" {
		cfg.Inbox.SupportedFormats = strings.Split(v, ",")
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}
