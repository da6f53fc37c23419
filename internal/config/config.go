// Package config provides YAML configuration loading and validation for the
// telemetry agent.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the agent.
type Config struct {
	// MetricsEndpoint is the sink URL batches are shipped to. Required.
	MetricsEndpoint string `yaml:"metrics_endpoint"`

	// SchemaEndpoint is an optional sink URL for the field dictionary
	// snapshot. It is parsed but not read: the agent does not publish the
	// snapshot anywhere.
	SchemaEndpoint string `yaml:"schema_endpoint,omitempty"`

	// BatchSize is the event count that triggers an eager flush. Defaults to
	// 50 when omitted.
	BatchSize int `yaml:"batch_size"`

	// FlushIntervalSecs defaults to 5 when omitted. It is parsed but not
	// read: the agent's drain loop flushes on batch_size and on a fixed
	// 200ms tick.
	FlushIntervalSecs int `yaml:"flush_interval_secs"`

	// MaxBufferSize bounds the in-memory entry buffer. Defaults to 500.
	MaxBufferSize int `yaml:"max_buffer_size"`

	// MaxBatchSize defaults to 100 and must not exceed MaxBufferSize. It is
	// only validated: outbound frames are not capped by it.
	MaxBatchSize int `yaml:"max_batch_size"`

	// Compression defaults to true. It is parsed but not read by the
	// encoder: payloads above the wire codec's size threshold are always
	// zlib-compressed, whatever this is set to.
	Compression *bool `yaml:"compression"`

	// SamplingRate is a per-event keep-probability in [0, 1]. Defaults to
	// 1.0. It is validated but not applied: every event is kept.
	SamplingRate float64 `yaml:"sampling_rate"`

	// MaxRetryAttempts caps HTTP transport retries. Defaults to 3.
	MaxRetryAttempts int `yaml:"max_retry_attempts"`

	// InitialRetryDelayMs is the first retry delay. Defaults to 200.
	InitialRetryDelayMs int `yaml:"initial_retry_delay_ms"`

	// MaxRetryDelayMs caps the retry delay. Defaults to 5000.
	MaxRetryDelayMs int `yaml:"max_retry_delay_ms"`

	// PreloadEnabled toggles cold-start preloaders. Defaults to true.
	PreloadEnabled *bool `yaml:"preload_enabled"`

	// PreloadMemoryLimitMB bounds cumulative preloader memory. Defaults to
	// 64.
	PreloadMemoryLimitMB int `yaml:"preload_memory_limit_mb"`

	// StrictDependencies defaults to false. It is parsed but not read: no
	// collector dependency allowlist check runs at load time.
	StrictDependencies bool `yaml:"strict_dependencies"`

	// ColdStartFreezeThresholdSecs is the wall-clock delta between
	// invocations above which the orchestrator treats the process as
	// having been frozen. Defaults to 60.
	ColdStartFreezeThresholdSecs int `yaml:"cold_start_freeze_threshold_secs"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// ScratchDir is where spilled batches and persisted state are written.
	// Defaults to "/tmp/coldtrace-agent".
	ScratchDir string `yaml:"scratch_dir"`

	// AdminAddr is the listen address for the admin HTTP surface
	// (/healthz, /metrics, /debug/schema). Defaults to "127.0.0.1:9100".
	AdminAddr string `yaml:"admin_addr"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func boolPtr(v bool) *bool { return &v }

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushIntervalSecs == 0 {
		cfg.FlushIntervalSecs = 5
	}
	if cfg.MaxBufferSize == 0 {
		cfg.MaxBufferSize = 500
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 100
	}
	if cfg.Compression == nil {
		cfg.Compression = boolPtr(true)
	}
	if cfg.SamplingRate == 0 {
		cfg.SamplingRate = 1.0
	}
	if cfg.MaxRetryAttempts == 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.InitialRetryDelayMs == 0 {
		cfg.InitialRetryDelayMs = 200
	}
	if cfg.MaxRetryDelayMs == 0 {
		cfg.MaxRetryDelayMs = 5000
	}
	if cfg.PreloadEnabled == nil {
		cfg.PreloadEnabled = boolPtr(true)
	}
	if cfg.PreloadMemoryLimitMB == 0 {
		cfg.PreloadMemoryLimitMB = 64
	}
	if cfg.ColdStartFreezeThresholdSecs == 0 {
		cfg.ColdStartFreezeThresholdSecs = 60
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = "/tmp/coldtrace-agent"
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = "127.0.0.1:9100"
	}
}

// validate checks that all required fields are populated and that
// enumerated/bounded fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if cfg.MetricsEndpoint == "" {
		errs = append(errs, errors.New("metrics_endpoint is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.SamplingRate < 0 || cfg.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("sampling_rate %v must be in [0, 1]", cfg.SamplingRate))
	}
	if cfg.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}
	if cfg.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("max_batch_size must be positive"))
	}
	if cfg.MaxBufferSize < cfg.MaxBatchSize {
		errs = append(errs, errors.New("max_buffer_size must be at least max_batch_size"))
	}
	if cfg.MaxRetryAttempts < 0 {
		errs = append(errs, errors.New("max_retry_attempts must not be negative"))
	}
	if cfg.InitialRetryDelayMs > cfg.MaxRetryDelayMs {
		errs = append(errs, errors.New("initial_retry_delay_ms must not exceed max_retry_delay_ms"))
	}

	return errors.Join(errs...)
}
