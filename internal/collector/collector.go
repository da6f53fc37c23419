// Package collector defines the uniform collector lifecycle contract
// consumed by the registry: metadata, init, collect, update-config, and
// shutdown.
package collector

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/coldtrace/agent/internal/telemetry"
)

// FrequencyKind selects how the registry schedules a collector.
type FrequencyKind uint8

const (
	Once FrequencyKind = iota
	PerInvocation
	IntervalFrequency
	OnDemand
)

// Frequency describes how often a collector should run. Interval is only
// meaningful when Kind == IntervalFrequency.
type Frequency struct {
	Kind     FrequencyKind
	Interval time.Duration
}

// Metadata identifies a collector and its scheduling preference.
type Metadata struct {
	ID        string
	Name      string
	Frequency Frequency
}

// Collector is the contract every plugin implements. Collect MUST be safe
// to call concurrently with UpdateConfig; UpdateConfig atomically replaces
// settings without interrupting in-flight collection.
type Collector interface {
	Metadata() Metadata
	Config() map[string]any
	UpdateConfig(cfg map[string]any) error
	Initialize(ctx context.Context) error
	Collect(ctx context.Context) (map[string]telemetry.MetricValue, error)
	Shutdown(ctx context.Context) error
}

// Factory constructs a Collector from its configuration. Concrete
// collector packages (CPU, memory, HTTP, database scrapers) supply
// factories; this package never constructs one itself.
type Factory func(cfg map[string]any) (Collector, error)

// ConfigValidator validates an update_config payload against a compiled
// JSON Schema before any state mutation occurs, making UpdateConfig
// transactional: validation runs to completion before the collector's
// settings are replaced.
type ConfigValidator struct {
	schema *jsonschema.Schema
}

// NewConfigValidator compiles schemaJSON once for reuse across every
// UpdateConfig call.
func NewConfigValidator(schemaJSON []byte) (*ConfigValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("collector: add schema resource: %w", err)
	}
	schema, err := compiler.Compile("config.json")
	if err != nil {
		return nil, fmt.Errorf("collector: compile schema: %w", err)
	}
	return &ConfigValidator{schema: schema}, nil
}

// Validate reports a schema violation without mutating anything.
func (v *ConfigValidator) Validate(cfg map[string]any) error {
	if v == nil || v.schema == nil {
		return nil
	}
	if err := v.schema.ValidateInterface(cfg); err != nil {
		return fmt.Errorf("collector: config validation failed: %w", err)
	}
	return nil
}
