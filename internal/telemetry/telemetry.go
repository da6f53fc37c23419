// Package telemetry defines the shared Event/Batch types produced by the
// registry and consumed by processors and transports.
package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// MetricValue is the value a collector reports for one named metric.
type MetricValue struct {
	Kind      MetricKind
	Counter   uint64
	Gauge     float64
	Timer     time.Duration
	Histogram []float64
	Set       []string
}

// MetricKind identifies which MetricValue field is populated.
type MetricKind int

const (
	MetricCounter MetricKind = iota
	MetricGauge
	MetricTimer
	MetricHistogram
	MetricSet
)

// Event is an immutable telemetry observation built by the registry from a
// collector's output.
type Event struct {
	ID         string
	TimestampMs int64
	Source     string
	ResourceID string
	Name       string
	EventType  string
	Data       map[string]any
	Metadata   map[string]string
}

// NewEvent constructs an Event with a fresh id and the current timestamp.
func NewEvent(source, name, eventType string, data map[string]any) Event {
	return Event{
		ID:          uuid.NewString(),
		TimestampMs: time.Now().UnixMilli(),
		Source:      source,
		Name:        name,
		EventType:   eventType,
		Data:        data,
	}
}

// Batch is the atomic unit shipped by transports.
type Batch struct {
	ID         string
	TimestampMs int64
	Source     string
	Events     []Event
	Metadata   map[string]string
}

// NewBatch constructs a Batch with a fresh id and the current timestamp.
func NewBatch(source string, events []Event) Batch {
	return Batch{
		ID:          uuid.NewString(),
		TimestampMs: time.Now().UnixMilli(),
		Source:      source,
		Events:      events,
	}
}

// WithTruncated records truncation of an oversized value on the batch
// metadata, per the Compact Value encoding rule.
func (b Batch) WithTruncated() Batch {
	if b.Metadata == nil {
		b.Metadata = make(map[string]string)
	}
	b.Metadata["truncated"] = "true"
	return b
}
