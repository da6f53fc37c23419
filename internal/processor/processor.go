// Package processor implements the pure Batch -> Result<Batch> processor
// contract: Filter, Transform, and Enrich categories composed in a
// declared sequence by the pipeline.
package processor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/coldtrace/agent/internal/telemetry"
)

// Processor is a pure function over a batch. Implementations must not
// retain batch or event slices after returning.
type Processor interface {
	Name() string
	Process(ctx context.Context, batch telemetry.Batch) (telemetry.Batch, error)
}

// filterEnv is the expression environment available to Filter predicates.
type filterEnv struct {
	Source string
	Type   string
	Name   string
}

// FilterProcessor keeps only events whose source/type/name satisfy an expr
// predicate.
type FilterProcessor struct {
	name    string
	program *vm.Program
}

// NewFilter compiles predicate (an expr-lang expression over Source, Type,
// and Name) into a reusable Filter processor.
func NewFilter(name, predicate string) (*FilterProcessor, error) {
	program, err := expr.Compile(predicate, expr.Env(filterEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("processor: compile filter %q: %w", name, err)
	}
	return &FilterProcessor{name: name, program: program}, nil
}

func (f *FilterProcessor) Name() string { return f.name }

func (f *FilterProcessor) Process(ctx context.Context, batch telemetry.Batch) (telemetry.Batch, error) {
	kept := make([]telemetry.Event, 0, len(batch.Events))
	for _, ev := range batch.Events {
		result, err := expr.Run(f.program, filterEnv{Source: batch.Source, Type: ev.EventType, Name: ev.Name})
		if err != nil {
			return batch, fmt.Errorf("processor: filter %q: %w", f.name, err)
		}
		if keep, ok := result.(bool); ok && keep {
			kept = append(kept, ev)
		}
	}
	batch.Events = kept
	return batch, nil
}

// TransformFunc maps a single event. Returning an error leaves the
// original event in place and increments the processor's error counter
// rather than dropping the batch.
type TransformFunc func(ctx context.Context, ev telemetry.Event) (telemetry.Event, error)

// TransformProcessor applies fn event-wise.
type TransformProcessor struct {
	name   string
	fn     TransformFunc
	errors atomic.Uint64
}

// NewTransform builds a Transform processor.
func NewTransform(name string, fn TransformFunc) *TransformProcessor {
	return &TransformProcessor{name: name, fn: fn}
}

func (t *TransformProcessor) Name() string { return t.name }

// ErrorCount returns how many events failed transformation since
// construction.
func (t *TransformProcessor) ErrorCount() uint64 { return t.errors.Load() }

func (t *TransformProcessor) Process(ctx context.Context, batch telemetry.Batch) (telemetry.Batch, error) {
	for i, ev := range batch.Events {
		transformed, err := t.fn(ctx, ev)
		if err != nil {
			t.errors.Add(1)
			continue
		}
		batch.Events[i] = transformed
	}
	return batch, nil
}

// EnrichProcessor amends every event's metadata in place with a fixed set
// of environment values (hostname, region, function identity, ...).
type EnrichProcessor struct {
	name   string
	values map[string]string
}

// NewEnrich builds an Enrich processor from static key/value pairs.
func NewEnrich(name string, values map[string]string) *EnrichProcessor {
	return &EnrichProcessor{name: name, values: values}
}

func (e *EnrichProcessor) Name() string { return e.name }

func (e *EnrichProcessor) Process(ctx context.Context, batch telemetry.Batch) (telemetry.Batch, error) {
	for i, ev := range batch.Events {
		if ev.Metadata == nil {
			ev.Metadata = make(map[string]string, len(e.values))
		}
		for k, v := range e.values {
			ev.Metadata[k] = v
		}
		batch.Events[i] = ev
	}
	return batch, nil
}
