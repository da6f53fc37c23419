// Package pipeline composes a declared processor sequence with a fan-out of
// transports: a batch is delivered if at least one transport succeeds, and
// escalated to scratch-file spill only once every transport has failed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coldtrace/agent/internal/buffer"
	"github.com/coldtrace/agent/internal/metrics"
	"github.com/coldtrace/agent/internal/processor"
	"github.com/coldtrace/agent/internal/telemetry"
	"github.com/coldtrace/agent/internal/transport"
)

// Encoder turns a processed batch into the bytes handed to transports.
type Encoder func(batch telemetry.Batch) (frame []byte, err error)

// Pipeline is a named processor chain plus a transport fan-out.
type Pipeline struct {
	name       string
	encode     Encoder
	logger     *slog.Logger
	processors []processor.Processor
	transports []transport.Transport
	scratch    *buffer.Scratch
	metrics    *metrics.Metrics
}

// New constructs a Pipeline. encode is called once per batch after every
// processor has run. m may be nil; when set, delivery, spill, and
// scratch-size metrics are kept live.
func New(name string, encode Encoder, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	return &Pipeline{name: name, encode: encode, logger: logger, metrics: m}
}

// Use appends processors to the chain, run in the order given.
func (p *Pipeline) Use(procs ...processor.Processor) *Pipeline {
	p.processors = append(p.processors, procs...)
	return p
}

// AddTransport registers a fan-out target.
func (p *Pipeline) AddTransport(t transport.Transport) *Pipeline {
	p.transports = append(p.transports, t)
	return p
}

// WithScratch attaches the disk-spill fallback used when every transport
// fails.
func (p *Pipeline) WithScratch(s *buffer.Scratch) *Pipeline {
	p.scratch = s
	return p
}

func (p *Pipeline) Name() string { return p.name }

// ProcessBatch runs the processor chain, encodes the result, and fans the
// frame out to every transport concurrently. It returns nil once at least
// one transport accepts the frame; if all fail, the frame is spilled to
// scratch (when configured) instead of being dropped.
func (p *Pipeline) ProcessBatch(ctx context.Context, batch telemetry.Batch) error {
	p.replayScratch(ctx)

	for _, proc := range p.processors {
		var err error
		batch, err = proc.Process(ctx, batch)
		if err != nil {
			return fmt.Errorf("pipeline %s: processor %s: %w", p.name, proc.Name(), err)
		}
	}

	if len(batch.Events) == 0 {
		return nil
	}

	frame, err := p.encode(batch)
	if err != nil {
		return fmt.Errorf("pipeline %s: encode: %w", p.name, err)
	}

	if len(p.transports) == 0 {
		return p.spill(frame, errors.New("no transports configured"))
	}

	delivered, errs := p.fanOut(ctx, frame)
	if delivered {
		return nil
	}
	return p.spill(frame, errors.Join(errs...))
}

func (p *Pipeline) fanOut(ctx context.Context, frame []byte) (delivered bool, errs []error) {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		okCount int
	)

	wg.Add(len(p.transports))
	for _, t := range p.transports {
		t := t
		go func() {
			defer wg.Done()
			err := t.SendBatch(ctx, frame)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
				return
			}
			okCount++
			if p.metrics != nil {
				p.metrics.BatchesDelivered.WithLabelValues(t.Name()).Inc()
			}
		}()
	}
	wg.Wait()

	return okCount > 0, errs
}

func (p *Pipeline) spill(frame []byte, cause error) error {
	if p.scratch == nil {
		p.logger.Error("pipeline: batch dropped, all transports failed and no scratch configured",
			slog.String("pipeline", p.name), slog.Any("error", cause))
		return fmt.Errorf("pipeline %s: all transports failed, no scratch: %w", p.name, cause)
	}
	if err := p.scratch.Append(frame); err != nil {
		return fmt.Errorf("pipeline %s: spill to scratch: %w", p.name, err)
	}
	if p.metrics != nil {
		p.metrics.BatchesSpilled.Inc()
		p.metrics.ScratchFileBytes.Set(float64(p.scratch.Size()))
	}
	p.logger.Warn("pipeline: all transports failed, batch spilled to scratch",
		slog.String("pipeline", p.name), slog.Any("error", cause))
	return nil
}

// replayScratch redelivers every backed-up frame before a new batch is
// shipped, so a transport outage that recovers drains in FIFO order rather
// than being overtaken by fresher batches.
func (p *Pipeline) replayScratch(ctx context.Context) {
	if p.scratch == nil {
		return
	}
	has, err := p.scratch.HasBackup()
	if err != nil {
		p.logger.Error("pipeline: check scratch backup", slog.String("pipeline", p.name), slog.Any("error", err))
		return
	}
	if !has {
		return
	}

	err = p.scratch.Replay(func(frame []byte) error {
		delivered, errs := p.fanOut(ctx, frame)
		if !delivered {
			return errors.Join(errs...)
		}
		return nil
	})
	if err != nil {
		p.logger.Error("pipeline: replay scratch", slog.String("pipeline", p.name), slog.Any("error", err))
	}
	if p.metrics != nil {
		p.metrics.ScratchFileBytes.Set(float64(p.scratch.Size()))
	}
}
