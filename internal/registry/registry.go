// Package registry implements the Registry + Scheduler: it owns
// collectors, drives interval/on-demand/per-invocation collection, and
// collates collector output into telemetry events.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/coldtrace/agent/internal/collector"
	"github.com/coldtrace/agent/internal/metrics"
	"github.com/coldtrace/agent/internal/pool"
	"github.com/coldtrace/agent/internal/telemetry"
)

// onDemandQueueDepth bounds the per-collector trigger channel. A saturated
// queue drops the trigger rather than blocking the caller.
const onDemandQueueDepth = 8

// eventQueueDepth bounds the registry's output channel to the processing
// loop; on saturation new events are dropped with a counter increment.
const eventQueueDepth = 256

type entry struct {
	collector collector.Collector
	meta      collector.Metadata
	validator *collector.ConfigValidator
	onDemand  chan struct{}

	mu sync.RWMutex
}

// Registry owns the collector set and the scheduling that drives it.
type Registry struct {
	logger *slog.Logger
	source string

	mu         sync.RWMutex
	entries    map[string]*entry
	order      []string

	events chan telemetry.Event

	scheduler gocron.Scheduler
	wg        sync.WaitGroup
	stop      chan struct{}

	droppedEvents uint64

	pool    *pool.Pool[telemetry.Event]
	metrics *metrics.Metrics
}

// New constructs an empty Registry. source identifies the host (function
// name) attached to every emitted event. m may be nil; when set, dropped
// events and pool exhaustion are kept live.
func New(logger *slog.Logger, source string, m *metrics.Metrics) *Registry {
	return &Registry{
		logger:  logger,
		source:  source,
		entries: make(map[string]*entry),
		events:  make(chan telemetry.Event, eventQueueDepth),
		stop:    make(chan struct{}),
		pool:    pool.New[telemetry.Event](eventQueueDepth, nil, m),
		metrics: m,
	}
}

// Events returns the channel the event processing loop reads from.
func (r *Registry) Events() <-chan telemetry.Event {
	return r.events
}

// Register adds a collector built from factory with the given config.
// Registration order is preserved for interval-group sequential invocation.
func (r *Registry) Register(factory collector.Factory, cfg map[string]any, validator *collector.ConfigValidator) error {
	c, err := factory(cfg)
	if err != nil {
		return fmt.Errorf("registry: construct collector: %w", err)
	}
	meta := c.Metadata()
	if meta.ID == "" {
		return fmt.Errorf("registry: collector metadata has empty ID")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[meta.ID]; exists {
		return fmt.Errorf("registry: collector %q already registered", meta.ID)
	}
	e := &entry{collector: c, meta: meta, validator: validator}
	if meta.Frequency.Kind == collector.OnDemand {
		e.onDemand = make(chan struct{}, onDemandQueueDepth)
	}
	r.entries[meta.ID] = e
	r.order = append(r.order, meta.ID)
	return nil
}

// InitializeAll initializes every registered collector. A collector whose
// Initialize fails is deregistered; other collectors are unaffected and the
// registry itself never fails.
func (r *Registry) InitializeAll(ctx context.Context) {
	r.mu.Lock()
	order := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, id := range order {
		r.mu.RLock()
		e, ok := r.entries[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if err := e.collector.Initialize(ctx); err != nil {
			r.logger.Error("collector initialization failed, deregistering",
				slog.String("collector", id), slog.Any("error", err))
			r.deregister(id)
		}
	}
}

func (r *Registry) deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// StartScheduledCollection starts one gocron job per distinct interval
// duration (interval groups) and one consumer goroutine per OnDemand
// collector. PerInvocation collectors are driven by InvokePerInvocation,
// called from the host event loop.
func (r *Registry) StartScheduledCollection(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("registry: create scheduler: %w", err)
	}
	r.scheduler = scheduler

	groups := make(map[time.Duration][]string)

	r.mu.RLock()
	for _, id := range r.order {
		e := r.entries[id]
		switch e.meta.Frequency.Kind {
		case collector.IntervalFrequency:
			d := e.meta.Frequency.Interval
			groups[d] = append(groups[d], id)
		case collector.OnDemand:
			r.wg.Add(1)
			go r.runOnDemandConsumer(ctx, e)
		}
	}
	r.mu.RUnlock()

	for dur, ids := range groups {
		ids := ids
		_, err := scheduler.NewJob(
			gocron.DurationJob(dur),
			gocron.NewTask(func() {
				r.collectGroupSequential(ctx, ids)
			}),
		)
		if err != nil {
			return fmt.Errorf("registry: schedule interval group %s: %w", dur, err)
		}
	}

	scheduler.Start()
	return nil
}

func (r *Registry) runOnDemandConsumer(ctx context.Context, e *entry) {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-e.onDemand:
			r.collectOne(ctx, e)
		}
	}
}

// collectGroupSequential invokes every collector in ids in order on the
// calling goroutine; one collector's error does not stop its siblings.
func (r *Registry) collectGroupSequential(ctx context.Context, ids []string) {
	for _, id := range ids {
		r.mu.RLock()
		e, ok := r.entries[id]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		r.collectOne(ctx, e)
	}
}

func (r *Registry) collectOne(ctx context.Context, e *entry) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("collector panicked", slog.String("collector", e.meta.ID), slog.Any("panic", rec))
		}
	}()

	values, err := e.collector.Collect(ctx)
	if err != nil {
		r.logger.Warn("collector failed", slog.String("collector", e.meta.ID), slog.Any("error", err))
		return
	}

	h, err := r.pool.Acquire()
	if err != nil {
		r.logger.Warn("event dropped: entry pool exhausted", slog.String("collector", e.meta.ID))
		return
	}
	r.buildEvent(h.Value(), e, values)
	ev := *h.Value()
	h.Release()

	r.emit(e.meta.ID, ev)
}

// buildEvent constructs an event in place inside a pool-owned slot.
func (r *Registry) buildEvent(dst *telemetry.Event, e *entry, values map[string]telemetry.MetricValue) {
	data := make(map[string]any, len(values))
	for name, v := range values {
		data[name] = metricValueToAny(v)
	}
	*dst = telemetry.NewEvent(r.source, e.meta.Name, "metric", data)
	dst.ResourceID = e.meta.ID
}

// emit sends ev to the processing queue, dropping it with a counter
// increment if the queue is saturated.
func (r *Registry) emit(collectorID string, ev telemetry.Event) {
	select {
	case r.events <- ev:
	default:
		r.mu.Lock()
		r.droppedEvents++
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.EventsDropped.Inc()
		}
		r.logger.Warn("event dropped: processing queue saturated", slog.String("collector", collectorID))
	}
}

func metricValueToAny(v telemetry.MetricValue) any {
	switch v.Kind {
	case telemetry.MetricCounter:
		return v.Counter
	case telemetry.MetricGauge:
		return v.Gauge
	case telemetry.MetricTimer:
		return v.Timer
	case telemetry.MetricHistogram:
		return v.Histogram
	case telemetry.MetricSet:
		return v.Set
	default:
		return nil
	}
}

// CollectFrom synchronously invokes a single collector by id.
func (r *Registry) CollectFrom(ctx context.Context, id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: unknown collector %q", id)
	}
	r.collectOne(ctx, e)
	return nil
}

// CollectAll synchronously invokes every registered collector in
// registration order.
func (r *Registry) CollectAll(ctx context.Context) {
	r.mu.RLock()
	order := append([]string(nil), r.order...)
	r.mu.RUnlock()
	r.collectGroupSequential(ctx, order)
}

// TriggerOnDemand sends a trigger token to an OnDemand collector's queue.
// It never blocks: a saturated queue silently drops the trigger.
func (r *Registry) TriggerOnDemand(id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok || e.onDemand == nil {
		return fmt.Errorf("registry: %q is not an on-demand collector", id)
	}
	select {
	case e.onDemand <- struct{}{}:
	default:
	}
	return nil
}

// InvokePerInvocation runs every PerInvocation collector exactly once. Call
// this once per host Invoke event.
func (r *Registry) InvokePerInvocation(ctx context.Context) {
	r.mu.RLock()
	var ids []string
	for _, id := range r.order {
		if r.entries[id].meta.Frequency.Kind == collector.PerInvocation {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	r.collectGroupSequential(ctx, ids)
}

// UpdateConfig validates cfg before mutating the collector's settings;
// validation failure leaves existing state untouched.
func (r *Registry) UpdateConfig(id string, cfg map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: unknown collector %q", id)
	}
	if err := e.validator.Validate(cfg); err != nil {
		return err
	}
	return e.collector.UpdateConfig(cfg)
}

// Shutdown stops all scheduling and on-demand consumers, then shuts down
// every collector. No further Collect call begins after Shutdown returns.
func (r *Registry) Shutdown(ctx context.Context) {
	if r.scheduler != nil {
		_ = r.scheduler.Shutdown()
	}
	close(r.stop)
	r.wg.Wait()

	r.mu.RLock()
	order := append([]string(nil), r.order...)
	r.mu.RUnlock()

	for _, id := range order {
		r.mu.RLock()
		e := r.entries[id]
		r.mu.RUnlock()
		if err := e.collector.Shutdown(ctx); err != nil {
			r.logger.Warn("collector shutdown error", slog.String("collector", id), slog.Any("error", err))
		}
	}
}

// DroppedEventCount returns how many events were dropped due to a
// saturated processing queue.
func (r *Registry) DroppedEventCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.droppedEvents
}
