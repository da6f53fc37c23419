// Package coldstart implements the Cold-Start Orchestrator: a
// Cold->Warm->Frozen lifecycle, preload scheduling under a memory budget,
// and freeze/thaw detection between invocations.
package coldstart

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// runWithBackoff retries fn a handful of times with exponential backoff.
// Preloaders that reach out to the network (DNS/TLS priming) can fail
// transiently before the runtime's network stack settles.
func runWithBackoff(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = time.Second

	return backoff.Retry(fn, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx))
}

// State is a point in the process lifecycle.
type State int

const (
	Cold State = iota
	Warm
	Frozen
)

func (s State) String() string {
	switch s {
	case Cold:
		return "cold"
	case Warm:
		return "warm"
	case Frozen:
		return "frozen"
	default:
		return "unknown"
	}
}

// Preloader is an idempotent action run before the hot path to warm caches,
// connections, or runtime paths.
type Preloader interface {
	Name() string
	EstimatedMemoryMB() int
	Preload(ctx context.Context) error
}

// RefreshingPreloader is a Preloader that also wants to run again on thaw
// after a freeze, to re-prime caches that may have gone stale.
type RefreshingPreloader interface {
	Preloader
	Refresh(ctx context.Context) error
}

var coldStartClaimed atomic.Bool

// ObserveColdStart reports whether this call is the first one to observe a
// cold start for the process. It uses a single process-wide atomic flag:
// the first caller swaps it and receives true; every subsequent caller
// (including from other goroutines) receives false.
func ObserveColdStart() bool {
	return !coldStartClaimed.Swap(true)
}

type preloaderEntry struct {
	p      Preloader
	ran    atomic.Bool
}

// Orchestrator drives the Cold/Warm/Frozen lifecycle for one process.
type Orchestrator struct {
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	preloaders []*preloaderEntry
	memBudget  int

	freezeThreshold time.Duration
	lastActivity    time.Time
	startedAt       time.Time
}

// New constructs an Orchestrator starting in the Cold state.
func New(logger *slog.Logger, memBudgetMB int, freezeThreshold time.Duration) *Orchestrator {
	now := time.Now()
	return &Orchestrator{
		logger:          logger,
		state:           Cold,
		memBudget:       memBudgetMB,
		freezeThreshold: freezeThreshold,
		lastActivity:    now,
		startedAt:       now,
	}
}

// Register adds a preloader. Preloaders run in registration order.
func (o *Orchestrator) Register(p Preloader) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.preloaders = append(o.preloaders, &preloaderEntry{p: p})
}

// RunPreloads runs every registered preloader in registration order,
// skipping any preloader whose addition would push cumulative estimated
// memory over the configured budget. A preloader's failure is logged and
// does not stop subsequent preloaders.
func (o *Orchestrator) RunPreloads(ctx context.Context) {
	o.mu.Lock()
	entries := append([]*preloaderEntry(nil), o.preloaders...)
	budget := o.memBudget
	o.mu.Unlock()

	used := 0
	for _, e := range entries {
		cost := e.p.EstimatedMemoryMB()
		if budget > 0 && used+cost > budget {
			o.logger.Warn("coldstart: skipping preloader, memory budget exceeded",
				slog.String("preloader", e.p.Name()), slog.Int("estimated_mb", cost), slog.Int("budget_mb", budget))
			continue
		}
		if !e.ran.CompareAndSwap(false, true) {
			continue
		}
		used += cost
		if err := runWithBackoff(ctx, func() error { return e.p.Preload(ctx) }); err != nil {
			o.logger.Error("coldstart: preloader failed", slog.String("preloader", e.p.Name()), slog.Any("error", err))
		}
	}
}

// CompleteFirstInvocation transitions Cold -> Warm. It is a no-op once the
// orchestrator has left the Cold state.
func (o *Orchestrator) CompleteFirstInvocation() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == Cold {
		o.state = Warm
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// WasFrozen reports whether the wall-clock delta since the last recorded
// activity exceeds the freeze threshold, and unconditionally records fresh
// activity as a side effect — so an immediate second call always returns
// false, even when the first call returned true.
func (o *Orchestrator) WasFrozen(ctx context.Context) bool {
	o.mu.Lock()
	now := time.Now()
	delta := now.Sub(o.lastActivity)
	o.lastActivity = now
	frozen := o.freezeThreshold > 0 && delta > o.freezeThreshold
	if frozen {
		o.state = Frozen
	}
	o.mu.Unlock()

	if frozen {
		o.rePrimeOnThaw(ctx)
		o.mu.Lock()
		o.state = Warm
		o.mu.Unlock()
	}
	return frozen
}

func (o *Orchestrator) rePrimeOnThaw(ctx context.Context) {
	o.mu.Lock()
	entries := append([]*preloaderEntry(nil), o.preloaders...)
	o.mu.Unlock()

	for _, e := range entries {
		refreshing, ok := e.p.(RefreshingPreloader)
		if !ok {
			continue
		}
		if err := refreshing.Refresh(ctx); err != nil {
			o.logger.Error("coldstart: preloader refresh failed on thaw",
				slog.String("preloader", e.p.Name()), slog.Any("error", err))
		}
	}
}

// Uptime returns the elapsed wall-clock time since the orchestrator was
// constructed, used to report cold-start duration accounting.
func (o *Orchestrator) Uptime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return time.Since(o.startedAt)
}

// staticPreloader adapts a plain func() error into a Preloader, used for the
// supplemented preload categories (runtime-path warming, DNS/TLS priming)
// that don't need per-category types.
type staticPreloader struct {
	name   string
	estMB  int
	fn     func(ctx context.Context) error
}

func NewFuncPreloader(name string, estimatedMemoryMB int, fn func(ctx context.Context) error) Preloader {
	return &staticPreloader{name: name, estMB: estimatedMemoryMB, fn: fn}
}

func (s *staticPreloader) Name() string           { return s.name }
func (s *staticPreloader) EstimatedMemoryMB() int { return s.estMB }
func (s *staticPreloader) Preload(ctx context.Context) error {
	if s.fn == nil {
		return fmt.Errorf("coldstart: preloader %q has no function", s.name)
	}
	return s.fn(ctx)
}
