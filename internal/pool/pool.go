// Package pool implements the Entry Pool: a fixed-capacity slab of
// pre-constructed entries reused across observations. Allocation fails
// deterministically when the pool is exhausted; it never blocks and never
// grows.
package pool

import (
	"errors"
	"sync"

	"github.com/coldtrace/agent/internal/metrics"
)

// ErrExhausted is returned by Acquire when no free slot remains.
var ErrExhausted = errors.New("pool: exhausted")

// Pool is a fixed-capacity slab of T. The zero value is not usable; build
// one with New.
type Pool[T any] struct {
	slots []T
	free  chan int32

	mu        sync.Mutex
	exhausted uint64
	metrics   *metrics.Metrics
}

// New constructs a Pool with capacity slots, each initialized by calling
// zero. zero may be nil, in which case each slot holds the Go zero value
// for T. m may be nil; when set, every exhausted Acquire increments
// m.PoolExhausted.
func New[T any](capacity int, zero func() T, m *metrics.Metrics) *Pool[T] {
	p := &Pool[T]{
		slots:   make([]T, capacity),
		free:    make(chan int32, capacity),
		metrics: m,
	}
	for i := 0; i < capacity; i++ {
		if zero != nil {
			p.slots[i] = zero()
		}
		p.free <- int32(i)
	}
	return p
}

// Handle is a scoped reference to a pool slot. Callers MUST call Release
// exactly once when done with the slot.
type Handle[T any] struct {
	pool  *Pool[T]
	index int32
}

// Acquire reserves a slot and returns a handle to it, or ErrExhausted if the
// pool has no free slots. Acquire never blocks.
func (p *Pool[T]) Acquire() (*Handle[T], error) {
	select {
	case idx := <-p.free:
		return &Handle[T]{pool: p, index: idx}, nil
	default:
		p.mu.Lock()
		p.exhausted++
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.PoolExhausted.Inc()
		}
		return nil, ErrExhausted
	}
}

// Value returns a pointer to the underlying slot's value.
func (h *Handle[T]) Value() *T {
	return &h.pool.slots[h.index]
}

// Release returns the slot to the pool. Release is idempotent-unsafe: it
// must be called exactly once per successful Acquire.
func (h *Handle[T]) Release() {
	var zero T
	h.pool.slots[h.index] = zero
	h.pool.free <- h.index
}

// Capacity returns the pool's fixed size.
func (p *Pool[T]) Capacity() int {
	return len(p.slots)
}

// Available returns the current number of free slots.
func (p *Pool[T]) Available() int {
	return len(p.free)
}

// ExhaustedCount returns how many Acquire calls have failed since
// construction.
func (p *Pool[T]) ExhaustedCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted
}
