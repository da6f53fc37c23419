// Package buffer implements the bounded FIFO staging buffer and the
// scratch-file disk spill used to survive transient transport failures.
package buffer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/coldtrace/agent/internal/metrics"
	"github.com/coldtrace/agent/internal/wire"
)

// Buffer is a fixed-capacity FIFO. Overflow evicts the oldest entry and
// increments a counter rather than growing or blocking.
type Buffer[T any] struct {
	mu        sync.Mutex
	items     []T
	capacity  int
	threshold int
	evicted   uint64
	metrics   *metrics.Metrics
}

// New constructs a Buffer with the given capacity and flush threshold. Add
// reports true once the staged count reaches threshold. m may be nil; when
// set, every oldest-eviction increments m.BufferEvicted.
func New[T any](capacity, threshold int, m *metrics.Metrics) *Buffer[T] {
	return &Buffer[T]{
		items:     make([]T, 0, capacity),
		capacity:  capacity,
		threshold: threshold,
		metrics:   m,
	}
}

// Add appends entry to the FIFO, evicting the oldest entry first if the
// buffer is already at capacity. It returns true when the staged count has
// reached the configured flush threshold.
func (b *Buffer[T]) Add(entry T) (shouldFlush bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) >= b.capacity {
		b.items = b.items[1:]
		b.evicted++
		if b.metrics != nil {
			b.metrics.BufferEvicted.Inc()
		}
	}
	b.items = append(b.items, entry)
	return len(b.items) >= b.threshold
}

// Flush atomically drains the FIFO and returns its contents in insertion
// order.
func (b *Buffer[T]) Flush() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	drained := b.items
	b.items = make([]T, 0, b.capacity)
	return drained
}

// Len returns the number of currently staged entries.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// EvictedCount returns how many entries have been dropped by
// oldest-eviction since construction.
func (b *Buffer[T]) EvictedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// Scratch is the local durable staging file for frames that failed
// transmission. It is created lazily on the first failed ship.
type Scratch struct {
	mu   sync.Mutex
	path string
}

// NewScratch returns a Scratch bound to path. No file is created until the
// first Append.
func NewScratch(path string) *Scratch {
	return &Scratch{path: path}
}

// Append opens the scratch file (creating it if absent) and appends frame
// using the length-prefixed backup frame layout.
func (s *Scratch) Append(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("buffer: open scratch %q: %w", s.path, err)
	}
	defer f.Close()

	return wire.WriteBackupFrame(f, frame)
}

// HasBackup reports whether the scratch file exists and holds data. It
// never blocks on another Append/Replay call.
func (s *Scratch) HasBackup() (bool, error) {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("buffer: stat scratch %q: %w", s.path, err)
	}
	return info.Size() > 0, nil
}

// Size returns the current scratch file size in bytes, or 0 if it does not
// exist. Useful as a gauge for "persistent inability to ship" per the error
// handling design.
func (s *Scratch) Size() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Replay streams every backed-up frame to deliver, in order, and truncates
// the scratch file only after every frame has been delivered successfully.
// A malformed length prefix aborts the replay and truncates the file at the
// last valid frame boundary; frames that fail deliver are left in a fresh
// scratch file containing only the undelivered tail.
func (s *Scratch) Replay(deliver func(frame []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("buffer: read scratch %q: %w", s.path, err)
	}

	r := bytes.NewReader(data)
	var undelivered [][]byte
	for {
		frame, err := wire.ReadBackupFrame(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			// Malformed length prefix: abort the replay entirely.
			break
		}
		if deliverErr := deliver(frame); deliverErr != nil {
			undelivered = append(undelivered, frame)
		}
	}

	if len(undelivered) == 0 {
		return os.Remove(s.path)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("buffer: write replacement scratch %q: %w", tmp, err)
	}
	for _, frame := range undelivered {
		if err := wire.WriteBackupFrame(f, frame); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
