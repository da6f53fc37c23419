package coldstart

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestObserveColdStartOnlyTrueOnce(t *testing.T) {
	coldStartClaimed.Store(false)
	assert.True(t, ObserveColdStart())
	assert.False(t, ObserveColdStart())
	assert.False(t, ObserveColdStart())
}

type fakePreloader struct {
	name  string
	estMB int
	calls int
	err   error
}

func (f *fakePreloader) Name() string           { return f.name }
func (f *fakePreloader) EstimatedMemoryMB() int { return f.estMB }
func (f *fakePreloader) Preload(ctx context.Context) error {
	f.calls++
	return f.err
}

func TestRunPreloadsSkipsOverBudget(t *testing.T) {
	o := New(testLogger(), 10, time.Minute)
	small := &fakePreloader{name: "small", estMB: 6}
	big := &fakePreloader{name: "big", estMB: 8}
	o.Register(small)
	o.Register(big)

	o.RunPreloads(context.Background())

	assert.Equal(t, 1, small.calls)
	assert.Equal(t, 0, big.calls, "second preloader exceeds the 10MB budget and must be skipped")
}

func TestRunPreloadsIsIdempotent(t *testing.T) {
	o := New(testLogger(), 0, time.Minute)
	p := &fakePreloader{name: "p"}
	o.Register(p)

	o.RunPreloads(context.Background())
	o.RunPreloads(context.Background())

	assert.Equal(t, 1, p.calls)
}

func TestRunPreloadsContinuesAfterFailure(t *testing.T) {
	o := New(testLogger(), 0, time.Minute)
	failing := &fakePreloader{name: "failing", err: errors.New("boom")}
	ok := &fakePreloader{name: "ok"}
	o.Register(failing)
	o.Register(ok)

	o.RunPreloads(context.Background())

	// One attempt plus runWithBackoff's three retries.
	assert.Equal(t, 4, failing.calls)
	assert.Equal(t, 1, ok.calls)
}

func TestCompleteFirstInvocationTransitionsToWarm(t *testing.T) {
	o := New(testLogger(), 0, time.Minute)
	require.Equal(t, Cold, o.State())
	o.CompleteFirstInvocation()
	assert.Equal(t, Warm, o.State())
	o.CompleteFirstInvocation()
	assert.Equal(t, Warm, o.State())
}

func TestWasFrozenTrueThenFalseOnImmediateSecondCall(t *testing.T) {
	o := New(testLogger(), 0, 10*time.Millisecond)
	o.lastActivity = time.Now().Add(-20 * time.Millisecond)

	assert.True(t, o.WasFrozen(context.Background()))
	assert.False(t, o.WasFrozen(context.Background()))
}

func TestWasFrozenRefreshesRefreshingPreloaders(t *testing.T) {
	o := New(testLogger(), 0, 5*time.Millisecond)
	o.lastActivity = time.Now().Add(-time.Hour)

	refreshed := 0
	o.Register(&refreshingPreloader{fakePreloader: fakePreloader{name: "cache"}, onRefresh: func() { refreshed++ }})

	o.WasFrozen(context.Background())
	assert.Equal(t, 1, refreshed)
}

type refreshingPreloader struct {
	fakePreloader
	onRefresh func()
}

func (r *refreshingPreloader) Refresh(ctx context.Context) error {
	r.onRefresh()
	return nil
}
