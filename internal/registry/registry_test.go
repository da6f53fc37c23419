package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldtrace/agent/internal/collector"
	"github.com/coldtrace/agent/internal/telemetry"
)

type fakeCollector struct {
	id        string
	freq      collector.Frequency
	calls     int32
	failInit  bool
	failOnce  bool
	collectFn func() (map[string]telemetry.MetricValue, error)

	mu  sync.Mutex
	cfg map[string]any
}

func (f *fakeCollector) Metadata() collector.Metadata {
	return collector.Metadata{ID: f.id, Name: f.id, Frequency: f.freq}
}
func (f *fakeCollector) Config() map[string]any { return f.cfg }
func (f *fakeCollector) UpdateConfig(cfg map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
	return nil
}
func (f *fakeCollector) Initialize(ctx context.Context) error {
	if f.failInit {
		return errors.New("init failed")
	}
	return nil
}
func (f *fakeCollector) Collect(ctx context.Context) (map[string]telemetry.MetricValue, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.collectFn != nil {
		return f.collectFn()
	}
	return map[string]telemetry.MetricValue{"n": {Kind: telemetry.MetricCounter, Counter: 1}}, nil
}
func (f *fakeCollector) Shutdown(ctx context.Context) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func factoryFor(f *fakeCollector) collector.Factory {
	return func(cfg map[string]any) (collector.Collector, error) { return f, nil }
}

func TestInitializeAllDeregistersFailures(t *testing.T) {
	r := New(testLogger(), "test-fn", nil)

	good := &fakeCollector{id: "good", freq: collector.Frequency{Kind: collector.Once}}
	bad := &fakeCollector{id: "bad", freq: collector.Frequency{Kind: collector.Once}, failInit: true}

	require.NoError(t, r.Register(factoryFor(good), nil, nil))
	require.NoError(t, r.Register(factoryFor(bad), nil, nil))

	r.InitializeAll(context.Background())

	err := r.CollectFrom(context.Background(), "bad")
	assert.Error(t, err)
	err = r.CollectFrom(context.Background(), "good")
	assert.NoError(t, err)
}

func TestCollectAllIsolatesFailures(t *testing.T) {
	r := New(testLogger(), "test-fn", nil)

	failing := &fakeCollector{
		id:   "failing",
		freq: collector.Frequency{Kind: collector.Once},
		collectFn: func() (map[string]telemetry.MetricValue, error) {
			return nil, errors.New("boom")
		},
	}
	ok := &fakeCollector{id: "ok", freq: collector.Frequency{Kind: collector.Once}}

	require.NoError(t, r.Register(factoryFor(failing), nil, nil))
	require.NoError(t, r.Register(factoryFor(ok), nil, nil))

	r.CollectAll(context.Background())

	assert.Equal(t, int32(1), atomic.LoadInt32(&failing.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ok.calls))

	select {
	case ev := <-r.Events():
		assert.Equal(t, "ok", ev.ResourceID)
	case <-time.After(time.Second):
		t.Fatal("expected one event from the surviving collector")
	}
}

func TestTriggerOnDemandInvokesCollect(t *testing.T) {
	r := New(testLogger(), "test-fn", nil)
	c := &fakeCollector{id: "od", freq: collector.Frequency{Kind: collector.OnDemand}}
	require.NoError(t, r.Register(factoryFor(c), nil, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, r.StartScheduledCollection(ctx))
	defer r.Shutdown(context.Background())

	require.NoError(t, r.TriggerOnDemand("od"))

	select {
	case ev := <-r.Events():
		assert.Equal(t, "od", ev.ResourceID)
	case <-time.After(2 * time.Second):
		t.Fatal("on-demand collector was not invoked")
	}
}

func TestUpdateConfigValidatesBeforeMutating(t *testing.T) {
	r := New(testLogger(), "test-fn", nil)
	c := &fakeCollector{id: "cfg", freq: collector.Frequency{Kind: collector.Once}, cfg: map[string]any{"x": 1}}
	require.NoError(t, r.Register(factoryFor(c), nil, nil))

	schema := []byte(`{"type":"object","required":["interval_secs"]}`)
	v, err := collector.NewConfigValidator(schema)
	require.NoError(t, err)
	r.entries["cfg"].validator = v

	err = r.UpdateConfig("cfg", map[string]any{})
	assert.Error(t, err)
	assert.Equal(t, map[string]any{"x": 1}, c.cfg, "invalid config must not mutate state")

	err = r.UpdateConfig("cfg", map[string]any{"interval_secs": 5})
	assert.NoError(t, err)
	assert.Equal(t, map[string]any{"interval_secs": 5}, c.cfg)
}
