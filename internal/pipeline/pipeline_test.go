package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldtrace/agent/internal/buffer"
	"github.com/coldtrace/agent/internal/telemetry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingProcessor struct {
	name  string
	calls int32
}

func (c *countingProcessor) Name() string { return c.name }
func (c *countingProcessor) Process(ctx context.Context, batch telemetry.Batch) (telemetry.Batch, error) {
	atomic.AddInt32(&c.calls, 1)
	return batch, nil
}

type failingTransport struct {
	name string
}

func (f *failingTransport) Name() string { return f.name }
func (f *failingTransport) Type() string { return "fake" }
func (f *failingTransport) SendBatch(ctx context.Context, frame []byte) error {
	return errors.New("boom")
}

type succeedingTransport struct {
	name  string
	calls int32
}

func (s *succeedingTransport) Name() string { return s.name }
func (s *succeedingTransport) Type() string { return "fake" }
func (s *succeedingTransport) SendBatch(ctx context.Context, frame []byte) error {
	atomic.AddInt32(&s.calls, 1)
	return nil
}

func passthroughEncode(batch telemetry.Batch) ([]byte, error) {
	return []byte(batch.ID), nil
}

func TestProcessBatchDeliversIfAnyTransportSucceeds(t *testing.T) {
	p := New("test", passthroughEncode, testLogger(), nil)
	proc := &countingProcessor{name: "noop"}
	ok := &succeedingTransport{name: "ok"}
	bad := &failingTransport{name: "bad"}
	p.Use(proc).AddTransport(bad).AddTransport(ok)

	batch := telemetry.NewBatch("agent", []telemetry.Event{{Name: "cpu"}})
	err := p.ProcessBatch(context.Background(), batch)

	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&proc.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ok.calls))
}

func TestProcessBatchSpillsWhenAllTransportsFail(t *testing.T) {
	dir := t.TempDir()
	scratch := buffer.NewScratch(dir + "/scratch.bin")

	p := New("test", passthroughEncode, testLogger(), nil).
		AddTransport(&failingTransport{name: "a"}).
		AddTransport(&failingTransport{name: "b"}).
		WithScratch(scratch)

	batch := telemetry.NewBatch("agent", []telemetry.Event{{Name: "cpu"}})
	err := p.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)

	has, err := scratch.HasBackup()
	require.NoError(t, err)
	assert.True(t, has)
}

func TestProcessBatchErrorsWithNoScratchAndNoTransportsSucceed(t *testing.T) {
	p := New("test", passthroughEncode, testLogger(), nil).
		AddTransport(&failingTransport{name: "a"})

	batch := telemetry.NewBatch("agent", []telemetry.Event{{Name: "cpu"}})
	err := p.ProcessBatch(context.Background(), batch)
	assert.Error(t, err)
}

func TestProcessBatchSkipsEmptyBatch(t *testing.T) {
	p := New("test", func(telemetry.Batch) ([]byte, error) {
		t.Fatal("encode must not be called for an empty batch")
		return nil, nil
	}, testLogger(), nil)

	err := p.ProcessBatch(context.Background(), telemetry.NewBatch("agent", nil))
	require.NoError(t, err)
}
