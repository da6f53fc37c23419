package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldtrace/agent/internal/telemetry"
)

func TestFilterKeepsMatchingEvents(t *testing.T) {
	f, err := NewFilter("metrics-only", `Type == "metric"`)
	require.NoError(t, err)

	batch := telemetry.Batch{
		Source: "agent",
		Events: []telemetry.Event{
			{Name: "cpu", EventType: "metric"},
			{Name: "log", EventType: "log"},
		},
	}

	got, err := f.Process(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "cpu", got.Events[0].Name)
}

func TestTransformKeepsOriginalOnError(t *testing.T) {
	tr := NewTransform("uppercase", func(ctx context.Context, ev telemetry.Event) (telemetry.Event, error) {
		if ev.Name == "bad" {
			return ev, errors.New("transform failed")
		}
		ev.Name = ev.Name + "!"
		return ev, nil
	})

	batch := telemetry.Batch{
		Events: []telemetry.Event{
			{Name: "ok"},
			{Name: "bad"},
		},
	}

	got, err := tr.Process(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, "ok!", got.Events[0].Name)
	assert.Equal(t, "bad", got.Events[1].Name)
	assert.Equal(t, uint64(1), tr.ErrorCount())
}

func TestEnrichAddsMetadata(t *testing.T) {
	e := NewEnrich("env", map[string]string{"region": "us-east-1"})

	batch := telemetry.Batch{
		Events: []telemetry.Event{{Name: "cpu"}},
	}

	got, err := e.Process(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", got.Events[0].Metadata["region"])
}
