package main

import (
	"github.com/coldtrace/agent/internal/dictionary"
	"github.com/coldtrace/agent/internal/telemetry"
	"github.com/coldtrace/agent/internal/value"
	"github.com/coldtrace/agent/internal/wire"
)

// eventToMetric maps a processed telemetry event onto the wire protocol's
// compact Metric representation. Well-known numeric fields (memory_mb,
// cpu_percent, duration_ms) are lifted into their dedicated wire slots;
// everything else in Data rides along as an Extra keyed by its dictionary
// field id.
func eventToMetric(ev telemetry.Event) wire.Metric {
	m := wire.Metric{
		RequestID:   ev.ID,
		TimestampMs: uint64(ev.TimestampMs),
		Extras:      make(map[uint8]value.Value),
	}

	for k, v := range ev.Data {
		switch k {
		case "memory_mb":
			if f, ok := toFloat(v); ok {
				m.MemoryMB = float32(f)
			}
			continue
		case "cpu_percent":
			if f, ok := toFloat(v); ok {
				m.CPUPercent = f
			}
			continue
		case "duration_ms":
			if f, ok := toFloat(v); ok {
				m.DurationMs = uint32(f)
			}
			continue
		}

		id, err := fieldDictionary.Register(k)
		if err != nil {
			continue
		}
		m.Extras[id] = anyToValue(v)
	}

	return m
}

// fieldDictionary is the process-wide dictionary shared between event
// encoding and the admin /debug/schema snapshot.
var fieldDictionary *dictionary.Dictionary

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func anyToValue(v any) value.Value {
	switch t := v.(type) {
	case bool:
		return value.NewBool(t)
	case string:
		return value.NewString(t)
	case int:
		return value.NewInt(int64(t))
	case int64:
		return value.NewInt(t)
	case uint64:
		return value.NewInt(int64(t))
	case float64:
		return value.NewFloat(t)
	case float32:
		return value.NewFloat(float64(t))
	case []byte:
		return value.NewBinary(t)
	default:
		return value.NewNull()
	}
}

// dictionarySnapshot adapts the process dictionary to the state.Codec
// contract, persisting it across invocations via the binary+CRC framing in
// package state.
type dictionarySnapshot struct {
	dict *dictionary.Dictionary
}

func (d *dictionarySnapshot) Marshal() ([]byte, error) {
	return d.dict.Serialize(), nil
}

func (d *dictionarySnapshot) Unmarshal(data []byte) error {
	restored, err := dictionary.Deserialize(data)
	if err != nil {
		return err
	}
	d.dict.ReplaceFrom(restored)
	return nil
}
