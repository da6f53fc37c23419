// Package metrics exposes the agent's internal health as Prometheus
// collectors: pool exhaustion, buffer pressure, drops, truncation, and
// scratch-file size.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups every internal counter/gauge the admin HTTP surface
// publishes at /metrics.
type Metrics struct {
	PoolExhausted    prometheus.Counter
	BufferEvicted    prometheus.Counter
	EventsDropped    prometheus.Counter
	ValuesTruncated  prometheus.Counter
	ScratchFileBytes prometheus.Gauge
	BatchesDelivered *prometheus.CounterVec
	BatchesSpilled   prometheus.Counter
}

// New registers every collector against reg and returns the handle used to
// update them at runtime.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PoolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coldtrace",
			Subsystem: "pool",
			Name:      "exhausted_total",
			Help:      "Entry pool acquisitions that failed because the pool was fully checked out.",
		}),
		BufferEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coldtrace",
			Subsystem: "buffer",
			Name:      "evicted_total",
			Help:      "Entries evicted from the bounded buffer under overflow.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coldtrace",
			Subsystem: "registry",
			Name:      "events_dropped_total",
			Help:      "Collector events dropped because the processing queue was saturated.",
		}),
		ValuesTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coldtrace",
			Subsystem: "value",
			Name:      "truncated_total",
			Help:      "Compact values truncated to fit the wire encoding's length limits.",
		}),
		ScratchFileBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "coldtrace",
			Subsystem: "scratch",
			Name:      "bytes",
			Help:      "Current size in bytes of the disk-spill scratch file.",
		}),
		BatchesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coldtrace",
			Subsystem: "pipeline",
			Name:      "batches_delivered_total",
			Help:      "Batches delivered by transport name.",
		}, []string{"transport"}),
		BatchesSpilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coldtrace",
			Subsystem: "pipeline",
			Name:      "batches_spilled_total",
			Help:      "Batches spilled to scratch after every transport failed.",
		}),
	}

	reg.MustRegister(
		m.PoolExhausted,
		m.BufferEvicted,
		m.EventsDropped,
		m.ValuesTruncated,
		m.ScratchFileBytes,
		m.BatchesDelivered,
		m.BatchesSpilled,
	)
	return m
}
