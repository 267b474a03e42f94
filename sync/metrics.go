package sync

import (
	"sync/atomic"
	"time"
)

// MetricsCollector provides hooks for observability.
type MetricsCollector interface {
	// RecordDrainDuration records how long a drain pass took
	RecordDrainDuration(d time.Duration)

	// RecordMutations records how many mutations were applied and failed
	RecordMutations(applied, failed int)

	// RecordDeadLettered records how many mutations were dead-lettered
	RecordDeadLettered(count int)

	// RecordSyncErrors records drain errors
	RecordSyncErrors(op, reason string)
}

// NoOpMetricsCollector is a stub implementation that discards metrics.
type NoOpMetricsCollector struct{}

func (*NoOpMetricsCollector) RecordDrainDuration(d time.Duration) {}
func (*NoOpMetricsCollector) RecordMutations(applied, failed int)  {}
func (*NoOpMetricsCollector) RecordDeadLettered(count int)         {}
func (*NoOpMetricsCollector) RecordSyncErrors(op, reason string)   {}

// Counters is an in-process MetricsCollector safe for concurrent use.
type Counters struct {
	passes       atomic.Int64
	applied      atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
	errors       atomic.Int64
	lastDrain    atomic.Int64
}

// CountersSnapshot is a copy of the counters at one point in time.
type CountersSnapshot struct {
	Passes       int64         `json:"passes"`
	Applied      int64         `json:"applied"`
	Failed       int64         `json:"failed"`
	DeadLettered int64         `json:"dead_lettered"`
	Errors       int64         `json:"errors"`
	LastDrain    time.Duration `json:"last_drain_ns"`
}

func (c *Counters) RecordDrainDuration(d time.Duration) {
	c.passes.Add(1)
	c.lastDrain.Store(int64(d))
}

func (c *Counters) RecordMutations(applied, failed int) {
	c.applied.Add(int64(applied))
	c.failed.Add(int64(failed))
}

func (c *Counters) RecordDeadLettered(count int) { c.deadLettered.Add(int64(count)) }

func (c *Counters) RecordSyncErrors(op, reason string) { c.errors.Add(1) }

// Snapshot returns the current values.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		Passes:       c.passes.Load(),
		Applied:      c.applied.Load(),
		Failed:       c.failed.Load(),
		DeadLettered: c.deadLettered.Load(),
		Errors:       c.errors.Load(),
		LastDrain:    time.Duration(c.lastDrain.Load()),
	}
}
