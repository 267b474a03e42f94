// Package sync replays the queue of pending mutations against the remote
// store. A Manager runs one drain pass at a time; a Worker runs passes on an
// interval and on demand.
package sync

import (
	"context"
	"time"
)

// Syncer runs a drain pass. *Manager satisfies it.
type Syncer interface {
	Sync(ctx context.Context) (*Result, error)
}

// Result describes one drain pass.
type Result struct {
	// Online is false when the probe reported the remote store unreachable
	// and nothing was attempted.
	Online bool `json:"online"`

	// Attempted is the number of mutations sent to the remote store.
	Attempted int `json:"attempted"`

	// Applied is the number of mutations confirmed and removed from the queue.
	Applied int `json:"applied"`

	// Failed is the number of mutations the remote store did not apply.
	Failed int `json:"failed"`

	// DeadLettered is the number of failed mutations moved out of the queue.
	DeadLettered int `json:"dead_lettered"`

	// Skipped is the number of mutations left for a later pass because an
	// earlier mutation for the same target failed, or the pass was cancelled.
	Skipped int `json:"skipped"`

	// StartTime is when the pass began.
	StartTime time.Time `json:"start_time"`

	// Duration is how long the pass took.
	Duration time.Duration `json:"duration"`

	// Errors holds the per-mutation failures. They never abort the pass.
	Errors []error `json:"-"`
}

// Status is a point-in-time view of the queue.
type Status struct {
	Online      bool    `json:"online"`
	Pending     int     `json:"pending"`
	DeadLetters int     `json:"dead_letters"`
	LastSync    *Result `json:"last_sync,omitempty"`
}
