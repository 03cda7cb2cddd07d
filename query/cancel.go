package query

import (
	"sync"
	"sync/atomic"
)

// CancelRegistry tracks cancellation flags keyed by trace_id. A
// pipeline polls IsCancelled between partitions instead of threading
// a context down into every executor call, so a cancel takes effect at
// the next partition boundary rather than mid-partition.
type CancelRegistry struct {
	flags sync.Map // trace_id -> *atomic.Bool
}

// NewCancelRegistry returns an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{}
}

// Register creates (or resets) the flag for traceID and returns it.
func (r *CancelRegistry) Register(traceID string) *atomic.Bool {
	flag := new(atomic.Bool)
	r.flags.Store(traceID, flag)
	return flag
}

// Cancel flips traceID's flag, if one is registered. Returns false if
// traceID isn't known (already finished, or never started).
func (r *CancelRegistry) Cancel(traceID string) bool {
	v, ok := r.flags.Load(traceID)
	if !ok {
		return false
	}
	v.(*atomic.Bool).Store(true)
	return true
}

// IsCancelled reports whether traceID has been cancelled. Unknown
// trace IDs are treated as not cancelled.
func (r *CancelRegistry) IsCancelled(traceID string) bool {
	v, ok := r.flags.Load(traceID)
	if !ok {
		return false
	}
	return v.(*atomic.Bool).Load()
}

// Forget removes traceID's flag once its pipeline has finished.
func (r *CancelRegistry) Forget(traceID string) {
	r.flags.Delete(traceID)
}
