package api

import (
	"sync"
	"time"
)

// DefaultPauseThreshold is the remaining-quota floor below which a sync
// run suspends itself, in request-equivalents.
const DefaultPauseThreshold = 100

// QuotaState is the remote host's view of the tenant's remaining budget,
// captured from one response. Cost is what the call that produced this
// state consumed: a fixed 1-per-request for the per-resource protocol,
// variable points for the batched protocol.
type QuotaState struct {
	Remaining int
	Limit     int
	Cost      int
	ResetAt   time.Time
}

// RateLimitTracker accumulates quota observations across both protocols
// so a run can decide when to pause. The remote host is the source of
// truth; the tracker only remembers the latest report per call.
type RateLimitTracker struct {
	mu        sync.Mutex
	last      QuotaState
	totalCost int
	observed  bool
}

// NewRateLimitTracker returns an empty tracker.
func NewRateLimitTracker() *RateLimitTracker {
	return &RateLimitTracker{}
}

// Observe records the quota state reported by one client call and
// returns it unchanged for convenience.
func (t *RateLimitTracker) Observe(q QuotaState) QuotaState {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = q
	t.totalCost += q.Cost
	t.observed = true
	return q
}

// Last returns the most recently observed quota state.
func (t *RateLimitTracker) Last() QuotaState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// TotalCost returns the budget consumed since the tracker was created.
func (t *RateLimitTracker) TotalCost() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalCost
}

// ShouldPause reports whether the run must suspend until the quota
// resets. Before the first observation there is nothing to act on.
func (t *RateLimitTracker) ShouldPause(threshold int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.observed {
		return false
	}
	return t.last.Remaining < threshold
}
