package session

import "time"

// RateWindow is the rolling interval used to bound operations per session.
const RateWindow = 60 * time.Second

// DefaultOperationsPerMinute is applied when the store config leaves the
// limit unset.
const DefaultOperationsPerMinute = 30

// RateLimitState tracks one session's operation count inside the current
// rate window. It is guarded by the session lock; the check-then-increment
// in Allow is atomic with respect to concurrent operations on the session.
type RateLimitState struct {
	// Count is the number of operations counted in the current window.
	Count int
	// LastOp is when the last counted operation happened.
	LastOp time.Time
}

// Allow applies the fixed-window rate limit: if more than RateWindow has
// elapsed since the last counted operation the counter resets; under the
// limit the operation is counted and allowed; at the limit it is denied
// without incrementing.
func (r *RateLimitState) Allow(now time.Time, limit int) bool {
	if now.Sub(r.LastOp) > RateWindow {
		r.Count = 0
	}
	if r.Count >= limit {
		return false
	}
	r.Count++
	r.LastOp = now
	return true
}
