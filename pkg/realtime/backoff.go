package realtime

import "time"

// BackoffPolicy computes capped exponential delays for retry loops. Both
// the client's reconnection controller and the server's fan-out retry use
// the same schedule: attempt k (1-indexed) waits
// min(InitialDelay * 2^(k-1), MaxDelay).
type BackoffPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultBackoffPolicy matches the documented client reconnection defaults:
// 1s initial, 30s cap, 10 attempts.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  10,
	}
}

// Delay returns the wait before the given 1-indexed attempt. Attempts
// below one are treated as the first attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	d := p.InitialDelay
	for k := 1; k < attempt; k++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether the given 1-indexed attempt exceeds the
// policy's budget. A zero or negative MaxAttempts means unlimited.
func (p BackoffPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
