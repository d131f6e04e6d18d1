package transfer

import "time"

// Backoff implements the retry ladder of spec.md §4.7 step 6: "defer the
// task with exponential backoff (starting at 30s, doubling, capped at
// 1 hour), and schedule a retry; after a configured max attempts, mark
// the copy Missing".
type Backoff struct {
	Initial    time.Duration
	Cap        time.Duration
	MaxAttempt int
}

// DefaultBackoff matches the constants named in spec.md §4.7.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 30 * time.Second, Cap: time.Hour, MaxAttempt: 8}
}

// Delay returns the backoff delay before attempt (1-based). Callers
// should stop retrying once attempt reaches MaxAttempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	return d
}

// Exhausted reports whether attempt has used up the retry budget.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt >= b.MaxAttempt
}
