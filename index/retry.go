package index

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/lib/pq"
)

// Postgres error codes that mean "retry me": deadlock_detected and
// serialization_failure (IsRetryable also retries connection-class
// codes). See https://www.postgresql.org/docs/current/errcodes-appendix.html.
const (
	pgDeadlockDetected      = "40P01"
	pgSerializationFailure  = "40001"
)

// IsRetryable reports whether err is a transient condition the caller
// should back off and retry, per spec.md §4.1.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pgDeadlockDetected, pgSerializationFailure:
			return true
		}
		// Class 08: connection exceptions.
		if pqErr.Code.Class() == "08" {
			return true
		}
	}
	return false
}

// retryOpts bounds the backoff described in spec.md §4.1: "back off
// randomly (50-500 ms) and retry up to a small bound".
type retryOpts struct {
	minBackoff time.Duration
	maxBackoff time.Duration
	maxAttempts int
}

func defaultRetryOpts() retryOpts {
	return retryOpts{minBackoff: 50 * time.Millisecond, maxBackoff: 500 * time.Millisecond, maxAttempts: 5}
}

// withRetry runs fn, retrying on IsRetryable errors with random backoff
// in [min, max], up to maxAttempts total tries.
func withRetry(ctx context.Context, opts retryOpts, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= opts.maxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) || attempt == opts.maxAttempts {
			return lastErr
		}
		span := opts.maxBackoff - opts.minBackoff
		var jitter time.Duration
		if span > 0 {
			jitter = time.Duration(rand.Int63n(int64(span)))
		}
		sleep := opts.minBackoff + jitter
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
