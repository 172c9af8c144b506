package engine

import (
	"time"

	"github.com/postloom/postloom/backend/internal/publisher"
)

// RetryPolicy decides what happens after a failed publish attempt.
type RetryPolicy struct {
	// MaxAttempts is the total attempt ceiling, first attempt included.
	MaxAttempts int
	// BaseDelay is the fixed wait before a retry.
	BaseDelay time.Duration
}

// DefaultRetryPolicy matches the engine defaults: three attempts, 60s apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 60 * time.Second}
}

// ShouldRetry reports whether a failed attempt (1-based) should be retried,
// and the delay before the next one. Permanent failures and exhausted
// ceilings finalize instead.
func (p RetryPolicy) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if !publisher.IsTransient(err) {
		return false, 0
	}
	if attempt >= p.MaxAttempts {
		return false, 0
	}
	return true, p.BaseDelay
}
