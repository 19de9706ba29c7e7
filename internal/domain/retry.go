package domain

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines bounded retry behaviour: attempts are capped and the
// delay between them grows exponentially up to MaxDelay, with symmetric
// jitter to spread concurrent retries.
type RetryPolicy struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
}

// ModelCallRetryPolicy governs per-page upstream model calls inside the OCR
// pipeline: three attempts, exponential backoff from 5s capped at 30s, ±25%
// jitter. Rate-limiter stalls are scheduling delays, not attempts, and do
// not consume this budget.
func ModelCallRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialDelay:   5 * time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// GatewayWriteRetryPolicy governs the queue gateway's internal retries on
// status and heartbeat writes before the failure surfaces to the caller.
func GatewayWriteRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialDelay:   250 * time.Millisecond,
		MaxDelay:       2 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// Delay returns the pause before retry number attempt (1-based: attempt 1 is
// the delay after the first failure). Jitter is uniform in
// [d·(1−j), d·(1+j)].
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if limit := float64(p.MaxDelay); p.MaxDelay > 0 && d > limit {
		d = limit
	}
	if p.JitterFraction > 0 {
		span := d * p.JitterFraction
		d = d - span + rand.Float64()*2*span //nolint:gosec // scheduling jitter, not crypto
	}
	return time.Duration(d)
}

// Exhausted reports whether the budget allows no further attempt after
// attemptsMade failures.
func (p RetryPolicy) Exhausted(attemptsMade int) bool {
	return attemptsMade >= p.MaxAttempts
}
