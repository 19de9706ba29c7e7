package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quebecregistres/extracteur/internal/domain"
)

func TestModelCallRetryPolicy_Delays(t *testing.T) {
	t.Parallel()
	p := domain.ModelCallRetryPolicy()
	assert.Equal(t, 3, p.MaxAttempts)

	// Jitter is ±25%, so each delay stays inside a known band.
	band := func(base time.Duration) (time.Duration, time.Duration) {
		lo := time.Duration(float64(base) * 0.75)
		hi := time.Duration(float64(base) * 1.25)
		return lo, hi
	}
	for i := 0; i < 50; i++ {
		lo, hi := band(5 * time.Second)
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)

		lo, hi = band(10 * time.Second)
		d = p.Delay(2)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)

		// 5s·2² = 20s; 5s·2³ = 40s is clamped at 30s before jitter.
		lo, hi = band(30 * time.Second)
		d = p.Delay(4)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}
}

func TestRetryPolicy_DelayWithoutJitter(t *testing.T) {
	t.Parallel()
	p := domain.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     4 * time.Second,
		Multiplier:   2.0,
	}
	assert.Equal(t, time.Second, p.Delay(0)) // clamped to attempt 1
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 4*time.Second, p.Delay(7))
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	t.Parallel()
	p := domain.ModelCallRetryPolicy()
	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(5))
}
