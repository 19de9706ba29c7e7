package ratelimiter

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/quebecregistres/extracteur/internal/domain"
)

// LocalLimiter is the standalone-mode limiter used when no Redis is
// configured: the same empty-start buckets and all-or-nothing spends as
// RedisLuaLimiter, shared by every worker in the process behind one mutex.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]BucketConfig
	state   map[string]*localBucket
	now     func() time.Time
}

type localBucket struct {
	tokens     float64
	lastRefill time.Time
}

var _ domain.RateLimiter = (*LocalLimiter)(nil)

func NewLocalLimiter(buckets map[string]BucketConfig) *LocalLimiter {
	if buckets == nil {
		buckets = map[string]BucketConfig{}
	}
	return &LocalLimiter{
		buckets: buckets,
		state:   map[string]*localBucket{},
		now:     time.Now,
	}
}

// TryAcquire implements domain.RateLimiter.
func (l *LocalLimiter) TryAcquire(_ context.Context, api string, costRequests, costTokens int64) (bool, time.Duration, error) {
	if l == nil {
		return true, 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	demands := resolveDemands(l.buckets, api, costRequests, costTokens)
	if len(demands) == 0 {
		return true, 0, nil
	}

	now := l.now()
	allowed := true
	var retryAfter time.Duration

	states := make([]*localBucket, len(demands))
	for i, d := range demands {
		b, ok := l.state[d.key]
		if !ok {
			// New buckets start empty.
			b = &localBucket{lastRefill: now}
			l.state[d.key] = b
		}
		delta := now.Sub(b.lastRefill)
		if delta < 0 {
			delta = 0
		}
		b.tokens = math.Min(float64(d.cfg.Capacity), b.tokens+delta.Seconds()*d.cfg.RefillRate)
		b.lastRefill = now
		states[i] = b

		if b.tokens < float64(d.cost) {
			allowed = false
			if d.cfg.RefillRate > 0 {
				waitMS := math.Ceil((float64(d.cost) - b.tokens) / d.cfg.RefillRate * 1000)
				if wait := time.Duration(waitMS) * time.Millisecond; wait > retryAfter {
					retryAfter = wait
				}
			}
		}
	}

	if !allowed {
		return false, retryAfter, nil
	}
	for i, d := range demands {
		states[i].tokens -= float64(d.cost)
	}
	return true, 0, nil
}

// SetBucketConfig mirrors the Redis limiter's runtime tuning hook.
func (l *LocalLimiter) SetBucketConfig(key string, cfg BucketConfig) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.buckets == nil {
		l.buckets = map[string]BucketConfig{}
	}
	l.buckets[key] = cfg
}
