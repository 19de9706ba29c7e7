// Package ratelimiter meters calls to the upstream model APIs with
// multi-resource token buckets, held in Redis when shared state is
// configured and in process otherwise.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/quebecregistres/extracteur/internal/domain"
)

// Well-known APIs and metered resources. The anthropic token bucket meters
// output tokens, the binding budget for that account tier; gemini's meters
// input tokens.
const (
	APIGemini    = "gemini"
	APIAnthropic = "anthropic"

	ResourceRequests = "requests"
	ResourceTokens   = "tokens"
)

// BucketKey names one governed bucket, e.g. "gemini:requests".
func BucketKey(api, resource string) string {
	return api + ":" + resource
}

type BucketConfig struct {
	Capacity   int64
	RefillRate float64
}

func NewBucketConfigFromPerMinute(perMinute int) BucketConfig {
	if perMinute <= 0 {
		return BucketConfig{}
	}
	return BucketConfig{
		Capacity:   int64(perMinute),
		RefillRate: float64(perMinute) / 60.0,
	}
}

// NewBucketConfigFromHardPerMinute derates a documented hard per-minute
// limit to the 80% safe capacity the limiter actually admits.
func NewBucketConfigFromHardPerMinute(hard int64) BucketConfig {
	return NewBucketConfigFromPerMinute(int(hard * 8 / 10))
}

// DefaultBuckets builds the bucket table from the documented hard
// per-minute limits of both upstream APIs.
func DefaultBuckets(geminiRPM, geminiTPM, anthropicRPM, anthropicOTPM int64) map[string]BucketConfig {
	return map[string]BucketConfig{
		BucketKey(APIGemini, ResourceRequests):    NewBucketConfigFromHardPerMinute(geminiRPM),
		BucketKey(APIGemini, ResourceTokens):      NewBucketConfigFromHardPerMinute(geminiTPM),
		BucketKey(APIAnthropic, ResourceRequests): NewBucketConfigFromHardPerMinute(anthropicRPM),
		BucketKey(APIAnthropic, ResourceTokens):   NewBucketConfigFromHardPerMinute(anthropicOTPM),
	}
}

// demand is one bucket a call must charge.
type demand struct {
	key  string
	cfg  BucketConfig
	cost int64
}

// resolveDemands maps one call onto the buckets it must charge. Zero costs
// and resources with no governed bucket drop out. A cost larger than the
// bucket can ever hold is clamped to the full bucket, so the call drains it
// and waits for refill instead of being denied forever.
func resolveDemands(buckets map[string]BucketConfig, api string, costRequests, costTokens int64) []demand {
	out := make([]demand, 0, 2)
	for _, r := range []struct {
		resource string
		cost     int64
	}{
		{ResourceRequests, costRequests},
		{ResourceTokens, costTokens},
	} {
		if r.cost <= 0 {
			continue
		}
		key := BucketKey(api, r.resource)
		cfg, ok := buckets[key]
		if !ok || cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
			continue
		}
		cost := r.cost
		if cost > cfg.Capacity {
			cost = cfg.Capacity
		}
		out = append(out, demand{key: key, cfg: cfg, cost: cost})
	}
	return out
}

// MirrorPool is the slice of the Postgres pool API used to persist bucket
// state across restarts.
type MirrorPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// RedisLuaLimiter spends from every bucket a call touches atomically, or
// from none. Buckets start empty and fill at their refill rate, so a burst
// after idle can never overshoot the safe capacity.
type RedisLuaLimiter struct {
	redis   *redis.Client
	pool    MirrorPool
	buckets map[string]BucketConfig
	script  *redis.Script
	mu      sync.RWMutex
}

var _ domain.RateLimiter = (*RedisLuaLimiter)(nil)

func NewRedisLuaLimiter(rdb *redis.Client, pool MirrorPool, buckets map[string]BucketConfig) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	if buckets == nil {
		buckets = map[string]BucketConfig{}
	}
	return &RedisLuaLimiter{
		redis:   rdb,
		pool:    pool,
		buckets: buckets,
		script:  redis.NewScript(luaTokenBucketScript),
	}
}

// luaTokenBucketScript refills and checks every KEYS[i], then spends from
// all of them or from none. ARGV[1] is the caller's clock in seconds;
// each bucket i takes ARGV[3i-1..3i+1] = capacity, refill_rate, cost.
// Reply: { allowed, retry_after_ms, balance_1, balance_2, ... } with
// balances as strings so fractions survive the protocol.
const luaTokenBucketScript = `
local now = tonumber(ARGV[1])
local n = #KEYS

local balances = {}
local allowed = 1
local retry_after_ms = 0

for i = 1, n do
  local capacity = tonumber(ARGV[3*i - 1])
  local refill_rate = tonumber(ARGV[3*i])
  local cost = tonumber(ARGV[3*i + 1])

  local tokens = 0
  local last_refill = now

  local data = redis.call("HMGET", KEYS[i], "tokens", "last_refill")
  if data[1] ~= false and data[1] ~= nil then
    tokens = tonumber(data[1])
  end
  if data[2] ~= false and data[2] ~= nil then
    last_refill = tonumber(data[2])
  end

  local delta = now - last_refill
  if delta < 0 then
    delta = 0
  end

  tokens = math.min(capacity, tokens + delta * refill_rate)
  balances[i] = tokens

  if tokens < cost then
    allowed = 0
    if refill_rate > 0 then
      local wait_ms = math.ceil(((cost - tokens) / refill_rate) * 1000)
      if wait_ms > retry_after_ms then
        retry_after_ms = wait_ms
      end
    end
  end
end

local reply = { allowed, retry_after_ms }
for i = 1, n do
  local tokens = balances[i]
  if allowed == 1 then
    tokens = tokens - tonumber(ARGV[3*i + 1])
  end
  redis.call("HMSET", KEYS[i], "tokens", tokens, "last_refill", now)
  reply[2 + i] = tostring(tokens)
end

return reply
`

// TryAcquire implements domain.RateLimiter.
func (l *RedisLuaLimiter) TryAcquire(ctx context.Context, api string, costRequests, costTokens int64) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}
	l.mu.RLock()
	demands := resolveDemands(l.buckets, api, costRequests, costTokens)
	l.mu.RUnlock()
	if len(demands) == 0 {
		return true, 0, nil
	}

	now := time.Now()
	nowSec := float64(now.UnixNano()) / 1e9

	keys := make([]string, len(demands))
	argv := make([]any, 0, 1+3*len(demands))
	argv = append(argv, nowSec)
	for i, d := range demands {
		keys[i] = "rate:" + d.key
		argv = append(argv, d.cfg.Capacity, d.cfg.RefillRate, d.cost)
	}

	res, err := l.script.Run(ctx, l.redis, keys, argv...).Result()
	if err != nil {
		slog.Error("redis rate limiter script error", slog.String("api", api), slog.Any("error", err))
		// Fail open on Redis errors to avoid hard outages; upstream 429
		// handling still applies separately.
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2+len(demands) {
		slog.Error("redis rate limiter unexpected script result", slog.String("api", api), slog.Any("result", res))
		return true, 0, nil
	}

	allowed := toInt64(vals[0]) == 1
	retryAfter := time.Duration(toInt64(vals[1])) * time.Millisecond

	if l.pool != nil {
		for i, d := range demands {
			l.mirrorToPostgres(ctx, d.key, d.cfg, toFloat64(vals[2+i]), nowSec)
		}
	}

	return allowed, retryAfter, nil
}

func (l *RedisLuaLimiter) mirrorToPostgres(ctx context.Context, key string, cfg BucketConfig, tokens, lastRefillSec float64) {
	if l.pool == nil {
		return
	}

	sec := int64(lastRefillSec)
	nsec := int64((lastRefillSec - float64(sec)) * 1e9)
	if nsec < 0 {
		nsec = 0
	}
	lastRefill := time.Unix(sec, nsec)

	_, err := l.pool.Exec(ctx,
		`INSERT INTO rate_limit_buckets (bucket_key, capacity, refill_rate, tokens, last_refill)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (bucket_key) DO UPDATE SET
		   capacity = EXCLUDED.capacity,
		   refill_rate = EXCLUDED.refill_rate,
		   tokens = EXCLUDED.tokens,
		   last_refill = EXCLUDED.last_refill`,
		key, cfg.Capacity, cfg.RefillRate, tokens, lastRefill,
	)
	if err != nil {
		slog.Error("failed to mirror rate limit bucket to postgres", slog.String("key", key), slog.Any("error", err))
	}
}

// WarmFromPostgres seeds Redis from the mirror table after a cold start.
// Only buckets Redis has never seen are written; live state wins over the
// mirror.
func (l *RedisLuaLimiter) WarmFromPostgres(ctx context.Context) error {
	if l == nil || l.pool == nil || l.redis == nil {
		return nil
	}

	rows, err := l.pool.Query(ctx, `SELECT bucket_key, tokens, EXTRACT(EPOCH FROM last_refill) FROM rate_limit_buckets`)
	if err != nil {
		return fmt.Errorf("op=ratelimiter.warm: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var tokens, lastRefillSec float64
		if err := rows.Scan(&key, &tokens, &lastRefillSec); err != nil {
			return fmt.Errorf("op=ratelimiter.warm: %w", err)
		}
		redisKey := "rate:" + key
		if err := l.redis.HSetNX(ctx, redisKey, "tokens", tokens).Err(); err != nil {
			slog.Error("failed to warm rate limit bucket", slog.String("key", key), slog.Any("error", err))
			continue
		}
		if err := l.redis.HSetNX(ctx, redisKey, "last_refill", lastRefillSec).Err(); err != nil {
			slog.Error("failed to warm rate limit bucket", slog.String("key", key), slog.Any("error", err))
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("op=ratelimiter.warm: %w", err)
	}
	return nil
}

// SetBucketConfig updates or creates the bucket configuration for the given
// logical key, so operators can retune admitted capacity without a restart.
// It is safe for concurrent use.
func (l *RedisLuaLimiter) SetBucketConfig(key string, cfg BucketConfig) {
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

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func toFloat64(v interface{}) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}
