// Package capacity is the fleet's resource accountant: workers are admitted
// first-come-first-served against the configured CPU and RAM ceilings, with
// allocations held in Redis when shared state is configured and in process
// otherwise.
package capacity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quebecregistres/extracteur/internal/domain"
)

// Fixed per-kind worker profiles (vCPU units, GB). Extraction workers drive
// a headless session per job; OCR workers mostly wait on upstream models.
var (
	ProfileExtraction = domain.ResourceProfile{CPUUnits: 1.0, RAMGB: 2.0}
	ProfileOCR        = domain.ResourceProfile{CPUUnits: 0.5, RAMGB: 1.0}
)

// Limits is the fleet ceiling with the OS reserve already withheld.
type Limits struct {
	MaxCPU float64
	MaxRAM float64
}

// NewLimits derates raw server ceilings by the configured reserve percents.
func NewLimits(maxCPU, maxRAM, reserveCPUPercent, reserveRAMPercent float64) Limits {
	return Limits{
		MaxCPU: maxCPU * (1 - reserveCPUPercent/100),
		MaxRAM: maxRAM * (1 - reserveRAMPercent/100),
	}
}

const (
	totalsKey      = "capacity:totals"
	allocKeyPrefix = "capacity:alloc:"
)

// RedisCapacityManager admits across processes with one check-and-set
// script, so two supervisors booting at once cannot both take the last
// slot. Admission fails closed on Redis errors: an unaccounted worker
// could exhaust real memory, and unlike the rate limiter there is no
// provider-side backstop.
type RedisCapacityManager struct {
	redis   *redis.Client
	limits  Limits
	admit   *redis.Script
	release *redis.Script
	now     func() time.Time
}

var _ domain.CapacityManager = (*RedisCapacityManager)(nil)

func NewRedisCapacityManager(rdb *redis.Client, limits Limits) *RedisCapacityManager {
	if rdb == nil {
		return nil
	}
	return &RedisCapacityManager{
		redis:   rdb,
		limits:  limits,
		admit:   redis.NewScript(luaAdmitScript),
		release: redis.NewScript(luaReleaseScript),
		now:     time.Now,
	}
}

// luaAdmitScript checks both budgets and records the allocation in one
// atomic step. KEYS[1] is the totals hash, KEYS[2] the worker's allocation;
// ARGV = cpu, ram, max_cpu, max_ram, started_at. Reply: {1, "ok"|"held"} on
// admit, {0, resource, in_use} on denial. A worker that already holds an
// allocation is admitted without spending again.
const luaAdmitScript = `
local cpu = tonumber(ARGV[1])
local ram = tonumber(ARGV[2])
local max_cpu = tonumber(ARGV[3])
local max_ram = tonumber(ARGV[4])

if redis.call("EXISTS", KEYS[2]) == 1 then
  return { 1, "held" }
end

local cur_cpu = tonumber(redis.call("HGET", KEYS[1], "cpu") or "0")
local cur_ram = tonumber(redis.call("HGET", KEYS[1], "ram") or "0")

if cur_cpu + cpu > max_cpu then
  return { 0, "cpu", tostring(cur_cpu) }
end
if cur_ram + ram > max_ram then
  return { 0, "ram", tostring(cur_ram) }
end

redis.call("HINCRBYFLOAT", KEYS[1], "cpu", ARGV[1])
redis.call("HINCRBYFLOAT", KEYS[1], "ram", ARGV[2])
redis.call("HMSET", KEYS[2], "cpu", ARGV[1], "ram", ARGV[2], "started_at", ARGV[5])
return { 1, "ok" }
`

// luaReleaseScript refunds exactly the recorded allocation. Releasing a
// worker with no allocation is a no-op, so shutdown and eviction can both
// release without double-refunding.
const luaReleaseScript = `
local cpu = redis.call("HGET", KEYS[2], "cpu")
if cpu == false then
  return 0
end
local ram = redis.call("HGET", KEYS[2], "ram")
redis.call("HINCRBYFLOAT", KEYS[1], "cpu", "-" .. cpu)
redis.call("HINCRBYFLOAT", KEYS[1], "ram", "-" .. ram)
redis.call("DEL", KEYS[2])
return 1
`

// Admit implements domain.CapacityManager.
func (m *RedisCapacityManager) Admit(ctx context.Context, workerID string, p domain.ResourceProfile) error {
	if m == nil || m.redis == nil {
		return fmt.Errorf("op=capacity.admit worker=%s: capacity store not configured", workerID)
	}
	if workerID == "" {
		return fmt.Errorf("op=capacity.admit: empty worker id: %w", domain.ErrInvalidArgument)
	}
	if p.CPUUnits < 0 || p.RAMGB < 0 {
		return fmt.Errorf("op=capacity.admit worker=%s: negative profile: %w", workerID, domain.ErrInvalidArgument)
	}

	res, err := m.admit.Run(ctx, m.redis, []string{totalsKey, allocKeyPrefix + workerID},
		p.CPUUnits, p.RAMGB, m.limits.MaxCPU, m.limits.MaxRAM, m.now().UTC().Format(time.RFC3339Nano)).Result()
	if err != nil {
		return fmt.Errorf("op=capacity.admit worker=%s: %w", workerID, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return fmt.Errorf("op=capacity.admit worker=%s: unexpected script result %v", workerID, res)
	}
	if scriptInt(vals[0]) == 1 {
		return nil
	}

	resource, _ := vals[1].(string)
	var inUse float64
	if len(vals) > 2 {
		inUse = scriptFloat(vals[2])
	}
	need, ceiling := p.CPUUnits, m.limits.MaxCPU
	if resource == "ram" {
		need, ceiling = p.RAMGB, m.limits.MaxRAM
	}
	return fmt.Errorf("op=capacity.admit worker=%s: %s budget exhausted (in use %.2f, need %.2f, max %.2f): %w",
		workerID, resource, inUse, need, ceiling, domain.ErrCapacityDenied)
}

// Release implements domain.CapacityManager.
func (m *RedisCapacityManager) Release(ctx context.Context, workerID string) error {
	if m == nil || m.redis == nil {
		return nil
	}
	if workerID == "" {
		return fmt.Errorf("op=capacity.release: empty worker id: %w", domain.ErrInvalidArgument)
	}
	if _, err := m.release.Run(ctx, m.redis, []string{totalsKey, allocKeyPrefix + workerID}).Result(); err != nil {
		return fmt.Errorf("op=capacity.release worker=%s: %w", workerID, err)
	}
	return nil
}

// InUse reports the aggregate admitted load for snapshots and readiness.
func (m *RedisCapacityManager) InUse(ctx context.Context) (cpu, ram float64, err error) {
	if m == nil || m.redis == nil {
		return 0, 0, nil
	}
	vals, err := m.redis.HMGet(ctx, totalsKey, "cpu", "ram").Result()
	if err != nil {
		return 0, 0, fmt.Errorf("op=capacity.in_use: %w", err)
	}
	if len(vals) < 2 {
		return 0, 0, nil
	}
	return scriptFloat(vals[0]), scriptFloat(vals[1]), nil
}

// Limits reports the admission ceilings in force.
func (m *RedisCapacityManager) Limits() Limits {
	if m == nil {
		return Limits{}
	}
	return m.limits
}

func scriptInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func scriptFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}
