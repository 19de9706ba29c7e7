// Package monitor runs the health loop that repairs the fleet: stalled jobs
// go back to their pending state, dead workers are evicted and their
// allocations released, and a sampled snapshot of queue depths and worker
// counts is logged with alerts on the anomalies worth waking someone for.
// It is the only component that moves a job out of a processing state
// without having claimed it.
package monitor

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/quebecregistres/extracteur/internal/adapter/observability"
	"github.com/quebecregistres/extracteur/internal/domain"
)

const (
	defaultTick          = 30 * time.Second
	defaultSnapshotEvery = 5 * time.Minute
	defaultStalledAfter  = 3 * time.Minute
	defaultOCRStalled    = 10 * time.Minute
	defaultDeadAfter     = 2 * time.Minute
	defaultErrorJobLimit = 10
)

// UsageReader reports the aggregate admitted resource usage; both capacity
// managers satisfy it.
type UsageReader interface {
	InUse(ctx context.Context) (cpu, ram float64, err error)
}

// Params wires one Monitor. Capacity and Usage are optional: without
// Capacity, evicted workers' allocations are left for manual cleanup;
// without Usage, snapshots skip the capacity gauge. Zero durations fall
// back to the defaults above.
type Params struct {
	Gateway  domain.Gateway
	Capacity domain.CapacityManager
	Usage    UsageReader

	Tick            time.Duration
	SnapshotEvery   time.Duration
	StalledAfter    time.Duration
	OCRStalledAfter time.Duration
	DeadAfter       time.Duration
	ErrorJobLimit   int64
}

// Monitor is the repair loop. One instance per deployment is enough; the
// underlying resets are idempotent, so an accidental second instance only
// wastes queries.
type Monitor struct {
	gw       domain.Gateway
	capacity domain.CapacityManager
	usage    UsageReader

	tick          time.Duration
	snapshotEvery time.Duration
	stalledAfter  time.Duration
	ocrStalled    time.Duration
	deadAfter     time.Duration
	errorJobLimit int64

	lastSnapshot time.Time
}

// New builds a Monitor from p.
func New(p Params) *Monitor {
	m := &Monitor{
		gw:            p.Gateway,
		capacity:      p.Capacity,
		usage:         p.Usage,
		tick:          p.Tick,
		snapshotEvery: p.SnapshotEvery,
		stalledAfter:  p.StalledAfter,
		ocrStalled:    p.OCRStalledAfter,
		deadAfter:     p.DeadAfter,
		errorJobLimit: p.ErrorJobLimit,
	}
	if m.tick <= 0 {
		m.tick = defaultTick
	}
	if m.snapshotEvery <= 0 {
		m.snapshotEvery = defaultSnapshotEvery
	}
	if m.stalledAfter <= 0 {
		m.stalledAfter = defaultStalledAfter
	}
	if m.ocrStalled <= 0 {
		m.ocrStalled = defaultOCRStalled
	}
	if m.deadAfter <= 0 {
		m.deadAfter = defaultDeadAfter
	}
	if m.errorJobLimit <= 0 {
		m.errorJobLimit = defaultErrorJobLimit
	}
	return m
}

// Run sweeps on the tick until ctx is canceled. The first sweep happens one
// tick in, not at start, so a restarting fleet isn't immediately repaired by
// a monitor racing its own workers' first heartbeats.
func (m *Monitor) Run(ctx context.Context) error {
	slog.Info("health monitor started",
		slog.Duration("tick", m.tick),
		slog.Duration("stalled_after", m.stalledAfter),
		slog.Duration("ocr_stalled_after", m.ocrStalled),
		slog.Duration("dead_after", m.deadAfter))
	t := time.NewTicker(m.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("health monitor stopped")
			return nil
		case <-t.C:
			m.sweep(ctx)
		}
	}
}

// sweep runs one repair pass across every environment, then a snapshot when
// the sampling window has elapsed. Gateway failures are logged and skipped;
// the next tick retries.
func (m *Monitor) sweep(ctx context.Context) {
	dead := map[string]struct{}{}
	for _, env := range m.gw.Environments() {
		n, err := m.gw.ResetStalled(ctx, env, m.stalledAfter, m.ocrStalled)
		switch {
		case err != nil:
			slog.Error("stalled reset failed",
				slog.String("environment", string(env)),
				slog.Any("error", err))
		case n > 0:
			observability.StalledResetsTotal.WithLabelValues(string(env)).Add(float64(n))
			slog.Warn("stalled jobs reset",
				slog.String("environment", string(env)),
				slog.Int64("count", n))
		}

		ids, err := m.gw.EvictDeadWorkers(ctx, env, m.deadAfter)
		switch {
		case err != nil:
			slog.Error("dead worker eviction failed",
				slog.String("environment", string(env)),
				slog.Any("error", err))
		case len(ids) > 0:
			observability.DeadWorkersEvictedTotal.WithLabelValues(string(env)).Add(float64(len(ids)))
			slog.Warn("dead workers evicted",
				slog.String("environment", string(env)),
				slog.Int("count", len(ids)))
			for _, id := range ids {
				dead[id] = struct{}{}
			}
		}
	}

	// Liveness rows fan out to every environment, so the same worker can be
	// evicted from several; its allocation is released once.
	m.releaseDead(ctx, dead)

	if time.Since(m.lastSnapshot) >= m.snapshotEvery {
		m.snapshot(ctx)
		m.lastSnapshot = time.Now()
	}
}

func (m *Monitor) releaseDead(ctx context.Context, dead map[string]struct{}) {
	if m.capacity == nil {
		return
	}
	for id := range dead {
		if err := m.capacity.Release(ctx, id); err != nil {
			slog.Error("capacity release for evicted worker failed",
				slog.String("worker_id", id),
				slog.Any("error", err))
		}
	}
}

// snapshot logs one aggregate health sample per environment and refreshes
// the fleet gauges.
func (m *Monitor) snapshot(ctx context.Context) {
	states := map[string]domain.WorkerState{}
	for _, env := range m.gw.Environments() {
		counts, err := m.gw.CountByStatus(ctx, env)
		if err != nil {
			slog.Error("queue depth sample failed",
				slog.String("environment", string(env)),
				slog.Any("error", err))
			continue
		}
		workers, err := m.gw.ListWorkers(ctx, env)
		if err != nil {
			slog.Error("worker sample failed",
				slog.String("environment", string(env)),
				slog.Any("error", err))
			continue
		}
		for _, w := range workers {
			states[w.ID] = w.State
		}

		active := activeCount(workers)
		pending := counts[domain.StatusPending]
		processing := counts[domain.StatusProcessing] + counts[domain.StatusOCRProcessing]
		errorJobs := counts[domain.StatusError]
		slog.Info("health snapshot",
			slog.String("environment", string(env)),
			slog.Int64("active_workers", active),
			slog.Int64("pending", pending),
			slog.Int64("processing", processing),
			slog.Int64("extraction_done", counts[domain.StatusExtractionDone]),
			slog.Int64("ocr_done", counts[domain.StatusOCRDone]),
			slog.Int64("error_jobs", errorJobs))

		for _, reason := range alerts(active, pending, processing, errorJobs, m.errorJobLimit) {
			slog.Error("health alert",
				slog.String("environment", string(env)),
				slog.String("reason", reason))
		}
	}

	byState := map[domain.WorkerState]int{}
	for _, st := range states {
		byState[st]++
	}
	for _, st := range []domain.WorkerState{domain.WorkerIdle, domain.WorkerBusy, domain.WorkerDraining, domain.WorkerOffline} {
		observability.WorkersActive.WithLabelValues(string(st)).Set(float64(byState[st]))
	}

	if m.usage != nil {
		cpu, ram, err := m.usage.InUse(ctx)
		if err != nil {
			slog.Error("capacity sample failed", slog.Any("error", err))
			return
		}
		observability.CapacityAllocated.WithLabelValues("cpu").Set(cpu)
		observability.CapacityAllocated.WithLabelValues("ram_gb").Set(ram)
	}
}

// activeCount counts workers that still participate in the fleet.
func activeCount(workers []domain.Worker) int64 {
	var n int64
	for _, w := range workers {
		if w.State != domain.WorkerOffline {
			n++
		}
	}
	return n
}

// alerts evaluates the anomaly conditions over one environment's sample.
func alerts(active, pending, processing, errorJobs, errorLimit int64) []string {
	var out []string
	if active == 0 && pending > 0 {
		out = append(out, fmt.Sprintf("%d pending jobs with no active workers", pending))
	}
	if processing > 2*active {
		out = append(out, fmt.Sprintf("%d processing jobs exceed twice the %d active workers", processing, active))
	}
	if errorJobs > errorLimit {
		out = append(out, fmt.Sprintf("%d error jobs above the %d threshold", errorJobs, errorLimit))
	}
	return out
}
