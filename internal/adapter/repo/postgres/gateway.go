package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quebecregistres/extracteur/internal/domain"
)

// Store bundles one environment's repositories over a single pool.
type Store struct {
	Env     domain.Environment
	Pool    *pgxpool.Pool
	Queue   *QueueRepo
	Workers *WorkerRepo
}

// NewStore wires the repositories for one environment.
func NewStore(env domain.Environment, pool *pgxpool.Pool) *Store {
	return &Store{
		Env:     env,
		Pool:    pool,
		Queue:   NewQueueRepo(pool, env),
		Workers: NewWorkerRepo(pool, env),
	}
}

// Gateway aggregates per-environment stores into the domain gateway port.
// Claims pass through untouched (a failed claim is just "did not claim");
// status, heartbeat and monitor writes retry internally with jittered
// backoff before the failure surfaces to the caller.
type Gateway struct {
	order  []domain.Environment
	stores map[domain.Environment]*Store
}

var _ domain.Gateway = (*Gateway)(nil)

// NewGateway builds a gateway over the given stores, preserving their order
// for round-robin dispatch.
func NewGateway(stores ...*Store) *Gateway {
	g := &Gateway{stores: make(map[domain.Environment]*Store, len(stores))}
	for _, s := range stores {
		if s == nil {
			continue
		}
		if _, ok := g.stores[s.Env]; ok {
			continue
		}
		g.order = append(g.order, s.Env)
		g.stores[s.Env] = s
	}
	return g
}

// Environments lists the configured logical queues in polling order.
func (g *Gateway) Environments() []domain.Environment {
	out := make([]domain.Environment, len(g.order))
	copy(out, g.order)
	return out
}

// Close releases every environment's pool.
func (g *Gateway) Close() {
	for _, s := range g.stores {
		if s.Pool != nil {
			s.Pool.Close()
		}
	}
}

func (g *Gateway) store(env domain.Environment) (*Store, error) {
	s, ok := g.stores[env]
	if !ok {
		return nil, fmt.Errorf("op=gateway.store: environment %q: %w", env, domain.ErrNotFound)
	}
	return s, nil
}

// writeRetry runs op up to the gateway write budget, backing off with jitter
// between attempts. Ownership conflicts and validation errors are permanent.
func writeRetry(ctx context.Context, op func() error) error {
	pol := domain.GatewayWriteRetryPolicy()
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = pol.InitialDelay
	expo.MaxInterval = pol.MaxDelay
	expo.Multiplier = pol.Multiplier
	expo.RandomizationFactor = pol.JitterFraction
	expo.MaxElapsedTime = 0

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidArgument) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(pol.MaxAttempts-1)), ctx)
	return backoff.Retry(wrapped, bo)
}

// Enqueue inserts a pending job into the environment's queue.
func (g *Gateway) Enqueue(ctx domain.Context, env domain.Environment, kind domain.Kind, src domain.Source, maxAttempts int) (string, error) {
	s, err := g.store(env)
	if err != nil {
		return "", err
	}
	var id string
	err = writeRetry(ctx, func() error {
		var inner error
		id, inner = s.Queue.Enqueue(ctx, kind, src, maxAttempts)
		return inner
	})
	return id, err
}

// ClaimNext claims the oldest matching pending job, or (nil, nil).
func (g *Gateway) ClaimNext(ctx domain.Context, env domain.Environment, workerID string, kinds []domain.Kind) (*domain.Job, error) {
	s, err := g.store(env)
	if err != nil {
		return nil, err
	}
	return s.Queue.ClaimNext(ctx, workerID, kinds)
}

// ClaimNextOCR claims the oldest job awaiting OCR, or (nil, nil).
func (g *Gateway) ClaimNextOCR(ctx domain.Context, env domain.Environment, workerID string) (*domain.Job, error) {
	s, err := g.store(env)
	if err != nil {
		return nil, err
	}
	return s.Queue.ClaimNextOCR(ctx, workerID)
}

// ReportSuccess writes a phase result.
func (g *Gateway) ReportSuccess(ctx domain.Context, env domain.Environment, jobID string, out domain.Outcome) error {
	s, err := g.store(env)
	if err != nil {
		return err
	}
	return writeRetry(ctx, func() error { return s.Queue.ReportSuccess(ctx, jobID, out) })
}

// ReportFailure applies the phase retry rule.
func (g *Gateway) ReportFailure(ctx domain.Context, env domain.Environment, jobID string, f domain.Failure) error {
	s, err := g.store(env)
	if err != nil {
		return err
	}
	return writeRetry(ctx, func() error { return s.Queue.ReportFailure(ctx, jobID, f) })
}

// Get loads one job.
func (g *Gateway) Get(ctx domain.Context, env domain.Environment, jobID string) (domain.Job, error) {
	s, err := g.store(env)
	if err != nil {
		return domain.Job{}, err
	}
	return s.Queue.Get(ctx, jobID)
}

// CountByStatus returns the environment's queue depths.
func (g *Gateway) CountByStatus(ctx domain.Context, env domain.Environment) (map[domain.Status]int64, error) {
	s, err := g.store(env)
	if err != nil {
		return nil, err
	}
	return s.Queue.CountByStatus(ctx)
}

// Heartbeat upserts a worker's liveness row.
func (g *Gateway) Heartbeat(ctx domain.Context, env domain.Environment, w domain.Worker) error {
	s, err := g.store(env)
	if err != nil {
		return err
	}
	return writeRetry(ctx, func() error { return s.Workers.Heartbeat(ctx, w) })
}

// MarkOffline transitions a worker to offline.
func (g *Gateway) MarkOffline(ctx domain.Context, env domain.Environment, workerID string) error {
	s, err := g.store(env)
	if err != nil {
		return err
	}
	return writeRetry(ctx, func() error { return s.Workers.MarkOffline(ctx, workerID) })
}

// ListWorkers returns the environment's liveness rows.
func (g *Gateway) ListWorkers(ctx domain.Context, env domain.Environment) ([]domain.Worker, error) {
	s, err := g.store(env)
	if err != nil {
		return nil, err
	}
	return s.Workers.List(ctx)
}

// ResetStalled reclaims stalled jobs in both processing phases.
func (g *Gateway) ResetStalled(ctx domain.Context, env domain.Environment, processingAge, ocrAge time.Duration) (int64, error) {
	s, err := g.store(env)
	if err != nil {
		return 0, err
	}
	var n int64
	err = writeRetry(ctx, func() error {
		var inner error
		n, inner = s.Queue.ResetStalled(ctx, processingAge, ocrAge)
		return inner
	})
	return n, err
}

// EvictDeadWorkers releases dead workers' jobs and marks them offline,
// returning the evicted ids.
func (g *Gateway) EvictDeadWorkers(ctx domain.Context, env domain.Environment, age time.Duration) ([]string, error) {
	s, err := g.store(env)
	if err != nil {
		return nil, err
	}
	var ids []string
	err = writeRetry(ctx, func() error {
		var inner error
		ids, inner = s.Workers.EvictDead(ctx, age)
		return inner
	})
	return ids, err
}
