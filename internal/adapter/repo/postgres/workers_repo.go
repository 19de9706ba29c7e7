package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quebecregistres/extracteur/internal/domain"
)

// WorkerRepo drives one environment's worker_status table.
type WorkerRepo struct {
	Pool PgxPool
	Env  domain.Environment
}

// NewWorkerRepo constructs a WorkerRepo over the given pool.
func NewWorkerRepo(p PgxPool, env domain.Environment) *WorkerRepo {
	return &WorkerRepo{Pool: p, Env: env}
}

// Heartbeat upserts a worker's liveness row. The update applies only when the
// incoming timestamp is newer than the stored one, so replayed or late
// heartbeats leave the row untouched.
func (r *WorkerRepo) Heartbeat(ctx domain.Context, w domain.Worker) error {
	tracer := otel.Tracer("repo.workers")
	ctx, span := tracer.Start(ctx, "workers.Heartbeat")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", w.ID))
	if w.ID == "" {
		return fmt.Errorf("op=workers.heartbeat: empty worker id: %w", domain.ErrInvalidArgument)
	}
	hb := w.LastHeartbeat
	if hb.IsZero() {
		hb = time.Now().UTC()
	}
	started := w.StartedAt
	if started.IsZero() {
		started = hb
	}
	q := `INSERT INTO worker_status (worker_id, status, kinds, current_job_id, last_heartbeat, jobs_completed, jobs_failed, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (worker_id) DO UPDATE SET
			status = EXCLUDED.status,
			kinds = EXCLUDED.kinds,
			current_job_id = EXCLUDED.current_job_id,
			last_heartbeat = EXCLUDED.last_heartbeat,
			jobs_completed = EXCLUDED.jobs_completed,
			jobs_failed = EXCLUDED.jobs_failed
		WHERE worker_status.last_heartbeat < EXCLUDED.last_heartbeat`
	_, err := r.Pool.Exec(ctx, q, w.ID, string(w.State), KindsToText(w.Kinds), w.CurrentJobID, hb, w.JobsCompleted, w.JobsFailed, started)
	if err != nil {
		return fmt.Errorf("op=workers.heartbeat: %w", err)
	}
	return nil
}

// MarkOffline transitions a worker to offline without touching its heartbeat
// ordering.
func (r *WorkerRepo) MarkOffline(ctx domain.Context, workerID string) error {
	tracer := otel.Tracer("repo.workers")
	ctx, span := tracer.Start(ctx, "workers.MarkOffline")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))
	q := `UPDATE worker_status
		SET status = 'offline',
			current_job_id = NULL,
			last_heartbeat = GREATEST(last_heartbeat, now())
		WHERE worker_id = $1`
	if _, err := r.Pool.Exec(ctx, q, workerID); err != nil {
		return fmt.Errorf("op=workers.mark_offline: %w", err)
	}
	return nil
}

// List returns every liveness row in registration order.
func (r *WorkerRepo) List(ctx domain.Context) ([]domain.Worker, error) {
	tracer := otel.Tracer("repo.workers")
	ctx, span := tracer.Start(ctx, "workers.List")
	defer span.End()
	q := `SELECT worker_id, status, kinds, current_job_id, last_heartbeat, jobs_completed, jobs_failed, started_at
		FROM worker_status ORDER BY started_at, worker_id`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=workers.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Worker
	for rows.Next() {
		var (
			w     domain.Worker
			state string
			kinds string
		)
		if err := rows.Scan(&w.ID, &state, &kinds, &w.CurrentJobID, &w.LastHeartbeat, &w.JobsCompleted, &w.JobsFailed, &w.StartedAt); err != nil {
			return nil, fmt.Errorf("op=workers.list: %w", err)
		}
		w.State = domain.WorkerState(state)
		w.Kinds = ParseKindsText(kinds)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=workers.list: %w", err)
	}
	return out, nil
}

// EvictDead releases the jobs of every worker whose heartbeat is older than
// the threshold and marks those workers offline, in one transaction. Returns
// the ids of the evicted workers so callers can release their allocations.
func (r *WorkerRepo) EvictDead(ctx domain.Context, age time.Duration) ([]string, error) {
	tracer := otel.Tracer("repo.workers")
	ctx, span := tracer.Start(ctx, "workers.EvictDead")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=workers.evict_dead: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `SELECT worker_id FROM worker_status
		WHERE status <> 'offline' AND last_heartbeat < now() - make_interval(secs => $1)
		FOR UPDATE`, age.Seconds())
	if err != nil {
		return nil, fmt.Errorf("op=workers.evict_dead: %w", err)
	}
	var dead []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("op=workers.evict_dead: %w", err)
		}
		dead = append(dead, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=workers.evict_dead: %w", err)
	}
	if len(dead) == 0 {
		return nil, tx.Commit(ctx)
	}

	if err := releaseJobsOwnedBy(ctx, tx, dead); err != nil {
		return nil, fmt.Errorf("op=workers.evict_dead: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE worker_status SET status = 'offline', current_job_id = NULL WHERE worker_id = ANY($1)`, dead); err != nil {
		return nil, fmt.Errorf("op=workers.evict_dead: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=workers.evict_dead: %w", err)
	}
	return dead, nil
}
