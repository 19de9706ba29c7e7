// Package postgres implements the queue gateway over the per-environment
// PostgreSQL backing stores. All state transitions are single-statement
// atomic updates; concurrent claimers against one pending job see exactly
// one winner.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quebecregistres/extracteur/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// QueueRepo drives one environment's extraction_queue table.
type QueueRepo struct {
	Pool PgxPool
	Env  domain.Environment
}

// NewQueueRepo constructs a QueueRepo over the given pool.
func NewQueueRepo(p PgxPool, env domain.Environment) *QueueRepo {
	return &QueueRepo{Pool: p, Env: env}
}

const jobColumns = `id, kind, status_id, doc_type, doc_number, params, worker_id,
	attempts, max_attempts, processing_started_at, completed_at, last_error, last_error_at,
	ocr_attempts, ocr_worker_id, ocr_started_at, artifact_path, raw_text, boosted_text, created_at`

func (r *QueueRepo) scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j          domain.Job
		kind       string
		statusCode int16
		params     map[string]any
	)
	err := row.Scan(
		&j.ID, &kind, &statusCode, &j.Source.DocType, &j.Source.DocNumber, &params, &j.WorkerID,
		&j.Attempts, &j.MaxAttempts, &j.ProcessingStartedAt, &j.CompletedAt, &j.LastError, &j.LastErrorAt,
		&j.OCRAttempts, &j.OCRWorkerID, &j.OCRStartedAt, &j.ArtifactPath, &j.RawText, &j.BoostedText, &j.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Environment = r.Env
	j.Source.Params = params
	if j.Kind, err = domain.ParseKind(kind); err != nil {
		return nil, err
	}
	if j.Status, err = domain.StatusFromCode(statusCode); err != nil {
		return nil, err
	}
	return &j, nil
}

func kindStrings(kinds []domain.Kind) []string {
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, string(k))
	}
	return out
}

// Enqueue inserts a pending job and returns its id. IDs are ULIDs so the
// claim tie-break on (created_at, id) follows insertion order.
func (r *QueueRepo) Enqueue(ctx domain.Context, kind domain.Kind, src domain.Source, maxAttempts int) (string, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()
	if _, err := domain.ParseKind(string(kind)); err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	id := ulid.Make().String()
	params := src.Params
	if params == nil {
		params = map[string]any{}
	}
	q := `INSERT INTO extraction_queue (id, kind, status_id, doc_type, doc_number, params, max_attempts, created_at)
		VALUES ($1,$2,1,$3,$4,$5,$6,now())`
	if _, err := r.Pool.Exec(ctx, q, id, string(kind), src.DocType, src.DocNumber, params, maxAttempts); err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	return id, nil
}

// ClaimNext atomically takes ownership of the oldest pending job matching the
// kind set. Returns (nil, nil) when no job is available.
func (r *QueueRepo) ClaimNext(ctx domain.Context, workerID string, kinds []domain.Kind) (*domain.Job, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.ClaimNext")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))
	if workerID == "" {
		return nil, fmt.Errorf("op=queue.claim_next: empty worker id: %w", domain.ErrInvalidArgument)
	}
	if len(kinds) == 0 {
		return nil, nil
	}
	q := `UPDATE extraction_queue
		SET worker_id = $1, status_id = 2, processing_started_at = now()
		WHERE id = (
			SELECT id FROM extraction_queue
			WHERE status_id = 1 AND worker_id IS NULL AND kind = ANY($2)
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND worker_id IS NULL
		RETURNING ` + jobColumns
	j, err := r.scanJob(r.Pool.QueryRow(ctx, q, workerID, kindStrings(kinds)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=queue.claim_next: %w", err)
	}
	return j, nil
}

// ClaimNextOCR atomically takes OCR ownership of the oldest job awaiting OCR.
// Returns (nil, nil) when no job is available.
func (r *QueueRepo) ClaimNextOCR(ctx domain.Context, workerID string) (*domain.Job, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.ClaimNextOCR")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))
	if workerID == "" {
		return nil, fmt.Errorf("op=queue.claim_next_ocr: empty worker id: %w", domain.ErrInvalidArgument)
	}
	ocrKinds := []string{string(domain.KindOCRIndex), string(domain.KindOCRActe)}
	q := `UPDATE extraction_queue
		SET ocr_worker_id = $1, status_id = 6, ocr_started_at = now()
		WHERE id = (
			SELECT id FROM extraction_queue
			WHERE status_id = 3 AND ocr_worker_id IS NULL AND kind = ANY($2)
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND ocr_worker_id IS NULL
		RETURNING ` + jobColumns
	j, err := r.scanJob(r.Pool.QueryRow(ctx, q, workerID, ocrKinds))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=queue.claim_next_ocr: %w", err)
	}
	return j, nil
}

// ReportSuccess writes a phase's result fields and advances the status.
// Reports from a worker that no longer owns the claim return ErrConflict and
// change nothing.
func (r *QueueRepo) ReportSuccess(ctx domain.Context, jobID string, out domain.Outcome) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.ReportSuccess")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID), attribute.String("phase", string(out.Phase)))

	var (
		tag pgconn.CommandTag
		err error
	)
	switch out.Phase {
	case domain.PhaseExtraction:
		// Non-OCR kinds are finished at EXTRACTION_DONE; OCR kinds complete
		// only after their OCR pass.
		q := `UPDATE extraction_queue
			SET status_id = 3,
				artifact_path = $3,
				completed_at = CASE WHEN kind = ANY($4) THEN completed_at ELSE now() END,
				last_error = COALESCE(NULLIF($5, ''), last_error),
				last_error_at = CASE WHEN $5 <> '' THEN now() ELSE last_error_at END
			WHERE id = $1 AND status_id = 2 AND worker_id = $2`
		ocrKinds := []string{string(domain.KindOCRIndex), string(domain.KindOCRActe)}
		tag, err = r.Pool.Exec(ctx, q, jobID, out.WorkerID, out.ArtifactPath, ocrKinds, out.Warning)
	case domain.PhaseOCR:
		q := `UPDATE extraction_queue
			SET status_id = 5,
				raw_text = $3,
				boosted_text = $4,
				completed_at = now(),
				last_error = COALESCE(NULLIF($5, ''), last_error),
				last_error_at = CASE WHEN $5 <> '' THEN now() ELSE last_error_at END
			WHERE id = $1 AND status_id = 6 AND ocr_worker_id = $2`
		tag, err = r.Pool.Exec(ctx, q, jobID, out.WorkerID, out.RawText, out.BoostedText, out.Warning)
	default:
		return fmt.Errorf("op=queue.report_success: phase %q: %w", out.Phase, domain.ErrInvalidArgument)
	}
	if err != nil {
		return fmt.Errorf("op=queue.report_success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.report_success: job %s not owned by %s: %w", jobID, out.WorkerID, domain.ErrConflict)
	}
	return nil
}

// ReportFailure applies the retry rule for a phase: while the budget allows
// and the failure is retryable the job returns to the phase's pending state
// with ownership cleared; otherwise it lands in ERROR. Attempts increment on
// every failure.
func (r *QueueRepo) ReportFailure(ctx domain.Context, jobID string, f domain.Failure) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.ReportFailure")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID), attribute.String("phase", string(f.Phase)))

	var (
		tag pgconn.CommandTag
		err error
	)
	switch f.Phase {
	case domain.PhaseExtraction:
		q := `UPDATE extraction_queue
			SET attempts = attempts + 1,
				status_id = CASE WHEN $3 AND attempts + 1 < max_attempts THEN 1 ELSE 4 END,
				worker_id = CASE WHEN $3 AND attempts + 1 < max_attempts THEN NULL ELSE worker_id END,
				processing_started_at = CASE WHEN $3 AND attempts + 1 < max_attempts THEN NULL ELSE processing_started_at END,
				last_error = $4,
				last_error_at = now()
			WHERE id = $1 AND status_id = 2 AND worker_id = $2`
		tag, err = r.Pool.Exec(ctx, q, jobID, f.WorkerID, f.Retryable, f.Message)
	case domain.PhaseOCR:
		q := `UPDATE extraction_queue
			SET ocr_attempts = ocr_attempts + 1,
				status_id = CASE WHEN $3 AND ocr_attempts + 1 < max_attempts THEN 3 ELSE 4 END,
				ocr_worker_id = CASE WHEN $3 AND ocr_attempts + 1 < max_attempts THEN NULL ELSE ocr_worker_id END,
				ocr_started_at = CASE WHEN $3 AND ocr_attempts + 1 < max_attempts THEN NULL ELSE ocr_started_at END,
				last_error = $4,
				last_error_at = now()
			WHERE id = $1 AND status_id = 6 AND ocr_worker_id = $2`
		tag, err = r.Pool.Exec(ctx, q, jobID, f.WorkerID, f.Retryable, f.Message)
	default:
		return fmt.Errorf("op=queue.report_failure: phase %q: %w", f.Phase, domain.ErrInvalidArgument)
	}
	if err != nil {
		return fmt.Errorf("op=queue.report_failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.report_failure: job %s not owned by %s: %w", jobID, f.WorkerID, domain.ErrConflict)
	}
	return nil
}

// Get loads a job by id.
func (r *QueueRepo) Get(ctx domain.Context, jobID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Get")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM extraction_queue WHERE id = $1`
	j, err := r.scanJob(r.Pool.QueryRow(ctx, q, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=queue.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=queue.get: %w", err)
	}
	return *j, nil
}

// CountByStatus returns queue depths keyed by status.
func (r *QueueRepo) CountByStatus(ctx domain.Context) (map[domain.Status]int64, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.CountByStatus")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT status_id, COUNT(*) FROM extraction_queue GROUP BY status_id`)
	if err != nil {
		return nil, fmt.Errorf("op=queue.count_by_status: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.Status]int64)
	for rows.Next() {
		var (
			code  int16
			count int64
		)
		if err := rows.Scan(&code, &count); err != nil {
			return nil, fmt.Errorf("op=queue.count_by_status: %w", err)
		}
		st, err := domain.StatusFromCode(code)
		if err != nil {
			return nil, fmt.Errorf("op=queue.count_by_status: %w", err)
		}
		out[st] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=queue.count_by_status: %w", err)
	}
	return out, nil
}

const monitorMarker = "reset by health monitor"

// ResetStalled reclaims jobs stuck in a processing state past their
// thresholds. Reclaims count against the retry budget, so a job that stalls
// repeatedly still terminates in ERROR.
func (r *QueueRepo) ResetStalled(ctx domain.Context, processingAge, ocrAge time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.ResetStalled")
	defer span.End()

	qProcessing := `UPDATE extraction_queue
		SET attempts = attempts + 1,
			status_id = CASE WHEN attempts + 1 < max_attempts THEN 1 ELSE 4 END,
			worker_id = NULL,
			processing_started_at = NULL,
			last_error = '` + monitorMarker + `: stalled in processing',
			last_error_at = now()
		WHERE status_id = 2 AND processing_started_at < now() - make_interval(secs => $1)`
	tag1, err := r.Pool.Exec(ctx, qProcessing, processingAge.Seconds())
	if err != nil {
		return 0, fmt.Errorf("op=queue.reset_stalled: %w", err)
	}

	qOCR := `UPDATE extraction_queue
		SET ocr_attempts = ocr_attempts + 1,
			status_id = CASE WHEN ocr_attempts + 1 < max_attempts THEN 3 ELSE 4 END,
			ocr_worker_id = NULL,
			ocr_started_at = NULL,
			last_error = '` + monitorMarker + `: stalled in ocr_processing',
			last_error_at = now()
		WHERE status_id = 6 AND ocr_started_at < now() - make_interval(secs => $1)`
	tag2, err := r.Pool.Exec(ctx, qOCR, ocrAge.Seconds())
	if err != nil {
		return tag1.RowsAffected(), fmt.Errorf("op=queue.reset_stalled: %w", err)
	}
	return tag1.RowsAffected() + tag2.RowsAffected(), nil
}

// releaseJobsOwnedBy applies the reset rule to every job owned by the given
// workers, in both phases. Used by dead-worker eviction inside its tx.
func releaseJobsOwnedBy(ctx context.Context, tx pgx.Tx, workerIDs []string) error {
	qProcessing := `UPDATE extraction_queue
		SET attempts = attempts + 1,
			status_id = CASE WHEN attempts + 1 < max_attempts THEN 1 ELSE 4 END,
			worker_id = NULL,
			processing_started_at = NULL,
			last_error = '` + monitorMarker + `: owner presumed dead',
			last_error_at = now()
		WHERE status_id = 2 AND worker_id = ANY($1)`
	if _, err := tx.Exec(ctx, qProcessing, workerIDs); err != nil {
		return err
	}
	qOCR := `UPDATE extraction_queue
		SET ocr_attempts = ocr_attempts + 1,
			status_id = CASE WHEN ocr_attempts + 1 < max_attempts THEN 3 ELSE 4 END,
			ocr_worker_id = NULL,
			ocr_started_at = NULL,
			last_error = '` + monitorMarker + `: owner presumed dead',
			last_error_at = now()
		WHERE status_id = 6 AND ocr_worker_id = ANY($1)`
	if _, err := tx.Exec(ctx, qOCR, workerIDs); err != nil {
		return err
	}
	return nil
}

// KindsToText serializes a worker's kind capabilities for the worker_status
// row; ParseKindsText reverses it.
func KindsToText(kinds []domain.Kind) string {
	return strings.Join(kindStrings(kinds), ",")
}

// ParseKindsText parses the serialized kind list, dropping unknown entries.
func ParseKindsText(s string) []domain.Kind {
	if s == "" {
		return nil
	}
	var out []domain.Kind
	for _, part := range strings.Split(s, ",") {
		if k, err := domain.ParseKind(strings.TrimSpace(part)); err == nil {
			out = append(out, k)
		}
	}
	return out
}
