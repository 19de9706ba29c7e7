package postgres_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quebecregistres/extracteur/internal/adapter/repo/postgres"
	"github.com/quebecregistres/extracteur/internal/domain"
)

func newQueueRepo(p *poolStub) *postgres.QueueRepo {
	return postgres.NewQueueRepo(p, domain.EnvDev)
}

func TestEnqueue_InsertsPendingJob(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := newQueueRepo(pool)

	src := domain.Source{DocType: "index_foncier", DocNumber: "1234567"}
	id, err := repo.Enqueue(context.Background(), domain.KindOCRIndex, src, 0)
	require.NoError(t, err)

	_, err = ulid.Parse(id)
	require.NoError(t, err, "job ids are ULIDs")

	require.Len(t, pool.calls, 1)
	c := pool.calls[0]
	assert.Contains(t, c.sql, "INSERT INTO extraction_queue")
	assert.Equal(t, id, c.args[0])
	assert.Equal(t, "ocr_index", c.args[1])
	assert.Equal(t, map[string]any{}, c.args[4], "nil params stored as empty object")
	assert.Equal(t, domain.DefaultMaxAttempts, c.args[5], "zero budget falls back to the default")
}

func TestEnqueue_RejectsUnknownKind(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := newQueueRepo(pool)

	_, err := repo.Enqueue(context.Background(), domain.Kind("mystery"), domain.Source{}, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Empty(t, pool.calls)
}

func TestEnqueue_WrapsExecError(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execErrs: []error{assert.AnError}}
	repo := newQueueRepo(pool)

	_, err := repo.Enqueue(context.Background(), domain.KindREQ, domain.Source{}, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "op=queue.enqueue")
}

func TestClaimNext_NoPendingJob(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := newQueueRepo(pool)

	j, err := repo.ClaimNext(context.Background(), "w-1", []domain.Kind{domain.KindExtraction})
	require.NoError(t, err)
	assert.Nil(t, j, "an empty queue is not an error")
}

func TestClaimNext_EmptyWorkerID(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := newQueueRepo(pool)

	_, err := repo.ClaimNext(context.Background(), "", []domain.Kind{domain.KindExtraction})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Empty(t, pool.calls)
}

func TestClaimNext_NoKinds(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := newQueueRepo(pool)

	j, err := repo.ClaimNext(context.Background(), "w-1", nil)
	require.NoError(t, err)
	assert.Nil(t, j)
	assert.Empty(t, pool.calls, "a worker with no capabilities never queries")
}

func TestClaimNext_TakesOwnership(t *testing.T) {
	t.Parallel()
	pool := &poolStub{rowQueue: []pgx.Row{
		rowStub{vals: jobRowVals("01JOB", "ocr_acte", 2, "w-1", nil)},
	}}
	repo := newQueueRepo(pool)

	j, err := repo.ClaimNext(context.Background(), "w-1", []domain.Kind{domain.KindOCRActe, domain.KindREQ})
	require.NoError(t, err)
	require.NotNil(t, j)

	assert.Equal(t, "01JOB", j.ID)
	assert.Equal(t, domain.EnvDev, j.Environment, "claims carry the repo's environment")
	assert.Equal(t, domain.KindOCRActe, j.Kind)
	assert.Equal(t, domain.StatusProcessing, j.Status)
	require.NotNil(t, j.WorkerID)
	assert.Equal(t, "w-1", *j.WorkerID)
	assert.Equal(t, "index_foncier", j.Source.DocType)
	assert.Equal(t, "Montréal", j.Source.Params["circonscription"])
	assert.Equal(t, 3, j.MaxAttempts)
	assert.Nil(t, j.CompletedAt)

	require.Len(t, pool.calls, 1)
	c := pool.calls[0]
	assert.Contains(t, c.sql, "FOR UPDATE SKIP LOCKED")
	assert.Contains(t, c.sql, "status_id = 1 AND worker_id IS NULL")
	assert.Contains(t, c.sql, "ORDER BY created_at, id")
	assert.Equal(t, "w-1", c.args[0])
	assert.Equal(t, []string{"ocr_acte", "req"}, c.args[1])
}

func TestClaimNext_RejectsCorruptRow(t *testing.T) {
	t.Parallel()
	pool := &poolStub{rowQueue: []pgx.Row{
		rowStub{vals: jobRowVals("01JOB", "mystery", 2, "w-1", nil)},
	}}
	repo := newQueueRepo(pool)

	_, err := repo.ClaimNext(context.Background(), "w-1", []domain.Kind{domain.KindExtraction})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "op=queue.claim_next")
}

func TestClaimNextOCR_TargetsExtractionDone(t *testing.T) {
	t.Parallel()
	pool := &poolStub{rowQueue: []pgx.Row{
		rowStub{vals: jobRowVals("01JOB", "ocr_index", 6, "w-1", "w-ocr")},
	}}
	repo := newQueueRepo(pool)

	j, err := repo.ClaimNextOCR(context.Background(), "w-ocr")
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, domain.StatusOCRProcessing, j.Status)
	require.NotNil(t, j.OCRWorkerID)
	assert.Equal(t, "w-ocr", *j.OCRWorkerID)

	require.Len(t, pool.calls, 1)
	c := pool.calls[0]
	assert.Contains(t, c.sql, "status_id = 3 AND ocr_worker_id IS NULL")
	assert.Equal(t, "w-ocr", c.args[0])
	assert.Equal(t, []string{"ocr_index", "ocr_acte"}, c.args[1], "only OCR-capable kinds qualify")
}

func TestClaimNextOCR_NoneAwaiting(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := newQueueRepo(pool)

	j, err := repo.ClaimNextOCR(context.Background(), "w-ocr")
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestReportSuccess_ExtractionPhase(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := newQueueRepo(pool)

	out := domain.Outcome{
		Phase:        domain.PhaseExtraction,
		WorkerID:     "w-1",
		ArtifactPath: "dev/01JOB/doc.pdf",
		Warning:      "2 of 14 pages failed",
	}
	require.NoError(t, repo.ReportSuccess(context.Background(), "01JOB", out))

	require.Len(t, pool.calls, 1)
	c := pool.calls[0]
	assert.Contains(t, c.sql, "SET status_id = 3")
	assert.Contains(t, c.sql, "status_id = 2 AND worker_id = $2", "only the claim owner may report")
	assert.Contains(t, c.sql, "CASE WHEN kind = ANY($4) THEN completed_at ELSE now() END",
		"OCR kinds stay open until their OCR pass")
	assert.Equal(t, "01JOB", c.args[0])
	assert.Equal(t, "w-1", c.args[1])
	assert.Equal(t, "dev/01JOB/doc.pdf", c.args[2])
	assert.Equal(t, "2 of 14 pages failed", c.args[4])
}

func TestReportSuccess_OCRPhase(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := newQueueRepo(pool)

	out := domain.Outcome{
		Phase:       domain.PhaseOCR,
		WorkerID:    "w-ocr",
		RawText:     "--- Page 1 ---\nraw",
		BoostedText: "--- Page 1 ---\nboosted",
	}
	require.NoError(t, repo.ReportSuccess(context.Background(), "01JOB", out))

	require.Len(t, pool.calls, 1)
	c := pool.calls[0]
	assert.Contains(t, c.sql, "SET status_id = 5")
	assert.Contains(t, c.sql, "status_id = 6 AND ocr_worker_id = $2")
	assert.Equal(t, "--- Page 1 ---\nraw", c.args[2])
	assert.Equal(t, "--- Page 1 ---\nboosted", c.args[3])
}

func TestReportSuccess_LostClaim(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTags: []pgconn.CommandTag{tagUpdated(0)}}
	repo := newQueueRepo(pool)

	out := domain.Outcome{Phase: domain.PhaseExtraction, WorkerID: "w-late"}
	err := repo.ReportSuccess(context.Background(), "01JOB", out)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict, "a reclaimed job ignores the late report")
	assert.Contains(t, err.Error(), "01JOB")
}

func TestReportSuccess_UnknownPhase(t *testing.T) {
	t.Parallel()
	repo := newQueueRepo(&poolStub{})

	err := repo.ReportSuccess(context.Background(), "01JOB", domain.Outcome{Phase: "warmup"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestReportFailure_RetryableReturnsToPending(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := newQueueRepo(pool)

	f := domain.Failure{Phase: domain.PhaseExtraction, WorkerID: "w-1", Message: "upstream timeout", Retryable: true}
	require.NoError(t, repo.ReportFailure(context.Background(), "01JOB", f))

	require.Len(t, pool.calls, 1)
	c := pool.calls[0]
	assert.Contains(t, c.sql, "attempts = attempts + 1")
	assert.Contains(t, c.sql, "CASE WHEN $3 AND attempts + 1 < max_attempts THEN 1 ELSE 4 END")
	assert.Contains(t, c.sql, "status_id = 2 AND worker_id = $2")
	assert.Equal(t, true, c.args[2])
	assert.Equal(t, "upstream timeout", c.args[3])
}

func TestReportFailure_OCRPhase(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := newQueueRepo(pool)

	f := domain.Failure{Phase: domain.PhaseOCR, WorkerID: "w-ocr", Message: "model 500", Retryable: true}
	require.NoError(t, repo.ReportFailure(context.Background(), "01JOB", f))

	require.Len(t, pool.calls, 1)
	c := pool.calls[0]
	assert.Contains(t, c.sql, "ocr_attempts = ocr_attempts + 1")
	assert.Contains(t, c.sql, "CASE WHEN $3 AND ocr_attempts + 1 < max_attempts THEN 3 ELSE 4 END",
		"retryable OCR failures return to EXTRACTION_DONE")
	assert.Contains(t, c.sql, "status_id = 6 AND ocr_worker_id = $2")
}

func TestReportFailure_LostClaim(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTags: []pgconn.CommandTag{tagUpdated(0)}}
	repo := newQueueRepo(pool)

	f := domain.Failure{Phase: domain.PhaseOCR, WorkerID: "w-late", Message: "late"}
	err := repo.ReportFailure(context.Background(), "01JOB", f)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()
	repo := newQueueRepo(&poolStub{})

	_, err := repo.Get(context.Background(), "01MISSING")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "op=queue.get")
}

func TestGet_ReturnsJob(t *testing.T) {
	t.Parallel()
	pool := &poolStub{rowQueue: []pgx.Row{
		rowStub{vals: jobRowVals("01JOB", "rdprm", 1, nil, nil)},
	}}
	repo := newQueueRepo(pool)

	j, err := repo.Get(context.Background(), "01JOB")
	require.NoError(t, err)
	assert.Equal(t, domain.KindRDPRM, j.Kind)
	assert.Equal(t, domain.StatusPending, j.Status)
	assert.Nil(t, j.WorkerID)
}

func TestCountByStatus(t *testing.T) {
	t.Parallel()
	pool := &poolStub{queryRows: &rowsStub{rows: [][]any{
		{int16(1), int64(7)},
		{int16(4), int64(2)},
		{int16(5), int64(41)},
	}}}
	repo := newQueueRepo(pool)

	got, err := repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[domain.Status]int64{
		domain.StatusPending: 7,
		domain.StatusError:   2,
		domain.StatusOCRDone: 41,
	}, got)
}

func TestCountByStatus_UnknownCode(t *testing.T) {
	t.Parallel()
	pool := &poolStub{queryRows: &rowsStub{rows: [][]any{{int16(9), int64(1)}}}}
	repo := newQueueRepo(pool)

	_, err := repo.CountByStatus(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestResetStalled_SweepsBothPhases(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTags: []pgconn.CommandTag{tagUpdated(3), tagUpdated(2)}}
	repo := newQueueRepo(pool)

	n, err := repo.ResetStalled(context.Background(), 3*time.Minute, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	require.Len(t, pool.calls, 2)
	proc, ocr := pool.calls[0], pool.calls[1]
	assert.Contains(t, proc.sql, "status_id = 2 AND processing_started_at <")
	assert.Contains(t, proc.sql, "reset by health monitor: stalled in processing")
	assert.Contains(t, proc.sql, "CASE WHEN attempts + 1 < max_attempts THEN 1 ELSE 4 END",
		"resets count against the retry budget")
	assert.Equal(t, float64(180), proc.args[0])

	assert.Contains(t, ocr.sql, "status_id = 6 AND ocr_started_at <")
	assert.Contains(t, ocr.sql, "reset by health monitor: stalled in ocr_processing")
	assert.Equal(t, float64(600), ocr.args[0])
}

func TestResetStalled_FirstSweepFails(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execErrs: []error{assert.AnError}}
	repo := newQueueRepo(pool)

	n, err := repo.ResetStalled(context.Background(), 3*time.Minute, 10*time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=queue.reset_stalled")
	assert.Zero(t, n)
	assert.Len(t, pool.calls, 1, "the OCR sweep is skipped after a failure")
}

func TestKindsTextRoundTrip(t *testing.T) {
	t.Parallel()
	kinds := []domain.Kind{domain.KindExtraction, domain.KindOCRIndex, domain.KindOCRActe}
	s := postgres.KindsToText(kinds)
	assert.Equal(t, "extraction,ocr_index,ocr_acte", s)
	assert.Equal(t, kinds, postgres.ParseKindsText(s))
}

func TestParseKindsText_DropsUnknown(t *testing.T) {
	t.Parallel()
	got := postgres.ParseKindsText("extraction, mystery ,rdprm")
	assert.Equal(t, []domain.Kind{domain.KindExtraction, domain.KindRDPRM}, got)
	assert.Nil(t, postgres.ParseKindsText(""))
	assert.False(t, strings.Contains(postgres.KindsToText(nil), ","))
}
