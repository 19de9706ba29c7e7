package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/quebecregistres/extracteur/internal/adapter/observability"
	"github.com/quebecregistres/extracteur/internal/domain"
	"github.com/quebecregistres/extracteur/internal/extractor"
	"github.com/quebecregistres/extracteur/internal/ocr"
)

const (
	// DefaultPollInterval is the idle poll period when config supplies none.
	DefaultPollInterval = 7500 * time.Millisecond

	// DefaultExtractionDeadline and DefaultOCRDeadline bound one job's
	// execution. The health monitor's stall thresholds are shorter, so a job
	// that outlives them has usually been reclaimed before its deadline
	// fires; the deadline is the worker-side stop for work nobody wants
	// anymore.
	DefaultExtractionDeadline = 10 * time.Minute
	DefaultOCRDeadline        = 15 * time.Minute

	defaultIdleHeartbeat = 15 * time.Second
	defaultBusyHeartbeat = 60 * time.Second

	pollJitterFraction = 0.25
	maxErrorLen        = 2000
)

// DocumentProcessor runs the OCR phase of one claimed job.
type DocumentProcessor interface {
	Process(ctx context.Context, job domain.Job) (ocr.Result, error)
}

// Params wires one Worker. Zero durations fall back to the defaults above;
// an empty ID gets a fresh UUID.
type Params struct {
	ID         string
	Kinds      []domain.Kind
	Gateway    domain.Gateway
	Dispatcher *Dispatcher
	Extractors *extractor.Registry
	OCR        DocumentProcessor

	PollInterval       time.Duration
	IdleHeartbeat      time.Duration
	BusyHeartbeat      time.Duration
	ExtractionDeadline time.Duration
	OCRDeadline        time.Duration
}

// Worker is one processing unit: it registers, polls through its dispatcher,
// claims one job at a time, executes it and reports the outcome. All fields
// are owned by the Run goroutine; heartbeat fan-out goroutines work on row
// copies.
type Worker struct {
	id         string
	kinds      []domain.Kind
	gw         domain.Gateway
	dispatch   *Dispatcher
	extractors *extractor.Registry
	ocr        DocumentProcessor

	poll               time.Duration
	idleBeat           time.Duration
	busyBeat           time.Duration
	extractionDeadline time.Duration
	ocrDeadline        time.Duration

	startedAt time.Time
	lastBeat  time.Time
	completed int
	failed    int

	// registered is the one field read off the Run goroutine, by readiness
	// checks.
	registered atomic.Bool
}

// New builds a Worker from p.
func New(p Params) *Worker {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	w := &Worker{
		id:                 id,
		kinds:              p.Kinds,
		gw:                 p.Gateway,
		dispatch:           p.Dispatcher,
		extractors:         p.Extractors,
		ocr:                p.OCR,
		poll:               p.PollInterval,
		idleBeat:           p.IdleHeartbeat,
		busyBeat:           p.BusyHeartbeat,
		extractionDeadline: p.ExtractionDeadline,
		ocrDeadline:        p.OCRDeadline,
	}
	if w.poll <= 0 {
		w.poll = DefaultPollInterval
	}
	if w.idleBeat <= 0 {
		w.idleBeat = defaultIdleHeartbeat
	}
	if w.busyBeat <= 0 {
		w.busyBeat = defaultBusyHeartbeat
	}
	if w.extractionDeadline <= 0 {
		w.extractionDeadline = DefaultExtractionDeadline
	}
	if w.ocrDeadline <= 0 {
		w.ocrDeadline = DefaultOCRDeadline
	}
	return w
}

// ID returns the worker's identity as published in liveness rows.
func (w *Worker) ID() string { return w.id }

// claimKinds returns the kinds this worker claims extraction work for. A
// worker without an extractor registry executes nothing in that phase and
// claims nothing there; it lives off OCR-phase claims alone.
func (w *Worker) claimKinds() []domain.Kind {
	if w.extractors == nil {
		return nil
	}
	return w.kinds
}

// Registered reports whether the worker has written its first liveness row.
func (w *Worker) Registered() bool { return w.registered.Load() }

// Run drives the worker until ctx is canceled: register, poll, claim, execute,
// report. Cancellation stops polling; a job already claimed runs on to its own
// deadline, then the worker drains and goes offline. Run always returns nil;
// infrastructure failures are logged and ridden out, never fatal to the loop.
func (w *Worker) Run(ctx context.Context) error {
	// Heartbeats, reports and the offline transition must outlive the run
	// context, or a drain could never be recorded.
	hbCtx := context.WithoutCancel(ctx)

	w.startedAt = time.Now().UTC()
	w.beat(hbCtx, domain.WorkerIdle, nil)
	w.registered.Store(true)
	slog.Info("worker registered",
		slog.String("worker_id", w.id),
		slog.String("kinds", fmt.Sprintf("%v", w.kinds)))

	for ctx.Err() == nil {
		job, err := w.dispatch.Next(ctx, w.id, w.claimKinds(), w.ocr != nil)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Warn("dispatch poll failed",
				slog.String("worker_id", w.id),
				slog.Any("error", err))
			sleepCtx(ctx, w.jitteredPoll())
			continue
		}
		if job == nil {
			w.maybeIdleBeat(hbCtx)
			sleepCtx(ctx, w.jitteredPoll())
			continue
		}
		w.runJob(ctx, hbCtx, *job)
	}

	w.beat(hbCtx, domain.WorkerDraining, nil)
	w.markOffline(hbCtx)
	slog.Info("worker offline",
		slog.String("worker_id", w.id),
		slog.Int("jobs_completed", w.completed),
		slog.Int("jobs_failed", w.failed))
	return nil
}

func (w *Worker) runJob(runCtx, hbCtx context.Context, job domain.Job) {
	phase := phaseFor(job)
	deadline := w.extractionDeadline
	if phase == domain.PhaseOCR {
		deadline = w.ocrDeadline
	}
	slog.Info("job claimed",
		slog.String("worker_id", w.id),
		slog.String("job_id", job.ID),
		slog.String("environment", string(job.Environment)),
		slog.String("kind", string(job.Kind)),
		slog.String("phase", string(phase)))
	w.beat(hbCtx, domain.WorkerBusy, &job.ID)

	// Busy-cadence heartbeats run beside the job on a private row copy; once
	// the run context is canceled they publish draining so the fleet can see
	// the worker is finishing up, not stuck.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		row := w.row(domain.WorkerBusy, &job.ID)
		t := time.NewTicker(w.busyBeat)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				row.State = domain.WorkerBusy
				if runCtx.Err() != nil {
					row.State = domain.WorkerDraining
				}
				row.LastHeartbeat = time.Now().UTC()
				w.fanOut(hbCtx, row)
			}
		}
	}()

	// The job survives a shutdown signal; only its own hard deadline cancels
	// it. Work abandoned past that is recovered by reclaim, not cancellation.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), deadline)
	started := time.Now()
	out, err := w.execute(jobCtx, phase, job)
	cancel()
	close(stop)
	wg.Wait()

	took := time.Since(started)
	if err != nil {
		f := domain.Failure{
			Phase:     phase,
			WorkerID:  w.id,
			Message:   clipMessage(err.Error()),
			Retryable: retryAllowed(err),
		}
		if rerr := w.gw.ReportFailure(hbCtx, job.Environment, job.ID, f); rerr != nil {
			slog.Error("failure report lost, job awaits reclaim",
				slog.String("worker_id", w.id),
				slog.String("job_id", job.ID),
				slog.Any("error", rerr))
		}
		w.failed++
		observability.ObserveJobFailed(string(job.Environment), string(job.Kind), string(phase), failureOutcome(job, phase, f.Retryable), took)
		slog.Error("job failed",
			slog.String("worker_id", w.id),
			slog.String("job_id", job.ID),
			slog.String("phase", string(phase)),
			slog.Bool("retryable", f.Retryable),
			slog.Duration("took", took),
			slog.Any("error", err))
	} else {
		if rerr := w.gw.ReportSuccess(hbCtx, job.Environment, job.ID, out); rerr != nil {
			slog.Error("success report lost, job awaits reclaim",
				slog.String("worker_id", w.id),
				slog.String("job_id", job.ID),
				slog.Any("error", rerr))
		}
		w.completed++
		observability.ObserveJobDone(string(job.Environment), string(job.Kind), string(phase), took)
		slog.Info("job done",
			slog.String("worker_id", w.id),
			slog.String("job_id", job.ID),
			slog.String("phase", string(phase)),
			slog.Duration("took", took))
	}

	state := domain.WorkerIdle
	if runCtx.Err() != nil {
		state = domain.WorkerDraining
	}
	w.beat(hbCtx, state, nil)
}

// execute runs the phase-appropriate executor and shapes its result into the
// outcome the gateway writes.
func (w *Worker) execute(ctx context.Context, phase domain.Phase, job domain.Job) (domain.Outcome, error) {
	switch phase {
	case domain.PhaseExtraction:
		if w.extractors == nil {
			return domain.Outcome{}, fmt.Errorf("op=worker.execute job=%s: no extractor registry wired: %w", job.ID, domain.ErrInvalidArgument)
		}
		exec, err := w.extractors.For(job.Kind)
		if err != nil {
			return domain.Outcome{}, err
		}
		path, err := exec.Run(ctx, job)
		if err != nil {
			return domain.Outcome{}, err
		}
		return domain.Outcome{Phase: phase, WorkerID: w.id, ArtifactPath: path}, nil
	case domain.PhaseOCR:
		if w.ocr == nil {
			return domain.Outcome{}, fmt.Errorf("op=worker.execute job=%s: no ocr pipeline wired: %w", job.ID, domain.ErrInvalidArgument)
		}
		res, err := w.ocr.Process(ctx, job)
		if err != nil {
			return domain.Outcome{}, err
		}
		return domain.Outcome{
			Phase:       phase,
			WorkerID:    w.id,
			RawText:     res.RawText,
			BoostedText: res.BoostedText,
			Warning:     res.Warning,
		}, nil
	}
	return domain.Outcome{}, fmt.Errorf("op=worker.execute job=%s: phase %q: %w", job.ID, phase, domain.ErrInternal)
}

// beat publishes one liveness row and remembers when. Liveness rows fan out
// to every environment the worker polls, because each environment's eviction
// pass only sees its own worker_status table.
func (w *Worker) beat(ctx context.Context, state domain.WorkerState, jobID *string) {
	w.fanOut(ctx, w.row(state, jobID))
	w.lastBeat = time.Now()
}

func (w *Worker) fanOut(ctx context.Context, row domain.Worker) {
	for _, env := range w.gw.Environments() {
		if err := w.gw.Heartbeat(ctx, env, row); err != nil {
			slog.Warn("heartbeat write failed",
				slog.String("worker_id", w.id),
				slog.String("environment", string(env)),
				slog.Any("error", err))
		}
	}
}

func (w *Worker) maybeIdleBeat(ctx context.Context) {
	if time.Since(w.lastBeat) >= w.idleBeat {
		w.beat(ctx, domain.WorkerIdle, nil)
	}
}

func (w *Worker) markOffline(ctx context.Context) {
	for _, env := range w.gw.Environments() {
		if err := w.gw.MarkOffline(ctx, env, w.id); err != nil {
			slog.Warn("offline transition write failed",
				slog.String("worker_id", w.id),
				slog.String("environment", string(env)),
				slog.Any("error", err))
		}
	}
}

func (w *Worker) row(state domain.WorkerState, jobID *string) domain.Worker {
	return domain.Worker{
		ID:            w.id,
		State:         state,
		Kinds:         w.kinds,
		CurrentJobID:  jobID,
		LastHeartbeat: time.Now().UTC(),
		JobsCompleted: w.completed,
		JobsFailed:    w.failed,
		StartedAt:     w.startedAt,
	}
}

func (w *Worker) jitteredPoll() time.Duration {
	d := float64(w.poll)
	span := d * pollJitterFraction
	return time.Duration(d - span + rand.Float64()*2*span) //nolint:gosec // scheduling jitter, not crypto
}

func phaseFor(job domain.Job) domain.Phase {
	if job.Status == domain.StatusOCRProcessing {
		return domain.PhaseOCR
	}
	return domain.PhaseExtraction
}

// retryAllowed maps an execution error onto the job retry rule. Canceled and
// deadline errors ride the retry path: a drain deadline or a reclaimed claim
// must not push the job to its terminal state.
func retryAllowed(err error) bool {
	if domain.Retryable(err) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// failureOutcome labels the metric with where the gateway's retry rule will
// land the job: back in its pending state or terminal.
func failureOutcome(job domain.Job, phase domain.Phase, retryable bool) string {
	if !retryable {
		return "terminal"
	}
	attempts := job.Attempts
	if phase == domain.PhaseOCR {
		attempts = job.OCRAttempts
	}
	if attempts+1 < job.MaxAttempts {
		return "retried"
	}
	return "terminal"
}

func clipMessage(s string) string {
	if len(s) <= maxErrorLen {
		return s
	}
	return s[:maxErrorLen]
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
