// Package app wires application components and startup helpers: the
// supervisor that owns a process's worker fleet, readiness checks, the ops
// HTTP router and the per-environment store routing.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quebecregistres/extracteur/internal/domain"
	"github.com/quebecregistres/extracteur/internal/extractor"
	"github.com/quebecregistres/extracteur/internal/service/capacity"
	"github.com/quebecregistres/extracteur/internal/worker"
)

// DefaultDrainDeadline bounds the wait for in-flight jobs after a shutdown
// signal. Jobs abandoned past it are recovered by the health monitor.
const DefaultDrainDeadline = 90 * time.Second

var (
	// ErrNoWorkersAdmitted reports a startup where every planned worker was
	// denied capacity; the process would have nothing to run.
	ErrNoWorkersAdmitted = errors.New("no workers admitted")

	// ErrDrainDeadline reports workers still busy past the shutdown bound.
	ErrDrainDeadline = errors.New("drain deadline exceeded")
)

// Plan is the worker fleet one supervisor runs: extraction workers claim the
// download phase of every wired kind, OCR workers claim only the OCR phase
// of documents whose download already landed.
type Plan struct {
	ExtractionWorkers int
	OCRWorkers        int
}

// SupervisorParams wires one Supervisor. OCR may be nil when no pipeline is
// configured; OCR workers are then skipped with a warning.
type SupervisorParams struct {
	Gateway    domain.Gateway
	Capacity   domain.CapacityManager
	Extractors *extractor.Registry
	OCR        worker.DocumentProcessor
	OCRFlags   map[domain.Environment]bool

	Plan          Plan
	PollInterval  time.Duration
	DrainDeadline time.Duration
}

// Supervisor admits the planned workers against the capacity ceilings, runs
// the admitted ones, forwards shutdown and bounds the drain wait. Admission
// denial skips that worker and shrinks the fleet; it is not fatal.
type Supervisor struct {
	gw       domain.Gateway
	capacity domain.CapacityManager
	registry *extractor.Registry
	ocrProc  worker.DocumentProcessor
	ocrFlags map[domain.Environment]bool

	plan      Plan
	poll      time.Duration
	drainWait time.Duration

	mu      sync.Mutex
	workers []*worker.Worker
}

// NewSupervisor builds a Supervisor from p.
func NewSupervisor(p SupervisorParams) *Supervisor {
	s := &Supervisor{
		gw:        p.Gateway,
		capacity:  p.Capacity,
		registry:  p.Extractors,
		ocrProc:   p.OCR,
		ocrFlags:  p.OCRFlags,
		plan:      p.Plan,
		poll:      p.PollInterval,
		drainWait: p.DrainDeadline,
	}
	if s.drainWait <= 0 {
		s.drainWait = DefaultDrainDeadline
	}
	return s
}

// Run admits and starts the fleet, then blocks until every worker has gone
// offline. Canceling ctx starts the drain: polling stops, in-flight jobs
// finish, and past the drain deadline Run gives up with ErrDrainDeadline,
// leaving the stragglers' jobs to the health monitor.
func (s *Supervisor) Run(ctx context.Context) error {
	admitted, err := s.buildFleet(ctx)
	if err != nil {
		return err
	}
	if len(admitted) == 0 {
		return fmt.Errorf("op=app.supervisor: %w", ErrNoWorkersAdmitted)
	}

	// Releases happen after the run context is already canceled.
	releaseCtx := context.WithoutCancel(ctx)

	var running atomic.Int64
	running.Store(int64(len(admitted)))

	var g errgroup.Group
	for _, w := range admitted {
		g.Go(func() error {
			defer func() {
				running.Add(-1)
				if err := s.capacity.Release(releaseCtx, w.ID()); err != nil {
					slog.Error("capacity release failed",
						slog.String("worker_id", w.ID()),
						slog.Any("error", err))
				}
			}()
			return w.Run(ctx)
		})
	}
	slog.Info("supervisor running", slog.Int("workers", len(admitted)))

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	slog.Info("supervisor draining",
		slog.Int64("workers_running", running.Load()),
		slog.Duration("deadline", s.drainWait))
	select {
	case <-done:
		slog.Info("supervisor drained")
		return nil
	case <-time.After(s.drainWait):
		return fmt.Errorf("op=app.supervisor: %d workers still running after %s: %w",
			running.Load(), s.drainWait, ErrDrainDeadline)
	}
}

// Ready reports whether at least one worker has registered. The ops readiness
// endpoint combines this with the store checks.
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workers {
		if w.Registered() {
			return true
		}
	}
	return false
}

// ReadyCheck adapts Ready to the check shape the ops router takes.
func (s *Supervisor) ReadyCheck(context.Context) error {
	if !s.Ready() {
		return errors.New("no worker registered")
	}
	return nil
}

// buildFleet admits and constructs the planned workers. A capacity denial
// logs and skips that worker; any other admission failure aborts startup.
func (s *Supervisor) buildFleet(ctx context.Context) ([]*worker.Worker, error) {
	extractionKinds := s.registry.Kinds()

	var admitted []*worker.Worker
	add := func(class string, kinds []domain.Kind, profile domain.ResourceProfile, reg *extractor.Registry, proc worker.DocumentProcessor) error {
		id := uuid.NewString()
		if err := s.capacity.Admit(ctx, id, profile); err != nil {
			if errors.Is(err, domain.ErrCapacityDenied) {
				slog.Warn("worker admission denied",
					slog.String("class", class),
					slog.Float64("cpu", profile.CPUUnits),
					slog.Float64("ram_gb", profile.RAMGB),
					slog.Any("error", err))
				return nil
			}
			return fmt.Errorf("op=app.supervisor class=%s: %w", class, err)
		}
		admitted = append(admitted, worker.New(worker.Params{
			ID:           id,
			Kinds:        kinds,
			Gateway:      s.gw,
			Dispatcher:   worker.NewDispatcher(s.gw, s.ocrFlags),
			Extractors:   reg,
			OCR:          proc,
			PollInterval: s.poll,
		}))
		return nil
	}

	switch {
	case len(extractionKinds) == 0 && s.plan.ExtractionWorkers > 0:
		slog.Warn("no extraction kinds wired, extraction workers skipped")
	default:
		for i := 0; i < s.plan.ExtractionWorkers; i++ {
			if err := add("extraction", extractionKinds, capacity.ProfileExtraction, s.registry, nil); err != nil {
				return nil, err
			}
		}
	}

	switch {
	case s.plan.OCRWorkers == 0:
	case s.ocrProc == nil:
		slog.Warn("no ocr pipeline wired, ocr workers skipped")
	default:
		for i := 0; i < s.plan.OCRWorkers; i++ {
			if err := add("ocr", domain.OCRKinds(), capacity.ProfileOCR, nil, s.ocrProc); err != nil {
				return nil, err
			}
		}
	}

	s.mu.Lock()
	s.workers = admitted
	s.mu.Unlock()
	return admitted, nil
}
