// Package worker runs the long-lived processing units of the platform: the
// polling loop that claims one job at a time, executes it through the
// extractor registry or the OCR pipeline, reports the outcome, and keeps
// liveness rows fresh while doing so.
package worker

import (
	"context"

	"github.com/quebecregistres/extracteur/internal/adapter/observability"
	"github.com/quebecregistres/extracteur/internal/domain"
)

// Dispatcher decides which queue a worker polls next. Environments rotate
// round-robin with a cursor that persists across polls so no environment is
// starved; within an environment, OCR work is offered first when the worker
// can run the OCR pipeline and the environment has OCR enabled. The
// dispatcher claims nothing itself; it relays the gateway's claim results.
//
// A Dispatcher is owned by exactly one worker and is not safe for shared use.
type Dispatcher struct {
	gw         domain.Gateway
	ocrEnabled map[domain.Environment]bool
	cursor     int
}

// NewDispatcher builds a dispatcher over gw. ocrEnabled flags OCR polling per
// environment; a missing entry means disabled.
func NewDispatcher(gw domain.Gateway, ocrEnabled map[domain.Environment]bool) *Dispatcher {
	return &Dispatcher{gw: gw, ocrEnabled: ocrEnabled}
}

// Next scans every environment once, starting at the cursor, and returns the
// first claim that lands. kinds is the extraction-phase claim set; empty
// means the worker takes no extraction work. ocrCapable workers are offered
// OCR-phase work first. No claimable work is (nil, nil). A claim error in
// one environment does not stop the scan; it surfaces only when the whole
// poll comes up empty, so the caller can log it and poll again.
func (d *Dispatcher) Next(ctx context.Context, workerID string, kinds []domain.Kind, ocrCapable bool) (*domain.Job, error) {
	envs := d.gw.Environments()
	if len(envs) == 0 {
		return nil, nil
	}
	start := d.cursor % len(envs)
	d.cursor = (start + 1) % len(envs)

	var firstErr error
	for off := 0; off < len(envs); off++ {
		env := envs[(start+off)%len(envs)]

		if ocrCapable && d.ocrEnabled[env] {
			job, err := d.gw.ClaimNextOCR(ctx, env, workerID)
			switch {
			case err != nil:
				if firstErr == nil {
					firstErr = err
				}
			case job != nil:
				observability.ObserveClaim(string(env), string(domain.PhaseOCR))
				return job, nil
			}
		}

		if len(kinds) == 0 {
			continue
		}
		job, err := d.gw.ClaimNext(ctx, env, workerID, kinds)
		switch {
		case err != nil:
			if firstErr == nil {
				firstErr = err
			}
		case job != nil:
			observability.ObserveClaim(string(env), string(domain.PhaseExtraction))
			return job, nil
		}
	}
	return nil, firstErr
}
