package ocr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/quebecregistres/extracteur/internal/domain"
)

// stageConfig bounds one parallel stage of the pipeline.
type stageConfig struct {
	Name          string
	MaxConcurrent int64
	Stagger       time.Duration
	CallTimeout   time.Duration
}

// stageResult is one task's outcome in its fixed slot; the slice index is
// the task's position in the stage input.
type stageResult[T any] struct {
	Value T
	Err   error
}

// mapPages runs one task per input with bounded concurrency and a fixed
// wait between launches, never between completions. Results land in slots
// indexed by input position, so output order matches input order whatever
// the completion order. A failed task cancels nothing; callers read
// per-slot errors. A canceled context fails the not-yet-launched remainder
// and leaves in-flight tasks to wind down on their own.
func mapPages[T any](ctx context.Context, cfg stageConfig, n int, run func(ctx context.Context, i int) (T, error)) []stageResult[T] {
	out := make([]stageResult[T], n)
	if n == 0 {
		return out
	}
	sem := semaphore.NewWeighted(cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		if i > 0 && cfg.Stagger > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(cfg.Stagger):
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			out[i] = stageResult[T]{Err: fmt.Errorf("op=ocr.%s: not launched: %w", cfg.Name, err)}
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			v, err := run(ctx, i)
			out[i] = stageResult[T]{Value: v, Err: err}
		}(i)
	}
	wg.Wait()
	return out
}

// minStall floors limiter-suggested delays so a zero or sub-tick answer
// cannot busy-loop the acquire.
const minStall = 50 * time.Millisecond

// callModel runs one upstream call under the stage's per-call deadline,
// spending from the limiter first. Limiter stalls sleep and re-ask without
// touching the attempt budget; failures of the call itself retry per the
// policy while the taxonomy says a retry could heal.
func callModel[T any](ctx context.Context, p *Pipeline, cfg stageConfig, api string, costRequests, costTokens int64, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		if err := p.acquire(ctx, api, costRequests, costTokens); err != nil {
			return zero, err
		}

		cctx := ctx
		cancel := func() {}
		if cfg.CallTimeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, cfg.CallTimeout)
		}
		v, err := call(cctx)
		cancel()
		if err == nil {
			return v, nil
		}
		if !domain.Retryable(err) || p.retry.Exhausted(attempt) {
			return zero, err
		}

		delay := p.retry.Delay(attempt)
		slog.Info("model call will retry",
			slog.String("stage", cfg.Name),
			slog.String("api", api),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}
}
