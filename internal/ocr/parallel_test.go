package ocr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/quebecregistres/extracteur/internal/domain"
)

// fakeLimiter scripts denials and records every acquire.
type fakeLimiter struct {
	mu         sync.Mutex
	denials    int
	retryAfter time.Duration
	err        error
	acquires   []acquireRec
}

type acquireRec struct {
	api      string
	requests int64
	tokens   int64
}

func (f *fakeLimiter) TryAcquire(_ context.Context, api string, costRequests, costTokens int64) (bool, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires = append(f.acquires, acquireRec{api: api, requests: costRequests, tokens: costTokens})
	if f.err != nil {
		return true, 0, f.err
	}
	if f.denials > 0 {
		f.denials--
		return false, f.retryAfter, nil
	}
	return true, 0, nil
}

func (f *fakeLimiter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acquires)
}

func fastRetryPolicy() domain.RetryPolicy {
	return domain.RetryPolicy{
		MaxAttempts:    3,
		InitialDelay:   time.Millisecond,
		MaxDelay:       4 * time.Millisecond,
		Multiplier:     2.0,
		JitterFraction: 0,
	}
}

func TestMapPages_PreservesInputOrder(t *testing.T) {
	t.Parallel()

	cfg := stageConfig{Name: "count", MaxConcurrent: 4}
	out := mapPages(context.Background(), cfg, 8, func(_ context.Context, i int) (int, error) {
		time.Sleep(time.Duration((8-i)%3) * 5 * time.Millisecond)
		return i * 10, nil
	})

	if len(out) != 8 {
		t.Fatalf("len(out) = %d, want 8", len(out))
	}
	for i, r := range out {
		if r.Err != nil {
			t.Fatalf("slot %d: unexpected error: %v", i, r.Err)
		}
		if r.Value != i*10 {
			t.Fatalf("slot %d = %d, want %d", i, r.Value, i*10)
		}
	}
}

func TestMapPages_BoundsConcurrency(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	cur, peak := 0, 0

	cfg := stageConfig{Name: "extract", MaxConcurrent: 3}
	out := mapPages(context.Background(), cfg, 10, func(_ context.Context, i int) (struct{}, error) {
		mu.Lock()
		cur++
		if cur > peak {
			peak = cur
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		cur--
		mu.Unlock()
		return struct{}{}, nil
	})

	for i, r := range out {
		if r.Err != nil {
			t.Fatalf("slot %d: unexpected error: %v", i, r.Err)
		}
	}
	if peak > 3 {
		t.Fatalf("peak concurrency = %d, want at most 3", peak)
	}
}

func TestMapPages_StaggersLaunches(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var launches []time.Time

	cfg := stageConfig{Name: "boost", MaxConcurrent: 10, Stagger: 30 * time.Millisecond}
	mapPages(context.Background(), cfg, 3, func(_ context.Context, i int) (struct{}, error) {
		mu.Lock()
		launches = append(launches, time.Now())
		mu.Unlock()
		return struct{}{}, nil
	})

	if len(launches) != 3 {
		t.Fatalf("launches = %d, want 3", len(launches))
	}
	if spread := launches[2].Sub(launches[0]); spread < 55*time.Millisecond {
		t.Fatalf("third launch only %v after the first, want at least two staggers", spread)
	}
}

func TestMapPages_CollectsFailuresWithoutCanceling(t *testing.T) {
	t.Parallel()

	boom := fmt.Errorf("page unreadable: %w", domain.ErrUpstreamPermanent)
	cfg := stageConfig{Name: "extract", MaxConcurrent: 5}
	out := mapPages(context.Background(), cfg, 5, func(_ context.Context, i int) (string, error) {
		if i == 2 {
			return "", boom
		}
		time.Sleep(20 * time.Millisecond)
		return fmt.Sprintf("page-%d", i), nil
	})

	for i, r := range out {
		if i == 2 {
			if !errors.Is(r.Err, domain.ErrUpstreamPermanent) {
				t.Fatalf("slot 2 error = %v, want the page fault", r.Err)
			}
			continue
		}
		if r.Err != nil {
			t.Fatalf("slot %d failed alongside slot 2: %v", i, r.Err)
		}
		if r.Value != fmt.Sprintf("page-%d", i) {
			t.Fatalf("slot %d = %q", i, r.Value)
		}
	}
}

func TestMapPages_CanceledContextFailsRemainder(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := stageConfig{Name: "count", MaxConcurrent: 2, Stagger: time.Hour}
	start := time.Now()
	out := mapPages(ctx, cfg, 4, func(_ context.Context, i int) (int, error) {
		return i, nil
	})
	if took := time.Since(start); took > time.Second {
		t.Fatalf("canceled map took %v, the stagger must not be waited out", took)
	}

	for i, r := range out {
		if !errors.Is(r.Err, context.Canceled) {
			t.Fatalf("slot %d error = %v, want context.Canceled", i, r.Err)
		}
	}
}

func TestCallModel_StallsDoNotConsumeAttempts(t *testing.T) {
	t.Parallel()

	limiter := &fakeLimiter{denials: 2, retryAfter: time.Millisecond}
	p := &Pipeline{limiter: limiter, retry: fastRetryPolicy()}
	cfg := stageConfig{Name: "count"}

	var callCount int
	got, err := callModel(context.Background(), p, cfg, "gemini", 1, 100, func(_ context.Context) (string, error) {
		callCount++
		if callCount < 3 {
			return "", fmt.Errorf("blip: %w", domain.ErrUpstreamTimeout)
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("callModel: %v", err)
	}
	if got != "ok" {
		t.Fatalf("got %q, want ok", got)
	}
	if callCount != 3 {
		t.Fatalf("call count = %d, want 3 (stalls must not consume attempts)", callCount)
	}
	// Two stalls, then one acquire per attempt.
	if n := limiter.calls(); n != 5 {
		t.Fatalf("acquires = %d, want 5", n)
	}
}

func TestCallModel_PermanentErrorFailsFast(t *testing.T) {
	t.Parallel()

	p := &Pipeline{limiter: &fakeLimiter{}, retry: fastRetryPolicy()}
	cfg := stageConfig{Name: "extract"}

	var callCount int
	_, err := callModel(context.Background(), p, cfg, "gemini", 1, 100, func(_ context.Context) (string, error) {
		callCount++
		return "", fmt.Errorf("rejected: %w", domain.ErrUpstreamPermanent)
	})
	if !errors.Is(err, domain.ErrUpstreamPermanent) {
		t.Fatalf("err = %v, want the permanent fault", err)
	}
	if callCount != 1 {
		t.Fatalf("call count = %d, want 1", callCount)
	}
}

func TestCallModel_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	p := &Pipeline{limiter: &fakeLimiter{}, retry: fastRetryPolicy()}
	cfg := stageConfig{Name: "boost"}

	var callCount int
	_, err := callModel(context.Background(), p, cfg, "anthropic", 1, 100, func(_ context.Context) (string, error) {
		callCount++
		return "", fmt.Errorf("flaky: %w", domain.ErrUpstreamUnavailable)
	})
	if !errors.Is(err, domain.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want the upstream fault", err)
	}
	if callCount != 3 {
		t.Fatalf("call count = %d, want the full attempt budget", callCount)
	}
}

func TestCallModel_LimiterErrorFailsOpen(t *testing.T) {
	t.Parallel()

	limiter := &fakeLimiter{err: errors.New("redis gone")}
	p := &Pipeline{limiter: limiter, retry: fastRetryPolicy()}

	got, err := callModel(context.Background(), p, stageConfig{Name: "count"}, "gemini", 1, 100, func(_ context.Context) (int, error) {
		return 7, nil
	})
	if err != nil || got != 7 {
		t.Fatalf("got (%d, %v), want (7, nil)", got, err)
	}
	if n := limiter.calls(); n != 1 {
		t.Fatalf("acquires = %d, want 1", n)
	}
}

func TestCallModel_NilLimiterProceeds(t *testing.T) {
	t.Parallel()

	p := &Pipeline{retry: fastRetryPolicy()}
	got, err := callModel(context.Background(), p, stageConfig{Name: "count"}, "gemini", 1, 100, func(_ context.Context) (int, error) {
		return 9, nil
	})
	if err != nil || got != 9 {
		t.Fatalf("got (%d, %v), want (9, nil)", got, err)
	}
}

func TestCallModel_CallTimeoutApplies(t *testing.T) {
	t.Parallel()

	p := &Pipeline{limiter: &fakeLimiter{}, retry: fastRetryPolicy()}
	cfg := stageConfig{Name: "extract", CallTimeout: 20 * time.Millisecond}

	var callCount int
	_, err := callModel(context.Background(), p, cfg, "gemini", 1, 100, func(ctx context.Context) (string, error) {
		callCount++
		<-ctx.Done()
		return "", ctx.Err()
	})
	// Raw deadline errors are outside the taxonomy; classification into a
	// retryable timeout is the model adapter's job.
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if callCount != 1 {
		t.Fatalf("call count = %d, want 1", callCount)
	}
}
