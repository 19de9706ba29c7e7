// Package ai holds the shared guards wrapped around the model clients. The
// concrete clients live in the subpackages; everything here is
// provider-agnostic.
package ai

import (
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/sony/gobreaker"

	"github.com/quebecregistres/extracteur/internal/domain"
)

// Breaker is a circuit breaker for one upstream model API. Boost and
// consensus calls against the same provider share one breaker, so an outage
// seen by either path blacks out both until the probe window.
type Breaker struct {
	api string
	cb  *gobreaker.CircuitBreaker
}

// NewBreaker builds a breaker for the named API family. It opens after five
// consecutive infrastructure faults and probes again after 30 seconds.
func NewBreaker(api string) *Breaker {
	b := &Breaker{api: api}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        api,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		// A refusal is the request's problem, not the provider's; only
		// infrastructure faults count toward the trip.
		IsSuccessful: func(err error) bool {
			return err == nil || !infraFault(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("model circuit state change",
				slog.String("api", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return b
}

func infraFault(err error) bool {
	return errors.Is(err, domain.ErrUpstreamTimeout) ||
		errors.Is(err, domain.ErrUpstreamUnavailable) ||
		errors.Is(err, domain.ErrUpstreamRateLimit)
}

func (b *Breaker) do(call func() (any, error)) (any, error) {
	v, err := b.cb.Execute(call)
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		return nil, fmt.Errorf("op=ai.breaker api=%s: %v: %w", b.api, err, domain.ErrUpstreamUnavailable)
	}
	return v, err
}

// Vision wraps a vision model with the breaker.
func (b *Breaker) Vision(next domain.VisionModel) domain.VisionModel {
	return visionGuard{next: next, b: b}
}

// Text wraps a text model with the breaker.
func (b *Breaker) Text(next domain.TextModel) domain.TextModel {
	return textGuard{next: next, b: b}
}

type visionGuard struct {
	next domain.VisionModel
	b    *Breaker
}

func (g visionGuard) Name() string { return g.next.Name() }

func (g visionGuard) CountLines(ctx domain.Context, img domain.PageImage) (int, error) {
	v, err := g.b.do(func() (any, error) { return g.next.CountLines(ctx, img) })
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (g visionGuard) ExtractRows(ctx domain.Context, img domain.PageImage, lineCount int) (string, error) {
	v, err := g.b.do(func() (any, error) { return g.next.ExtractRows(ctx, img, lineCount) })
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type textGuard struct {
	next domain.TextModel
	b    *Breaker
}

func (g textGuard) Name() string { return g.next.Name() }

func (g textGuard) Boost(ctx domain.Context, raw string) (string, error) {
	v, err := g.b.do(func() (any, error) { return g.next.Boost(ctx, raw) })
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
