// Package ocr turns a stored PDF artifact into merged raw and boosted
// transcriptions. One document flows through fetch, rasterize, upscale,
// line count, extract, boost and merge; the three model-call stages fan
// out across pages under per-stage concurrency bounds, and every upstream
// call spends from the shared rate limiter before it leaves the process.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/gabriel-vasile/mimetype"

	"github.com/quebecregistres/extracteur/internal/adapter/ai/tokencount"
	"github.com/quebecregistres/extracteur/internal/adapter/observability"
	"github.com/quebecregistres/extracteur/internal/domain"
	"github.com/quebecregistres/extracteur/internal/service/ratelimiter"
	"github.com/quebecregistres/extracteur/pkg/textx"
)

// Token cost constants for limiter debits. The counts only steer bucket
// pacing, so rough estimates are enough.
const (
	countOutputTokens    = 16
	tokensPerRow         = 48
	extractOutputFloor   = 256
	boostOutputSlack     = 128
	promptOverheadTokens = 128
)

const maxWarningLen = 2000

// VisionBinding pairs a vision model with the limiter api family its calls
// spend from.
type VisionBinding struct {
	Model domain.VisionModel
	API   string
}

// TextBinding pairs the boost model with the limiter api family its calls
// spend from.
type TextBinding struct {
	Model domain.TextModel
	API   string
}

// Params wires one Pipeline. Consensus is optional; when nil the count
// stage runs single-model. A zero Retry falls back to the standard model
// call policy.
type Params struct {
	Store           domain.ArtifactStore
	Raster          Rasterizer
	Vision          VisionBinding
	Consensus       *VisionBinding
	Boost           TextBinding
	Limiter         domain.RateLimiter
	Retry           domain.RetryPolicy
	RequireAllPages bool
}

// Pipeline OCRs one document at a time. It is safe for concurrent use by
// multiple workers; all state is per-call.
type Pipeline struct {
	store           domain.ArtifactStore
	raster          Rasterizer
	vision          VisionBinding
	consensus       *VisionBinding
	boost           TextBinding
	limiter         domain.RateLimiter
	retry           domain.RetryPolicy
	requireAllPages bool

	countStage   stageConfig
	extractStage stageConfig
	boostStage   stageConfig
}

// New builds a Pipeline with the standard stage bounds: line count 10 wide
// launched 500ms apart, extract 6 wide at 2s, boost 5 wide at 1s.
func New(p Params) *Pipeline {
	retry := p.Retry
	if retry.MaxAttempts == 0 {
		retry = domain.ModelCallRetryPolicy()
	}
	return &Pipeline{
		store:           p.Store,
		raster:          p.Raster,
		vision:          p.Vision,
		consensus:       p.Consensus,
		boost:           p.Boost,
		limiter:         p.Limiter,
		retry:           retry,
		requireAllPages: p.RequireAllPages,
		countStage:      stageConfig{Name: "count", MaxConcurrent: 10, Stagger: 500 * time.Millisecond, CallTimeout: 30 * time.Second},
		extractStage:    stageConfig{Name: "extract", MaxConcurrent: 6, Stagger: 2 * time.Second, CallTimeout: 120 * time.Second},
		boostStage:      stageConfig{Name: "boost", MaxConcurrent: 5, Stagger: time.Second, CallTimeout: 60 * time.Second},
	}
}

// Result is one document's OCR output and its bookkeeping. Warning carries
// page-level faults that did not fail the document; it lands in the job's
// last_error on success.
type Result struct {
	RawText     string
	BoostedText string
	PagesTotal  int
	PagesFailed int
	Warning     string
}

// pagePayload is the rendition one page's model calls send, with the pixel
// dimensions the token estimator needs.
type pagePayload struct {
	img    domain.PageImage
	width  int
	height int
}

// Process OCRs the artifact behind job.ArtifactPath. Failures before the
// per-page stages fail the whole document; from line count onward a page
// failure only blanks that page, unless every page fails or the pipeline
// was built with RequireAllPages. There is no per-page checkpointing: a
// crash mid-document means the whole document is retried on the next claim.
func (p *Pipeline) Process(ctx context.Context, job domain.Job) (Result, error) {
	if job.ArtifactPath == nil || *job.ArtifactPath == "" {
		return Result{}, fmt.Errorf("op=ocr.process job=%s: no artifact path: %w", job.ID, domain.ErrInvalidArgument)
	}

	start := time.Now()
	pdf, err := p.store.Fetch(ctx, *job.ArtifactPath)
	observeStage("fetch", start)
	if err != nil {
		return Result{}, fmt.Errorf("op=ocr.process job=%s: fetch: %w", job.ID, err)
	}
	if mt := mimetype.Detect(pdf); !mt.Is("application/pdf") {
		return Result{}, fmt.Errorf("op=ocr.process job=%s: artifact %s is %s, not a pdf: %w",
			job.ID, *job.ArtifactPath, mt.String(), domain.ErrInvalidArgument)
	}

	start = time.Now()
	pages, err := p.raster.Rasterize(ctx, pdf)
	observeStage("rasterize", start)
	if err != nil {
		return Result{}, fmt.Errorf("op=ocr.process job=%s: rasterize: %w", job.ID, err)
	}

	start = time.Now()
	payloads, sizeWarns, err := p.preparePayloads(pages)
	observeStage("upscale", start)
	if err != nil {
		return Result{}, fmt.Errorf("op=ocr.process job=%s: %w", job.ID, err)
	}

	n := len(payloads)
	start = time.Now()
	counts := mapPages(ctx, p.countStage, n, func(ctx context.Context, i int) (int, error) {
		return p.countPage(ctx, payloads[i])
	})
	observeStage("count", start)

	pageErrs := make([]error, n)
	for i := range counts {
		pageErrs[i] = counts[i].Err
	}

	// Only pages with a usable, non-zero row count go to extraction; a page
	// the counters agree is empty contributes an empty body without a call.
	var live []int
	for i := range counts {
		if pageErrs[i] == nil && counts[i].Value > 0 {
			live = append(live, i)
		}
	}

	raw := make([]string, n)
	start = time.Now()
	extracts := mapPages(ctx, p.extractStage, len(live), func(ctx context.Context, k int) (string, error) {
		i := live[k]
		return p.extractPage(ctx, payloads[i], counts[i].Value)
	})
	observeStage("extract", start)
	for k, r := range extracts {
		i := live[k]
		if r.Err != nil {
			pageErrs[i] = r.Err
			continue
		}
		raw[i] = textx.Sanitize(r.Value)
	}

	// Boost refines non-empty transcriptions. A failed boost falls back to
	// the raw transcription rather than blanking a page that already reads.
	boosted := make([]string, n)
	copy(boosted, raw)
	var boostable []int
	for i := range raw {
		if pageErrs[i] == nil && raw[i] != "" {
			boostable = append(boostable, i)
		}
	}
	start = time.Now()
	boosts := mapPages(ctx, p.boostStage, len(boostable), func(ctx context.Context, k int) (string, error) {
		return p.boostPage(ctx, raw[boostable[k]])
	})
	observeStage("boost", start)
	var boostWarns []string
	for k, r := range boosts {
		i := boostable[k]
		if r.Err != nil {
			boostWarns = append(boostWarns, fmt.Sprintf("page %d boost failed, kept raw: %v", pages[i].Page, r.Err))
			continue
		}
		boosted[i] = textx.Sanitize(r.Value)
	}

	var failed int
	var pageFaults []string
	var rep error
	for i, perr := range pageErrs {
		if perr == nil {
			observability.OCRPagesTotal.WithLabelValues("ok").Inc()
			continue
		}
		failed++
		observability.OCRPagesTotal.WithLabelValues("failed").Inc()
		pageFaults = append(pageFaults, fmt.Sprintf("page %d: %v", pages[i].Page, perr))
		if rep == nil || (!domain.Retryable(rep) && domain.Retryable(perr)) {
			rep = perr
		}
	}

	if failed == n {
		return Result{}, fmt.Errorf("op=ocr.process job=%s: all %d pages failed: %w", job.ID, n, rep)
	}
	if p.requireAllPages && failed > 0 {
		return Result{}, fmt.Errorf("op=ocr.process job=%s: %d of %d pages failed: %w", job.ID, failed, n, rep)
	}

	sections := make([]pageSection, n)
	boostedSections := make([]pageSection, n)
	for i := range pages {
		sections[i] = pageSection{Page: pages[i].Page, Body: raw[i]}
		boostedSections[i] = pageSection{Page: pages[i].Page, Body: boosted[i]}
	}

	warns := append(append(pageFaults, boostWarns...), sizeWarns...)
	res := Result{
		RawText:     mergePages(sections),
		BoostedText: mergePages(boostedSections),
		PagesTotal:  n,
		PagesFailed: failed,
		Warning:     textx.Excerpt(strings.Join(warns, "; "), maxWarningLen),
	}
	slog.Info("document ocr finished",
		slog.String("job_id", job.ID),
		slog.Int("pages", n),
		slog.Int("failed", failed))
	return res, nil
}

// preparePayloads upscales every page and picks the rendition its model
// calls will send. An undecodable rasterization fails the document the way
// a rasterize fault does.
func (p *Pipeline) preparePayloads(pages []domain.PageImage) ([]pagePayload, []string, error) {
	out := make([]pagePayload, len(pages))
	var warns []string
	for i, orig := range pages {
		up, err := upscalePage(orig)
		if err != nil {
			return nil, nil, err
		}
		img, fellBack := choosePayload(orig, up)
		if fellBack {
			warns = append(warns, fmt.Sprintf("page %d sent at original resolution, payload over %d bytes", orig.Page, maxImagePayloadBytes))
		}
		w, h := pageDims(img.PNG)
		out[i] = pagePayload{img: img, width: w, height: h}
	}
	return out, warns, nil
}

// countPage resolves the row count for one page. With a consensus counter
// wired both models vote and the higher count wins, so extraction never
// under-asks on dense ledger pages; one counter failing leaves the other's
// vote standing.
func (p *Pipeline) countPage(ctx context.Context, pl pagePayload) (int, error) {
	n, err := callModel(ctx, p, p.countStage, p.vision.API, 1, visionCost(p.vision.API, pl, countOutputTokens),
		func(c context.Context) (int, error) { return p.vision.Model.CountLines(c, pl.img) })
	if p.consensus == nil {
		return n, err
	}
	m, merr := callModel(ctx, p, p.countStage, p.consensus.API, 1, visionCost(p.consensus.API, pl, countOutputTokens),
		func(c context.Context) (int, error) { return p.consensus.Model.CountLines(c, pl.img) })
	switch {
	case err == nil && merr == nil:
		if m > n {
			return m, nil
		}
		return n, nil
	case err == nil:
		return n, nil
	case merr == nil:
		return m, nil
	default:
		return 0, errors.Join(err, merr)
	}
}

func (p *Pipeline) extractPage(ctx context.Context, pl pagePayload, lineCount int) (string, error) {
	out := lineCount * tokensPerRow
	if out < extractOutputFloor {
		out = extractOutputFloor
	}
	return callModel(ctx, p, p.extractStage, p.vision.API, 1, visionCost(p.vision.API, pl, out),
		func(c context.Context) (string, error) { return p.vision.Model.ExtractRows(c, pl.img, lineCount) })
}

func (p *Pipeline) boostPage(ctx context.Context, raw string) (string, error) {
	cost := int64(tokencount.CountTokensDefault(raw, p.boost.Model.Name()) + boostOutputSlack)
	return callModel(ctx, p, p.boostStage, p.boost.API, 1, cost,
		func(c context.Context) (string, error) { return p.boost.Model.Boost(c, raw) })
}

// acquire blocks until the limiter grants the call or ctx ends. A denied
// acquire is a scheduling stall, not a failure; limiter errors fail open so
// a degraded Redis cannot stop the fleet.
func (p *Pipeline) acquire(ctx context.Context, api string, costRequests, costTokens int64) error {
	if p.limiter == nil {
		return nil
	}
	for {
		ok, retryAfter, err := p.limiter.TryAcquire(ctx, api, costRequests, costTokens)
		if ok || err != nil {
			return nil
		}
		if retryAfter < minStall {
			retryAfter = minStall
		}
		observability.ObserveLimiterStall(api, retryAfter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryAfter):
		}
	}
}

// visionCost estimates the token debit for one vision call. The Gemini
// buckets meter prompt tokens, where the image tiles dominate; the
// Anthropic bucket meters output tokens.
func visionCost(api string, pl pagePayload, outputTokens int) int64 {
	if api == ratelimiter.APIAnthropic {
		return int64(outputTokens)
	}
	return int64(tokencount.EstimateImageTokens(pl.width, pl.height) + promptOverheadTokens)
}

func observeStage(name string, start time.Time) {
	observability.OCRStageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}
