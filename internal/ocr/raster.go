package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/quebecregistres/extracteur/internal/domain"
)

// Rasterizer turns a PDF into one PNG per page, numbered from 1.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte) ([]domain.PageImage, error)
}

// DefaultDPI renders at 4x the 72 DPI viewport, enough for the vision
// models to resolve ledger handwriting.
const DefaultDPI = 288

// PdftoppmRasterizer shells out to poppler's pdftoppm. Pure-Go PDF packages
// extract embedded image objects rather than render pages, which scrambles
// scanned ledgers; pdfcpu still fronts the call for validation and the
// page count.
type PdftoppmRasterizer struct {
	DPI int
}

// NewPdftoppmRasterizer returns a rasterizer at the default resolution.
func NewPdftoppmRasterizer() *PdftoppmRasterizer {
	return &PdftoppmRasterizer{DPI: DefaultDPI}
}

var _ Rasterizer = (*PdftoppmRasterizer)(nil)

// Rasterize renders every page serially; model-call stages own the
// document's parallelism budget. Failures here are booked as retryable so
// the job's ocr_attempts cap, not the error class, decides when to give up
// on a document that will not open.
func (r *PdftoppmRasterizer) Rasterize(ctx context.Context, pdf []byte) ([]domain.PageImage, error) {
	n, err := api.PageCount(bytes.NewReader(pdf), nil)
	if err != nil {
		return nil, fmt.Errorf("op=ocr.rasterize: page count: %v: %w", err, domain.ErrUpstreamUnavailable)
	}
	if n == 0 {
		return nil, fmt.Errorf("op=ocr.rasterize: document has no pages: %w", domain.ErrInvalidArgument)
	}

	tmpDir, err := os.MkdirTemp("", "extracteur-ocr-*")
	if err != nil {
		return nil, fmt.Errorf("op=ocr.rasterize: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	src := filepath.Join(tmpDir, "in.pdf")
	if err := os.WriteFile(src, pdf, 0o600); err != nil {
		return nil, fmt.Errorf("op=ocr.rasterize: %w", err)
	}

	dpi := r.DPI
	if dpi <= 0 {
		dpi = DefaultDPI
	}

	pages := make([]domain.PageImage, 0, n)
	for page := 1; page <= n; page++ {
		png, err := renderPage(ctx, src, tmpDir, page, dpi)
		if err != nil {
			return nil, err
		}
		pages = append(pages, domain.PageImage{Page: page, PNG: png})
	}
	return pages, nil
}

// renderPage renders one page; -singlefile keeps the output name fixed so
// no suffix parsing is needed.
func renderPage(ctx context.Context, src, dir string, page, dpi int) ([]byte, error) {
	prefix := filepath.Join(dir, fmt.Sprintf("page-%d", page))
	pageArg := strconv.Itoa(page)
	cmd := exec.CommandContext(ctx, "pdftoppm",
		"-png",
		"-f", pageArg,
		"-l", pageArg,
		"-r", strconv.Itoa(dpi),
		"-singlefile",
		src,
		prefix,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("op=ocr.rasterize page=%d: %w", page, ctx.Err())
		}
		return nil, fmt.Errorf("op=ocr.rasterize page=%d: pdftoppm: %v (%s): %w",
			page, err, strings.TrimSpace(string(out)), domain.ErrUpstreamUnavailable)
	}
	data, err := os.ReadFile(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("op=ocr.rasterize page=%d: no output: %v: %w", page, err, domain.ErrUpstreamUnavailable)
	}
	return data, nil
}
