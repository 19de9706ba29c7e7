// Package stub provides fast, deterministic model clients for local runs and
// tests. They are wired in when no API key is configured in dev mode, so the
// whole pipeline can run against them without upstream credentials.
package stub

import (
	"fmt"
	"strings"
	"time"

	"github.com/quebecregistres/extracteur/internal/domain"
)

// Vision is a deterministic vision model: every page carries three rows.
type Vision struct{}

// NewVision returns the stub vision model.
func NewVision() *Vision { return &Vision{} }

var _ domain.VisionModel = (*Vision)(nil)

// Name identifies the stub in logs.
func (v *Vision) Name() string { return "stub-vision" }

// CountLines always sees three rows.
func (v *Vision) CountLines(_ domain.Context, _ domain.PageImage) (int, error) {
	// Simulate a tiny bit of processing latency to resemble real work
	time.Sleep(10 * time.Millisecond)
	return 3, nil
}

// ExtractRows emits the promised number of well-formed rows.
func (v *Vision) ExtractRows(_ domain.Context, img domain.PageImage, lineCount int) (string, error) {
	time.Sleep(10 * time.Millisecond)
	if lineCount <= 0 {
		return "", nil
	}
	rows := make([]string, 0, lineCount)
	for i := 1; i <= lineCount; i++ {
		rows = append(rows, fmt.Sprintf(
			"Tremblay c. Gagnon | Vente | 2003-04-%02d | %d | null | page %d",
			i, 5000000+img.Page*100+i, img.Page))
	}
	return strings.Join(rows, "\n"), nil
}

// Text is a deterministic boost model: it passes the transcription through
// unchanged, which keeps merge output stable in tests.
type Text struct{}

// NewText returns the stub boost model.
func NewText() *Text { return &Text{} }

var _ domain.TextModel = (*Text)(nil)

// Name identifies the stub in logs.
func (t *Text) Name() string { return "stub-boost" }

// Boost returns the input unchanged.
func (t *Text) Boost(_ domain.Context, raw string) (string, error) {
	time.Sleep(10 * time.Millisecond)
	return raw, nil
}
