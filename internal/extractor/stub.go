package extractor

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/quebecregistres/extracteur/internal/domain"
)

// Stub is a deterministic executor for environments without registry
// credentials: it renders a one-page placeholder PDF for the job and stores
// it under the job id, so the rest of the platform (claiming, reporting,
// OCR hand-off) can be driven end to end.
type Stub struct {
	Store domain.ArtifactStore
	Delay time.Duration
}

func NewStub(store domain.ArtifactStore) *Stub {
	return &Stub{Store: store, Delay: 50 * time.Millisecond}
}

// Run implements domain.Extractor.
func (s *Stub) Run(ctx domain.Context, job domain.Job) (string, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.Delay):
		}
	}

	path := fmt.Sprintf("documents/%s/%s.pdf", job.Kind, job.ID)
	stored, err := s.Store.Put(ctx, path, placeholderPDF(job), "application/pdf")
	if err != nil {
		return "", fmt.Errorf("op=extractor.stub job=%s: %w", job.ID, err)
	}
	return stored, nil
}

// placeholderPDF builds a minimal single-page PDF naming the document, with
// a correct xref table so downstream rasterizers accept it.
func placeholderPDF(job domain.Job) []byte {
	text := escapePDFText(fmt.Sprintf("%s %s (%s)", job.Source.DocType, job.Source.DocNumber, job.Kind))
	content := fmt.Sprintf("BT /F1 12 Tf 72 720 Td (%s) Tj ET", text)

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(content), content),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

var pdfTextEscaper = strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`)

func escapePDFText(s string) string {
	return pdfTextEscaper.Replace(s)
}
