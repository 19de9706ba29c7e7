package ocr

import (
	"fmt"
	"sort"
	"strings"
)

// pageSection is one page's contribution to the merged document.
type pageSection struct {
	Page int
	Body string
}

// mergePages renders per-page bodies in page order under the literal page
// markers downstream parsers key on. Every page keeps its marker, so page
// numbering stays dense even when a failed page contributes an empty body.
// Sections are ordered by page index, not arrival order, separated by one
// blank line, and the document does not end with a newline.
func mergePages(sections []pageSection) string {
	ordered := make([]pageSection, len(sections))
	copy(ordered, sections)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Page < ordered[j].Page })

	var sb strings.Builder
	for i, s := range ordered {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "--- Page %d ---", s.Page)
		if body := strings.TrimRight(s.Body, "\n"); body != "" {
			sb.WriteString("\n")
			sb.WriteString(body)
		}
	}
	return sb.String()
}
