// Package textx provides small text utilities shared by the OCR pipeline
// and the model clients.
package textx

import (
	"strings"
	"unicode/utf8"
)

// Sanitize makes model output safe for storage: control characters other
// than tab and newline are dropped (a stray NUL fails the queue row write),
// CRLF and bare CR collapse to newline, and outer whitespace is trimmed.
func Sanitize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case r == '\r':
			b.WriteByte('\n')
		case r < 32 || r == 127:
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// Excerpt bounds s to at most n bytes for logs and error rows, cutting on a
// rune boundary so a truncated accent does not turn into mojibake.
func Excerpt(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
