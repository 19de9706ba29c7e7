// Package textx contains tests for the text utilities.
package textx

import "testing"

func TestSanitize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"control chars dropped", "he\x00llo\nwo\x7frld\t!", "hello\nworld\t!"},
		{"crlf collapses", "ligne 1\r\nligne 2\rligne 3", "ligne 1\nligne 2\nligne 3"},
		{"outer space trimmed", "  LOT 1 234 567  \n", "LOT 1 234 567"},
		{"accents survive", "Montréal | Hypothèque", "Montréal | Hypothèque"},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Sanitize(tc.in); got != tc.want {
				t.Fatalf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestExcerpt(t *testing.T) {
	if got := Excerpt("short", 512); got != "short" {
		t.Fatalf("got %q", got)
	}
	if got := Excerpt("  padded  ", 512); got != "padded" {
		t.Fatalf("got %q", got)
	}
	if got := Excerpt("abcdef", 3); got != "abc" {
		t.Fatalf("got %q", got)
	}
	if got := Excerpt("anything", 0); got != "" {
		t.Fatalf("got %q", got)
	}

	// é is two bytes; a cut landing inside it must back off to the rune start.
	if got := Excerpt("éé", 3); got != "é" {
		t.Fatalf("got %q", got)
	}
}
