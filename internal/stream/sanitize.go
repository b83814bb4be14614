// Package stream holds the byte-level plumbing between a supervised process
// and its provider: terminal-noise sanitizing, incremental JSON value
// extraction over a growing buffer, and per-run content deduplication.
package stream

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

// Sanitize strips terminal control sequences and non-printable runes from one
// chunk of process output.
//
// CSI/OSC/DCS sequences are removed, a carriage return that is not followed by
// a newline becomes a newline, and every remaining rune that is neither
// printable nor tab/newline/carriage-return is dropped. Chunks may split escape
// sequences anywhere; leftovers are harmless noise for the extractor.
func Sanitize(chunk string) string {
	if chunk == "" {
		return ""
	}

	stripped := ansi.Strip(strings.ToValidUTF8(chunk, ""))
	var b strings.Builder
	b.Grow(len(stripped))

	for i := 0; i < len(stripped); {
		r, size := utf8.DecodeRuneInString(stripped[i:])
		i += size

		switch {
		case r == utf8.RuneError && size <= 1:
			continue
		case r == '\r':
			if i < len(stripped) && stripped[i] == '\n' {
				b.WriteByte('\r')
			} else {
				b.WriteByte('\n')
			}
		case r == '\n' || r == '\t':
			b.WriteRune(r)
		case r < 0x20 || r == 0x7f:
			continue
		case unicode.IsPrint(r):
			b.WriteRune(r)
		}
	}
	return b.String()
}
