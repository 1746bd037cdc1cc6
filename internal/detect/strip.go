package detect

import (
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

// StripControl removes CSI/cursor sequences and OSC/BEL-terminated sequences.
func StripControl(text string) string {
	if text == "" {
		return ""
	}
	return ansi.Strip(text)
}

// IsMeaningful reports whether chunk carries any visible character once
// terminal control sequences are removed.
func IsMeaningful(chunk string) bool {
	stripped := StripControl(chunk)
	return strings.IndexFunc(stripped, func(r rune) bool {
		return !unicode.IsSpace(r) && !unicode.IsControl(r)
	}) >= 0
}
