package components

import (
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

// DefaultOutputTailLines bounds the lines kept by an OutputTail.
const DefaultOutputTailLines = 400

// OutputTail keeps the most recent tool output roughly as a terminal would
// show it: a bare carriage return rewinds the current line, escape
// sequences and other control characters are dropped.
type OutputTail struct {
	maxLines  int
	lines     []string
	current   []rune
	pendingCR bool
}

// NewOutputTail returns an empty tail. Non-positive maxLines uses the default.
func NewOutputTail(maxLines int) *OutputTail {
	if maxLines <= 0 {
		maxLines = DefaultOutputTailLines
	}
	return &OutputTail{maxLines: maxLines}
}

// Write appends one raw output chunk.
func (o *OutputTail) Write(chunk string) {
	for _, r := range ansi.Strip(chunk) {
		if o.pendingCR {
			o.pendingCR = false
			if r != '\n' {
				o.current = o.current[:0]
			}
		}
		switch {
		case r == '\n':
			o.pushLine()
		case r == '\r':
			o.pendingCR = true
		case r == '\t':
			o.current = append(o.current, r)
		case unicode.IsControl(r):
		default:
			o.current = append(o.current, r)
		}
	}
}

// Lines returns the kept lines, including an unfinished last line.
func (o *OutputTail) Lines() []string {
	out := make([]string, 0, len(o.lines)+1)
	out = append(out, o.lines...)
	if len(o.current) > 0 {
		out = append(out, string(o.current))
	}
	return out
}

// String joins Lines with newlines.
func (o *OutputTail) String() string {
	return strings.Join(o.Lines(), "\n")
}

func (o *OutputTail) pushLine() {
	o.lines = append(o.lines, string(o.current))
	o.current = o.current[:0]
	if overflow := len(o.lines) - o.maxLines; overflow > 0 {
		o.lines = append(o.lines[:0:0], o.lines[overflow:]...)
	}
}
