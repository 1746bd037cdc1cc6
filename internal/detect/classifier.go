// Package detect turns raw terminal output into discrete semantic events.
package detect

import (
	"strings"
	"time"
)

// DefaultIdleThreshold is the silence window after which output is considered idle.
const DefaultIdleThreshold = 5 * time.Second

// Event is the classification produced for one ingested chunk.
type Event string

const (
	// EventRunning means the tool is still producing output.
	EventRunning Event = "running"
	// EventAwaitingInput means the tool is waiting for free-form input.
	EventAwaitingInput Event = "awaiting_input"
	// EventQuestion means the tool asked a question.
	EventQuestion Event = "question"
	// EventCompleted means the tool reported that it finished.
	EventCompleted Event = "completed"
	// EventIdle means nothing classifiable happened for longer than the idle threshold.
	EventIdle Event = "idle"
)

// NeedsAnswer reports whether the event asks the controller for a typed reply.
func (e Event) NeedsAnswer() bool {
	return e == EventQuestion || e == EventAwaitingInput
}

// Options configures a Classifier.
type Options struct {
	Patterns      Patterns
	IdleThreshold time.Duration
	// MaxBufferBytes caps the epoch buffer to its tail; zero keeps everything.
	MaxBufferBytes int
	Now            func() time.Time
}

// Classifier accumulates output for one classification epoch and emits one
// Event per ingested chunk. It is not safe for concurrent use; the owning
// session serializes calls.
type Classifier struct {
	patterns       Patterns
	idleThreshold  time.Duration
	maxBufferBytes int
	now            func() time.Time

	buffer           strings.Builder
	lastEmitAt       time.Time
	lastMeaningfulAt time.Time
}

// New builds a classifier. Idle timing starts at construction.
func New(opts Options) *Classifier {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	threshold := opts.IdleThreshold
	if threshold <= 0 {
		threshold = DefaultIdleThreshold
	}
	patterns := opts.Patterns
	if len(patterns.Question) == 0 && len(patterns.AwaitingInput) == 0 && len(patterns.Completion) == 0 {
		patterns = DefaultPatterns()
	}
	maxBuffer := opts.MaxBufferBytes
	if maxBuffer < 0 {
		maxBuffer = 0
	}

	return &Classifier{
		patterns:       patterns,
		idleThreshold:  threshold,
		maxBufferBytes: maxBuffer,
		now:            now,
		lastEmitAt:     now(),
	}
}

// Ingest appends chunk to the epoch buffer and classifies the whole buffer.
//
// Priority is completion, then question, then awaiting input, then idle;
// anything else is running.
func (c *Classifier) Ingest(chunk string) Event {
	c.buffer.WriteString(chunk)
	c.trim()
	text := c.buffer.String()
	now := c.now()

	switch {
	case matchesAny(c.patterns.Completion, text):
		c.lastEmitAt = now
		return EventCompleted
	case matchesAny(c.patterns.Question, text):
		c.lastEmitAt = now
		return EventQuestion
	case matchesAny(c.patterns.AwaitingInput, text):
		c.lastEmitAt = now
		return EventAwaitingInput
	}

	if IsMeaningful(chunk) {
		c.lastMeaningfulAt = now
	}
	reference := c.lastEmitAt
	if c.lastMeaningfulAt.After(reference) {
		reference = c.lastMeaningfulAt
	}
	if now.Sub(reference) > c.idleThreshold {
		c.lastEmitAt = now
		return EventIdle
	}
	return EventRunning
}

// Buffer returns the text accumulated in the current epoch.
func (c *Classifier) Buffer() string {
	return c.buffer.String()
}

// Reset starts a new epoch. Timing state is kept so idle detection stays continuous.
func (c *Classifier) Reset() {
	c.buffer.Reset()
}

// IdleThreshold returns the effective idle threshold.
func (c *Classifier) IdleThreshold() time.Duration {
	return c.idleThreshold
}

// trim keeps the buffer tail, cutting on a line boundary so no line is split.
// A final line longer than the cap is kept whole, so the buffer may exceed
// the cap by that line.
func (c *Classifier) trim() {
	if c.maxBufferBytes <= 0 || c.buffer.Len() <= c.maxBufferBytes {
		return
	}
	text := c.buffer.String()
	cut := len(text) - c.maxBufferBytes
	if idx := strings.IndexByte(text[cut:], '\n'); idx >= 0 && cut+idx+1 < len(text) {
		cut += idx + 1
	} else {
		cut = strings.LastIndexByte(strings.TrimSuffix(text, "\n"), '\n') + 1
	}
	if cut == 0 {
		return
	}
	tail := text[cut:]
	c.buffer.Reset()
	c.buffer.WriteString(tail)
}
