package transcript

import (
	"errors"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/cursor-pilot/cpilot/internal/events"
	"github.com/cursor-pilot/cpilot/internal/logging"
)

// Recorder feeds both transcripts from one bus subscription.
type Recorder struct {
	jsonl    *JSONL
	markdown *Markdown
	logger   *log.Logger

	mu       sync.Mutex
	writeErr error
}

// Open creates transcript.jsonl and session.md under dir.
func Open(dir string, logger *log.Logger) (*Recorder, error) {
	jsonl, err := NewJSONL(dir, DefaultJSONLName)
	if err != nil {
		return nil, err
	}
	markdown, err := NewMarkdown(dir, DefaultMarkdownName)
	if err != nil {
		_ = jsonl.Close()
		return nil, err
	}
	return &Recorder{jsonl: jsonl, markdown: markdown, logger: logging.OrDiscard(logger)}, nil
}

// Attach subscribes the recorder to every event on bus.
func (r *Recorder) Attach(bus events.Bus) {
	if r == nil || bus == nil {
		return
	}
	bus.SubscribeAll(r.Handle)
}

// Handle writes one event to both transcripts.
func (r *Recorder) Handle(event events.Event) {
	if r == nil {
		return
	}
	if record, ok := RecordFromEvent(event); ok {
		if err := r.jsonl.Write(record); err != nil {
			r.mu.Lock()
			if r.writeErr == nil {
				r.writeErr = err
				r.logger.Warn("transcript write failed", "error", err)
			}
			r.mu.Unlock()
		}
	}
	r.markdown.HandleEvent(event)
}

// Paths returns the JSONL and Markdown file paths.
func (r *Recorder) Paths() (string, string) {
	if r == nil {
		return "", ""
	}
	return r.jsonl.Path(), r.markdown.Path()
}

// Close flushes both transcripts.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	writeErr := r.writeErr
	r.mu.Unlock()
	return errors.Join(writeErr, r.jsonl.Close(), r.markdown.Close())
}
