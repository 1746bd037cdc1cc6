// Package transcript writes session artifacts from bus events: a JSONL
// record stream and a chat-style Markdown log.
package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cursor-pilot/cpilot/internal/events"
)

const (
	// DefaultJSONLName is the JSONL transcript file name.
	DefaultJSONLName = "transcript.jsonl"
	// DefaultMarkdownName is the Markdown transcript file name.
	DefaultMarkdownName = "session.md"
)

// Record is one JSONL line.
type Record struct {
	TS      int64  `json:"ts"`
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	Chunk   string `json:"chunk,omitempty"`
	Answer  string `json:"answer,omitempty"`
	Scope   string `json:"scope,omitempty"`
	System  string `json:"system,omitempty"`
	User    string `json:"user,omitempty"`
	Text    string `json:"text,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// JSONL appends records to a file, one JSON object per line.
type JSONL struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
}

// NewJSONL opens (appending) dir/name, creating dir when needed.
func NewJSONL(dir, name string) (*JSONL, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultJSONLName
	}
	file, path, err := openAppend(dir, name)
	if err != nil {
		return nil, err
	}
	return &JSONL{file: file, writer: bufio.NewWriter(file), path: path}, nil
}

// Path returns the transcript file path.
func (j *JSONL) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Write appends one record.
func (j *JSONL) Write(record Record) error {
	if j == nil {
		return errors.New("jsonl transcript is nil")
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal transcript record: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return errors.New("jsonl transcript is closed")
	}
	if _, err := j.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write transcript record: %w", err)
	}
	return nil
}

// Close flushes and closes the file. Repeated calls return nil.
func (j *JSONL) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	flushErr := j.writer.Flush()
	closeErr := j.file.Close()
	j.file = nil
	return errors.Join(flushErr, closeErr)
}

// RecordFromEvent maps a bus event to a JSONL record. Events with unknown
// payloads are skipped.
func RecordFromEvent(event events.Event) (Record, bool) {
	record := Record{
		TS:      event.Timestamp.UnixMilli(),
		Session: event.SessionID,
	}
	switch payload := event.Payload.(type) {
	case events.SessionStarted:
		record.Type = "session_started"
		record.Text = strings.TrimSpace(payload.Binary + " " + strings.Join(payload.Args, " "))
		record.Scope = payload.Provider
	case events.OutputChunk:
		record.Type = "chunk"
		record.Chunk = payload.Raw
	case events.Classified:
		record.Type = "classified"
		record.Scope = payload.Event
		record.Text = payload.Tail
	case events.ProviderExchange:
		record.Type = "llm"
		record.Scope = payload.Scope
		record.System = payload.System
		record.User = payload.User
		record.Text = payload.Answer
	case events.ProviderError:
		record.Type = "provider_error"
		record.Scope = payload.Scope
		record.Text = payload.Message
		record.Reason = payload.Kind
	case events.AnswerTyped:
		record.Type = "answer"
		record.Answer = payload.Answer
		record.Scope = payload.Source
	case events.ApprovalAction:
		record.Type = "approval"
		record.Answer = payload.Action
		record.Scope = payload.State
		record.Reason = payload.Error
	case events.TrustAnswered:
		record.Type = "trust"
		record.Answer = payload.Answer
	case events.IdleSuggestion:
		record.Type = "idle_suggestion"
		record.Scope = "idle"
		record.Text = payload.Text
		if payload.Typed {
			record.Answer = payload.Text
		}
	case events.PlanStep:
		record.Type = "plan_step"
		record.Text = payload.Name
		record.Scope = fmt.Sprintf("%d/%d", payload.Index+1, payload.Total)
	case events.CommandResult:
		record.Type = "command"
		record.Scope = payload.Step
		record.Text = payload.Command
		record.Chunk = payload.Output
		record.Reason = fmt.Sprintf("exit %d", payload.ExitCode)
	case events.StateTransition:
		record.Type = "state"
		record.Text = payload.From + " -> " + payload.To
		record.Reason = payload.Trigger
	case events.SessionEnded:
		record.Type = "session_ended"
		record.Scope = payload.Outcome
		record.Reason = payload.Reason
		record.Text = payload.Error
	default:
		return Record{}, false
	}
	return record, true
}

func openAppend(dir, name string) (*os.File, string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, "", errors.New("transcript dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, "", fmt.Errorf("create transcript directory: %w", err)
	}
	path := filepath.Join(dir, name)
	// #nosec G304 -- path is constructed from the configured transcript dir.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, "", fmt.Errorf("open transcript %s: %w", path, err)
	}
	return file, path, nil
}
