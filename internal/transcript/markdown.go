package transcript

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cursor-pilot/cpilot/internal/events"
)

// Markdown writes a transcript that reads like a chat log.
type Markdown struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
	err    error
}

// NewMarkdown opens (appending) dir/name and writes a separator.
func NewMarkdown(dir, name string) (*Markdown, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultMarkdownName
	}
	file, path, err := openAppend(dir, name)
	if err != nil {
		return nil, err
	}
	md := &Markdown{file: file, writer: bufio.NewWriter(file), path: path}
	md.write("\n---\n")
	return md, nil
}

// Path returns the transcript file path.
func (m *Markdown) Path() string {
	if m == nil {
		return ""
	}
	return m.path
}

// Heading writes a level-3 heading.
func (m *Markdown) Heading(text string) {
	m.write(fmt.Sprintf("\n### %s\n\n", text))
}

// Note writes a bullet.
func (m *Markdown) Note(text string) {
	m.write(fmt.Sprintf("- %s\n", text))
}

// ToolHighlight quotes a line the tool printed.
func (m *Markdown) ToolHighlight(text string) {
	m.write(fmt.Sprintf("- **Tool**: %s\n", text))
}

// SeedPrompt records the governing prompt.
func (m *Markdown) SeedPrompt(content string) {
	m.write("\n**Seeded Governing Prompt**\n\n```markdown\n" + strings.TrimSpace(content) + "\n```\n")
}

// Exchange records one provider round trip.
func (m *Markdown) Exchange(system, user, response string) {
	var b strings.Builder
	b.WriteString("\n**LLM Exchange**\n")
	b.WriteString("- System:\n")
	writeFence(&b, system)
	b.WriteString("- User:\n")
	writeFence(&b, user)
	b.WriteString("- Response:\n")
	writeFence(&b, response)
	m.write(b.String())
}

// Typed records keystrokes sent to the tool.
func (m *Markdown) Typed(text string) {
	m.write(fmt.Sprintf("- **Typed**: %s\n", text))
}

// HandleEvent renders the events that belong in a readable log.
func (m *Markdown) HandleEvent(event events.Event) {
	switch payload := event.Payload.(type) {
	case events.SessionStarted:
		m.Heading("Session " + event.SessionID)
		m.Note(fmt.Sprintf("Tool: `%s`", strings.TrimSpace(payload.Binary+" "+strings.Join(payload.Args, " "))))
		m.Note("Provider: " + payload.Provider)
		if payload.Plan != "" {
			m.Note("Plan: " + payload.Plan)
		}
		if strings.TrimSpace(payload.GoverningPrompt) != "" {
			m.SeedPrompt(payload.GoverningPrompt)
		}
	case events.Classified:
		if line := lastLine(payload.Tail); line != "" {
			m.ToolHighlight(line)
		}
	case events.ProviderExchange:
		m.Exchange(payload.System, payload.User, payload.Answer)
	case events.ProviderError:
		m.Note(fmt.Sprintf("Provider error (%s): %s", payload.Kind, payload.Message))
	case events.AnswerTyped:
		m.Typed(payload.Answer)
	case events.ApprovalAction:
		m.Note(fmt.Sprintf("Approval: sent %s (%s)", payload.Action, payload.State))
	case events.TrustAnswered:
		m.Note("Workspace trust answered")
	case events.IdleSuggestion:
		if payload.Typed {
			m.Typed(payload.Text)
		} else {
			m.Note("Idle suggestion (not typed): " + payload.Text)
		}
	case events.PlanStep:
		m.Heading(fmt.Sprintf("Step %d of %d: %s", payload.Index+1, payload.Total, payload.Name))
	case events.CommandResult:
		m.Note(fmt.Sprintf("`%s` exited %d in %s", payload.Command, payload.ExitCode, payload.Duration.Round(time.Millisecond)))
	case events.SessionEnded:
		m.Heading(fmt.Sprintf("Outcome: %s (%s)", payload.Outcome, payload.Reason))
		m.Note(fmt.Sprintf("Answers typed: %d", payload.AnswersTyped))
		if payload.Error != "" {
			m.Note("Error: " + payload.Error)
		}
	}
}

// Close flushes and closes the file, returning the first write error seen.
func (m *Markdown) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	flushErr := m.writer.Flush()
	closeErr := m.file.Close()
	m.file = nil
	return errors.Join(m.err, flushErr, closeErr)
}

func (m *Markdown) write(text string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil || m.err != nil {
		return
	}
	if _, err := m.writer.WriteString(text); err != nil {
		m.err = fmt.Errorf("write markdown transcript: %w", err)
	}
}

func writeFence(b *strings.Builder, content string) {
	b.WriteString("```text\n")
	b.WriteString(strings.TrimSpace(content))
	b.WriteString("\n```\n")
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
