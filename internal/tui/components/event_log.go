package components

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"
	"github.com/cursor-pilot/cpilot/internal/events"
	"github.com/cursor-pilot/cpilot/internal/tui/theme"
)

const (
	eventLogMinWidth          = 24
	eventLogDefaultMaxEntries = 50
)

// EventLogEntry is one rendered line of the session event log.
type EventLogEntry struct {
	Severity  string
	Timestamp string
	EventType string
	Message   string
}

// EntryFromEvent summarizes the bus events worth a log line. Output chunks
// and state transitions are shown elsewhere and yield false.
func EntryFromEvent(event events.Event) (EventLogEntry, bool) {
	var message string
	switch payload := event.Payload.(type) {
	case events.SessionStarted:
		message = strings.TrimSpace(payload.Binary + " " + strings.Join(payload.Args, " "))
	case events.Classified:
		message = payload.Event
	case events.ProviderExchange:
		message = fmt.Sprintf("%s %s -> %q", payload.Provider, payload.Scope, payload.Answer)
	case events.ProviderError:
		message = fmt.Sprintf("%s %s: %s", payload.Provider, payload.Kind, payload.Message)
	case events.AnswerTyped:
		message = fmt.Sprintf("#%d %q (%s)", payload.Count, payload.Answer, payload.Source)
	case events.ApprovalAction:
		message = fmt.Sprintf("sent %s (%s)", payload.Action, payload.State)
		if payload.Error != "" {
			message += ": " + payload.Error
		}
	case events.TrustAnswered:
		message = "workspace trust answered"
	case events.IdleSuggestion:
		message = fmt.Sprintf("%q typed=%t", payload.Text, payload.Typed)
	case events.PlanStep:
		message = fmt.Sprintf("step %d/%d %s", payload.Index+1, payload.Total, payload.Name)
	case events.CommandResult:
		message = fmt.Sprintf("%s exit %d", payload.Command, payload.ExitCode)
	case events.SessionEnded:
		message = fmt.Sprintf("%s (%s) answers=%d", payload.Outcome, payload.Reason, payload.AnswersTyped)
	default:
		return EventLogEntry{}, false
	}

	timestamp := ""
	if !event.Timestamp.IsZero() {
		timestamp = event.Timestamp.Local().Format(time.TimeOnly)
	}
	return EventLogEntry{
		Severity:  event.Severity,
		Timestamp: timestamp,
		EventType: event.Type,
		Message:   message,
	}, true
}

// EventLogConfig contains render-time settings for the event log.
type EventLogConfig struct {
	Width      int
	Height     int
	Events     []EventLogEntry
	MaxEntries int
}

// BuildEventLogViewport renders entries into a viewport scrolled to the newest.
func BuildEventLogViewport(config EventLogConfig) viewport.Model {
	width := config.Width
	if width < eventLogMinWidth {
		width = eventLogMinWidth
	}
	height := config.Height
	if height < 2 {
		height = 2
	}

	entries := config.Events
	limit := config.MaxEntries
	if limit <= 0 {
		limit = eventLogDefaultMaxEntries
	}
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, renderEventRow(entry))
	}
	if len(lines) == 0 {
		lines = []string{theme.HintStyle.Render("No events yet")}
	}

	model := viewport.New(width, height)
	model.SetContent(strings.Join(lines, "\n"))
	model.GotoBottom()
	return model
}

// RenderEventLog renders the event log viewport.
func RenderEventLog(config EventLogConfig) string {
	return BuildEventLogViewport(config).View()
}

func renderEventRow(entry EventLogEntry) string {
	severity := strings.ToUpper(strings.TrimSpace(entry.Severity))
	if severity == "" {
		severity = events.SeverityInfo
	}
	timestamp := strings.TrimSpace(entry.Timestamp)
	if timestamp == "" {
		timestamp = "--:--:--"
	}

	severityStyle := lipgloss.NewStyle().Foreground(theme.SlateColor).Bold(true)
	switch severity {
	case events.SeverityWarn:
		severityStyle = lipgloss.NewStyle().Foreground(theme.YellowColor).Bold(true)
	case events.SeverityError:
		severityStyle = lipgloss.NewStyle().Foreground(theme.RedColor).Bold(true)
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Left,
		severityStyle.Render(fmt.Sprintf("[%s]", severity)),
		" ",
		theme.LabelStyle.Render(timestamp),
		" ",
		theme.ValueStyle.Render(entry.EventType),
		" ",
		theme.ValueStyle.Render(strings.TrimSpace(entry.Message)),
	)
}
