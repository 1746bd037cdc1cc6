// Package tui is the optional status view of a running session.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/cursor-pilot/cpilot/internal/events"
	"github.com/cursor-pilot/cpilot/internal/state"
	"github.com/cursor-pilot/cpilot/internal/tui/components"
	"github.com/cursor-pilot/cpilot/internal/tui/theme"
)

const (
	defaultWidth     = 100
	defaultHeight    = 30
	statusPanelLines = 6
	eventLogLines    = 6
	tickInterval     = time.Second
)

// EventMsg delivers one bus event to the model.
type EventMsg struct {
	Event events.Event
}

type tickMsg time.Time

// Options configures the status view.
type Options struct {
	Title string
	// Stop is called once when the user presses q or ctrl+c.
	Stop func()
	Now  func() time.Time
}

// Model renders the output tail, the session status, and recent events.
type Model struct {
	title    string
	stop     func()
	now      func() time.Time
	width    int
	height   int
	output   *components.OutputTail
	viewport viewport.Model
	entries  []components.EventLogEntry

	state        string
	answersTyped int
	lastEvent    string
	lastAnswer   string
	startedAt    time.Time
	endedAt      time.Time
	outcome      string
	stopping     bool
	quitting     bool
}

// New builds the status view model.
func New(opts Options) *Model {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = "cpilot"
	}
	m := &Model{
		title:  title,
		stop:   opts.Stop,
		now:    now,
		width:  defaultWidth,
		height: defaultHeight,
		output: components.NewOutputTail(components.DefaultOutputTailLines),
		state:  state.Init,
	}
	m.viewport = viewport.New(m.outputWidth(), m.outputHeight())
	return m
}

// Forward subscribes send to every bus event. Pass (*tea.Program).Send.
func Forward(bus events.Bus, send func(tea.Msg)) {
	if bus == nil || send == nil {
		return
	}
	bus.SubscribeAll(func(event events.Event) {
		send(EventMsg{Event: event})
	})
}

// Init satisfies tea.Model.
func (m *Model) Init() tea.Cmd {
	return tick()
}

// Update satisfies tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.viewport.Width = m.outputWidth()
		m.viewport.Height = m.outputHeight()
		m.refreshOutput()
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "q", "ctrl+c":
			m.requestStop()
			m.quitting = true
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(typed)
		return m, cmd
	case EventMsg:
		m.apply(typed.Event)
		return m, nil
	case tickMsg:
		if !m.endedAt.IsZero() {
			return m, nil
		}
		return m, tick()
	}
	return m, nil
}

func (m *Model) apply(event events.Event) {
	switch payload := event.Payload.(type) {
	case events.SessionStarted:
		m.startedAt = event.Timestamp
		if m.startedAt.IsZero() {
			m.startedAt = m.now()
		}
	case events.OutputChunk:
		m.output.Write(payload.Raw)
		m.refreshOutput()
	case events.StateTransition:
		m.state = payload.To
	case events.Classified:
		m.lastEvent = payload.Event
	case events.AnswerTyped:
		m.answersTyped = payload.Count
		m.lastAnswer = payload.Answer
	case events.SessionEnded:
		m.outcome = fmt.Sprintf("%s (%s)", payload.Outcome, payload.Reason)
		m.answersTyped = payload.AnswersTyped
		m.endedAt = event.Timestamp
		if m.endedAt.IsZero() {
			m.endedAt = m.now()
		}
	}
	if entry, ok := components.EntryFromEvent(event); ok {
		m.entries = append(m.entries, entry)
		if overflow := len(m.entries) - 2*eventLogLines; overflow > 0 {
			m.entries = append(m.entries[:0:0], m.entries[overflow:]...)
		}
	}
}

// View satisfies tea.Model.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}
	output := theme.PanelBorder.Width(m.outputWidth()).Render(
		theme.TitleStyle.Render(m.title) + "\n" + m.viewport.View(),
	)
	status := theme.PanelBorder.Width(m.outputWidth()).Render(m.statusPanel())
	log := components.RenderEventLog(components.EventLogConfig{
		Width:      m.outputWidth(),
		Height:     eventLogLines,
		Events:     m.entries,
		MaxEntries: eventLogLines,
	})
	hint := theme.HintStyle.Render("q stop session · ↑/↓ scroll output")
	return lipgloss.JoinVertical(lipgloss.Left, output, status, log, hint)
}

func (m *Model) statusPanel() string {
	row := func(label, value string) string {
		return theme.LabelStyle.Render(fmt.Sprintf("%-14s", label)) + theme.ValueStyle.Render(value)
	}
	lastAnswer := theme.HintStyle.Render("none")
	if m.lastAnswer != "" {
		lastAnswer = theme.AnswerStyle.Render(fmt.Sprintf("%q", m.lastAnswer))
	}
	lastEvent := m.lastEvent
	if lastEvent == "" {
		lastEvent = "-"
	}
	lines := []string{
		theme.LabelStyle.Render(fmt.Sprintf("%-14s", "State")) + components.RenderStateBadge(m.state),
		row("Answers typed", fmt.Sprintf("%d", m.answersTyped)),
		row("Last event", lastEvent),
		row("Elapsed", m.Elapsed().Round(time.Second).String()),
		theme.LabelStyle.Render(fmt.Sprintf("%-14s", "Last answer")) + lastAnswer,
	}
	if m.outcome != "" {
		lines = append(lines, row("Outcome", m.outcome))
	} else if m.stopping {
		lines = append(lines, row("Outcome", "stopping..."))
	}
	return strings.Join(lines, "\n")
}

// Elapsed is the session run time so far, frozen once it ended.
func (m *Model) Elapsed() time.Duration {
	if m.startedAt.IsZero() {
		return 0
	}
	end := m.endedAt
	if end.IsZero() {
		end = m.now()
	}
	return end.Sub(m.startedAt)
}

// State returns the last lifecycle state seen.
func (m *Model) State() string {
	return m.state
}

// AnswersTyped returns the answer count seen so far.
func (m *Model) AnswersTyped() int {
	return m.answersTyped
}

// OutputLines returns the rendered output tail.
func (m *Model) OutputLines() []string {
	return m.output.Lines()
}

func (m *Model) requestStop() {
	if m.stopping {
		return
	}
	m.stopping = true
	if m.stop != nil {
		m.stop()
	}
}

func (m *Model) refreshOutput() {
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.output.String())
	if atBottom {
		m.viewport.GotoBottom()
	}
}

func (m *Model) outputWidth() int {
	width := m.width - 2
	if width < 20 {
		width = 20
	}
	return width
}

func (m *Model) outputHeight() int {
	height := m.height - statusPanelLines - eventLogLines - 6
	if height < 3 {
		height = 3
	}
	return height
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}
