// Package approval answers "run this command?" sub-prompts and the one-time
// workspace-trust prompt ahead of the general output classifier.
package approval

import (
	"regexp"
	"sync"
	"time"
)

const (
	// DefaultEnterDelay is the pause before Enter is sent for a fresh prompt.
	DefaultEnterDelay = 150 * time.Millisecond
	// DefaultFallbackDelay is how long Enter may go unanswered before y is typed.
	DefaultFallbackDelay = 900 * time.Millisecond
)

var (
	defaultPrompt  = regexp.MustCompile(`(?im)(run this command\?|not in allowlist:|allow (this )?command\?)`)
	defaultOptions = regexp.MustCompile(`(?im)(\(y\)\s*\(enter\)|\[y/n\]|run\s*\(y\))`)
)

// State is the position inside one approval sequence.
type State int

const (
	StateNone State = iota
	StateSentEnter
	StateSentY
)

func (s State) String() string {
	switch s {
	case StateSentEnter:
		return "sent_enter"
	case StateSentY:
		return "sent_y"
	default:
		return "none"
	}
}

// Terminal is the input side of the driven process.
type Terminal interface {
	WriteLine(line string) error
	WriteRaw(text string) error
}

// Scheduler runs fn after d and returns a func that cancels it. The session
// supplies one that delivers fn on its event loop.
type Scheduler func(d time.Duration, fn func()) (cancel func())

// Action describes a keystroke sent on behalf of a prompt.
type Action struct {
	Kind  string
	State State
	Err   error
}

// Action kinds.
const (
	ActionEnter = "enter"
	ActionYes   = "y"
	ActionReset = "reset"
	ActionTrust = "trust"
)

// Options configures a Heuristic.
type Options struct {
	Prompt        *regexp.Regexp
	OptionsLine   *regexp.Regexp
	EnterDelay    time.Duration
	FallbackDelay time.Duration
	Schedule      Scheduler
	OnAction      func(Action)
}

// Heuristic is the two-phase auto-approval responder. Calls to Handle and
// scheduled callbacks must come from the same goroutine.
type Heuristic struct {
	terminal      Terminal
	prompt        *regexp.Regexp
	optionsLine   *regexp.Regexp
	enterDelay    time.Duration
	fallbackDelay time.Duration
	schedule      Scheduler
	onAction      func(Action)

	state          State
	cancelEnter    func()
	cancelFallback func()
}

// New builds an approval heuristic that types into terminal.
func New(terminal Terminal, opts Options) *Heuristic {
	h := &Heuristic{
		terminal:      terminal,
		prompt:        opts.Prompt,
		optionsLine:   opts.OptionsLine,
		enterDelay:    opts.EnterDelay,
		fallbackDelay: opts.FallbackDelay,
		schedule:      opts.Schedule,
		onAction:      opts.OnAction,
	}
	if h.prompt == nil {
		h.prompt = defaultPrompt
	}
	if h.optionsLine == nil {
		h.optionsLine = defaultOptions
	}
	if h.enterDelay <= 0 {
		h.enterDelay = DefaultEnterDelay
	}
	if h.fallbackDelay <= 0 {
		h.fallbackDelay = DefaultFallbackDelay
	}
	if h.schedule == nil {
		h.schedule = timerScheduler
	}
	return h
}

// MatchesPrompt reports whether chunk carries an approval prompt under the
// default pattern.
func MatchesPrompt(chunk string) bool {
	return defaultPrompt.MatchString(chunk)
}

// Matches reports whether chunk carries an approval prompt.
func (h *Heuristic) Matches(chunk string) bool {
	return h.prompt.MatchString(chunk)
}

// State returns the current sequence position.
func (h *Heuristic) State() State {
	return h.state
}

// Handle advances the sequence for chunk. It returns true when the chunk
// belonged to an approval prompt and must not reach the classifier. A chunk
// without the prompt resets the sequence.
func (h *Heuristic) Handle(chunk string) bool {
	if !h.Matches(chunk) {
		if h.state != StateNone {
			h.Reset()
			h.report(Action{Kind: ActionReset, State: StateNone})
		}
		return false
	}

	switch h.state {
	case StateNone:
		if h.optionsLine.MatchString(chunk) {
			h.sendYes()
			return true
		}
		h.state = StateSentEnter
		h.cancelEnter = h.schedule(h.enterDelay, h.sendEnter)
	case StateSentEnter:
		h.cancelTimers()
		h.sendYes()
	case StateSentY:
	}
	return true
}

// Reset returns to StateNone and cancels pending timers.
func (h *Heuristic) Reset() {
	h.cancelTimers()
	h.state = StateNone
}

func (h *Heuristic) sendEnter() {
	h.cancelEnter = nil
	if h.state != StateSentEnter {
		return
	}
	err := h.terminal.WriteLine("")
	h.report(Action{Kind: ActionEnter, State: h.state, Err: err})
	h.cancelFallback = h.schedule(h.fallbackDelay, h.fallback)
}

func (h *Heuristic) fallback() {
	h.cancelFallback = nil
	if h.state != StateSentEnter {
		return
	}
	h.sendYes()
}

func (h *Heuristic) sendYes() {
	h.state = StateSentY
	err := h.terminal.WriteLine("y")
	h.report(Action{Kind: ActionYes, State: h.state, Err: err})
}

func (h *Heuristic) cancelTimers() {
	if h.cancelEnter != nil {
		h.cancelEnter()
		h.cancelEnter = nil
	}
	if h.cancelFallback != nil {
		h.cancelFallback()
		h.cancelFallback = nil
	}
}

func (h *Heuristic) report(action Action) {
	if h.onAction != nil {
		h.onAction(action)
	}
}

func timerScheduler(d time.Duration, fn func()) func() {
	var once sync.Once
	timer := time.AfterFunc(d, fn)
	return func() {
		once.Do(func() { timer.Stop() })
	}
}
