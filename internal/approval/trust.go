package approval

import (
	"regexp"
	"time"
)

// DefaultTrustPause separates the trust key from the confirming Enter.
const DefaultTrustPause = 200 * time.Millisecond

var defaultTrustPrompt = regexp.MustCompile(`(?im)(workspace trust|do you trust|trust (this|the) (workspace|folder|directory))`)

// Trust answers the workspace-trust prompt once per session by typing "a",
// pausing, then pressing Enter.
type Trust struct {
	terminal Terminal
	pattern  *regexp.Regexp
	pause    time.Duration
	schedule Scheduler
	onAction func(Action)

	answered bool
	cancel   func()
}

// TrustOptions configures a Trust responder.
type TrustOptions struct {
	Pattern  *regexp.Regexp
	Pause    time.Duration
	Schedule Scheduler
	OnAction func(Action)
}

// NewTrust builds a trust responder that types into terminal.
func NewTrust(terminal Terminal, opts TrustOptions) *Trust {
	t := &Trust{
		terminal: terminal,
		pattern:  opts.Pattern,
		pause:    opts.Pause,
		schedule: opts.Schedule,
		onAction: opts.OnAction,
	}
	if t.pattern == nil {
		t.pattern = defaultTrustPrompt
	}
	if t.pause <= 0 {
		t.pause = DefaultTrustPause
	}
	if t.schedule == nil {
		t.schedule = timerScheduler
	}
	return t
}

// Handle answers chunk when it is the first trust prompt of the session.
func (t *Trust) Handle(chunk string) bool {
	if t.answered || !t.pattern.MatchString(chunk) {
		return false
	}
	t.answered = true
	if err := t.terminal.WriteRaw("a"); err != nil {
		t.report(err)
		return true
	}
	t.cancel = t.schedule(t.pause, func() {
		t.cancel = nil
		t.report(t.terminal.WriteLine(""))
	})
	return true
}

// Answered reports whether the prompt was already handled.
func (t *Trust) Answered() bool {
	return t.answered
}

// Stop cancels a pending Enter.
func (t *Trust) Stop() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *Trust) report(err error) {
	if t.onAction != nil {
		t.onAction(Action{Kind: ActionTrust, Err: err})
	}
}
