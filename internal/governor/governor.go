// Package governor enforces per-session step caps, loop breaking, and the
// wall-clock deadline.
package governor

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrMaxSteps means the configured answer cap was reached.
	ErrMaxSteps = errors.New("max steps reached")
	// ErrLoopDetected means the same answer repeated for the same event too many times.
	ErrLoopDetected = errors.New("loop detected")
	// ErrTimeout means the session wall-clock deadline elapsed.
	ErrTimeout = errors.New("session timeout elapsed")
)

// Limits holds the governor thresholds. Zero disables a dimension.
type Limits struct {
	Timeout       time.Duration
	MaxSteps      int
	LoopThreshold int
}

// Governor tracks answers typed and repeated question/answer pairs.
//
// Answer accounting is meant to be driven from a single goroutine; only the
// deadline timer is touched concurrently.
type Governor struct {
	limits Limits

	answersTyped   int
	lastAnswerHash string
	repeatCount    int
	tripped        error

	mu        sync.Mutex
	timer     *time.Timer
	afterFunc func(time.Duration, func()) *time.Timer
}

// New builds a governor for one session.
func New(limits Limits) *Governor {
	if limits.MaxSteps < 0 {
		limits.MaxSteps = 0
	}
	if limits.LoopThreshold < 0 {
		limits.LoopThreshold = 0
	}
	if limits.Timeout < 0 {
		limits.Timeout = 0
	}
	return &Governor{
		limits:    limits,
		afterFunc: time.AfterFunc,
	}
}

// Limits returns the configured thresholds.
func (g *Governor) Limits() Limits {
	return g.limits
}

// Arm starts the wall-clock deadline. onTimeout runs on its own goroutine.
// Arming twice or without a timeout is a no-op.
func (g *Governor) Arm(onTimeout func()) {
	if g == nil || g.limits.Timeout <= 0 || onTimeout == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		return
	}
	g.timer = g.afterFunc(g.limits.Timeout, onTimeout)
}

// Disarm cancels the deadline timer. Safe to call repeatedly.
func (g *Governor) Disarm() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
	}
}

// BeforeAnswer reports ErrMaxSteps when the answer cap was already reached,
// so the caller can abort without consulting the provider.
func (g *Governor) BeforeAnswer() error {
	if g.tripped != nil {
		return g.tripped
	}
	if g.limits.MaxSteps > 0 && g.answersTyped >= g.limits.MaxSteps {
		g.tripped = ErrMaxSteps
		return ErrMaxSteps
	}
	return nil
}

// RecordAnswer registers a produced answer for event and reports
// ErrLoopDetected once the same pair was produced LoopThreshold times in a
// row. A tripped governor keeps returning its error.
func (g *Governor) RecordAnswer(event string, answer string) error {
	if g.tripped != nil {
		return g.tripped
	}

	hash := event + "|" + answer
	if hash == g.lastAnswerHash {
		g.repeatCount++
	} else {
		g.lastAnswerHash = hash
		g.repeatCount = 0
	}

	// The threshold counts occurrences, not repeats: 3 trips on the third
	// identical pair. A threshold of 1 would trip on every first answer.
	if g.limits.LoopThreshold > 0 && g.repeatCount+1 >= g.limits.LoopThreshold {
		g.tripped = ErrLoopDetected
		return ErrLoopDetected
	}
	return nil
}

// AnswerTyped increments the typed-answer counter.
func (g *Governor) AnswerTyped() int {
	g.answersTyped++
	return g.answersTyped
}

// AnswersTyped returns how many answers were typed so far.
func (g *Governor) AnswersTyped() int {
	return g.answersTyped
}

// RepeatCount returns how many times the last pair repeated after its first occurrence.
func (g *Governor) RepeatCount() int {
	return g.repeatCount
}
