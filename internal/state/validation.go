package state

import (
	"fmt"
	"strings"
)

// Ending reasons.
const (
	ReasonCompleted    = "completed"
	ReasonTimeout      = "timeout"
	ReasonMaxSteps     = "max_steps"
	ReasonLoopBreaker  = "loop_breaker"
	ReasonProcessError = "process_error"
	ReasonStepFailed   = "step_failed"
	ReasonStopped      = "stopped"
)

var endingReasons = map[string]map[string]struct{}{
	Completed: {
		ReasonCompleted: {},
	},
	Aborted: {
		ReasonTimeout:      {},
		ReasonMaxSteps:     {},
		ReasonLoopBreaker:  {},
		ReasonProcessError: {},
		ReasonStepFailed:   {},
		ReasonStopped:      {},
	},
}

// EndingError describes a terminal state paired with a reason it cannot carry.
type EndingError struct {
	State  string
	Reason string
	Detail string
}

func (e *EndingError) Error() string {
	return fmt.Sprintf("invalid session ending %s/%s: %s", e.State, e.Reason, e.Detail)
}

// ValidateEnding checks that reason is a legal cause for the terminal state.
func ValidateEnding(terminalState, reason string) error {
	terminalState = strings.TrimSpace(terminalState)
	reason = strings.TrimSpace(reason)

	reasons, ok := endingReasons[terminalState]
	if !ok {
		return &EndingError{State: terminalState, Reason: reason, Detail: "state is not terminal"}
	}
	if reason == "" {
		return &EndingError{State: terminalState, Reason: reason, Detail: "reason must not be empty"}
	}
	if _, ok := reasons[reason]; !ok {
		return &EndingError{State: terminalState, Reason: reason, Detail: "reason not allowed for state"}
	}
	return nil
}

// TerminalStateFor maps an ending reason to its terminal state.
func TerminalStateFor(reason string) string {
	if strings.TrimSpace(reason) == ReasonCompleted {
		return Completed
	}
	return Aborted
}
