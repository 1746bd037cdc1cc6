package events

import "time"

// Session event types.
const (
	EventTypeSessionStarted   = "SessionStarted"
	EventTypeOutputChunk      = "OutputChunk"
	EventTypeClassified       = "Classified"
	EventTypeProviderExchange = "ProviderExchange"
	EventTypeProviderError    = "ProviderError"
	EventTypeAnswerTyped      = "AnswerTyped"
	EventTypeApprovalAction   = "ApprovalAction"
	EventTypeTrustAnswered    = "TrustAnswered"
	EventTypeIdleSuggestion   = "IdleSuggestion"
	EventTypePlanStep         = "PlanStep"
	EventTypeCommandResult    = "CommandResult"
	EventTypeStateTransition  = "StateTransition"
	EventTypeSessionEnded     = "SessionEnded"
)

// SessionStarted is published when a session begins, before any plan step.
type SessionStarted struct {
	Binary          string
	GoverningPrompt string
	Args            []string
	Dir             string
	Provider        string
	Plan            string
	Timeout         time.Duration
	MaxSteps        int
	LoopThreshold   int
}

// OutputChunk carries one raw PTY read and its control-stripped text.
type OutputChunk struct {
	Raw   string
	Clean string
}

// Classified records a non-running classification.
type Classified struct {
	Event string
	Tail  string
}

// ProviderExchange records one successful provider call. Scope is "qa" for
// answered prompts and "idle" for idle suggestions.
type ProviderExchange struct {
	Provider   string
	Scope      string
	System     string
	User       string
	Answer     string
	TokensUsed int
	Duration   time.Duration
}

// ProviderError records a failed provider call. The session continues.
type ProviderError struct {
	Provider string
	Scope    string
	Kind     string
	Message  string
}

// AnswerTyped records an answer written to the terminal.
type AnswerTyped struct {
	Answer string
	Count  int
	Source string
}

// ApprovalAction records a keystroke sent by the approval heuristic.
type ApprovalAction struct {
	Action string
	State  string
	Error  string
}

// TrustAnswered records the one-time workspace trust answer.
type TrustAnswered struct {
	Answer string
}

// IdleSuggestion records a provider suggestion made after repeated idle
// periods. Typed is false when auto-answering on idle is off.
type IdleSuggestion struct {
	Text      string
	IdleCount int
	Typed     bool
}

// PlanStep records entry into a plan step.
type PlanStep struct {
	Index       int
	Total       int
	Name        string
	Interactive bool
}

// CommandResult records one finished plan shell command.
type CommandResult struct {
	Step     string
	Command  string
	ExitCode int
	Output   string
	Duration time.Duration
	TimedOut bool
}

// StateTransition records a session lifecycle change.
type StateTransition struct {
	From    string
	To      string
	Trigger string
}

// SessionEnded is the final event of a session.
type SessionEnded struct {
	Outcome      string
	Reason       string
	AnswersTyped int
	Duration     time.Duration
	Error        string
}
