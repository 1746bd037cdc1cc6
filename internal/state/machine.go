package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cursor-pilot/cpilot/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Session lifecycle states.
const (
	Init      = "init"
	Plan      = "plan"
	Running   = "running"
	Answering = "answering"
	Completed = "completed"
	Aborted   = "aborted"
)

const entitySession = "session"

var allowedTransitions = map[string]map[string]struct{}{
	Init: {
		Plan:    {},
		Running: {},
		Aborted: {},
	},
	Plan: {
		Running:   {},
		Completed: {},
		Aborted:   {},
	},
	Running: {
		Answering: {},
		Completed: {},
		Aborted:   {},
	},
	Answering: {
		Running:   {},
		Completed: {},
		Aborted:   {},
	},
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithObserver registers a callback invoked after every accepted transition.
func WithObserver(observer func(TransitionRecord)) Option {
	return func(machine *Machine) {
		machine.observer = observer
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(machine *Machine) {
		if now != nil {
			machine.now = now
		}
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	SessionID string
	FromState string
	ToState   string
	Trigger   string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	SessionID string
	FromState string
	ToState   string
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for session lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition session %q from %q to %q: %s",
		e.SessionID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine tracks one session's lifecycle and rejects illegal moves.
type Machine struct {
	mu        sync.Mutex
	sessionID string
	current   string
	tracer    trace.Tracer
	observer  func(TransitionRecord)
	now       func() time.Time
	history   []TransitionRecord
}

// NewMachine builds a lifecycle machine starting in Init.
func NewMachine(sessionID string, options ...Option) (*Machine, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id must not be empty")
	}

	machine := &Machine{
		sessionID: sessionID,
		current:   Init,
		tracer:    otel.Tracer("cpilot/state"),
		now:       time.Now,
		history:   []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	return machine, nil
}

// Current returns the present state.
func (m *Machine) Current() string {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Terminal reports whether the session has completed or aborted.
func (m *Machine) Terminal() bool {
	return IsTerminal(m.Current())
}

// IsTerminal reports whether state admits no further transitions.
func IsTerminal(state string) bool {
	return state == Completed || state == Aborted
}

// Transition moves the session to toState.
func (m *Machine) Transition(ctx context.Context, toState, trigger string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	trigger = strings.TrimSpace(trigger)
	toState = strings.TrimSpace(toState)

	ctx, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	m.mu.Lock()
	fromState := m.current
	span.SetAttributes(
		attribute.String("session_id", m.sessionID),
		attribute.String("from_state", fromState),
		attribute.String("to_state", toState),
		attribute.String("trigger", trigger),
	)

	if !isAllowed(fromState, toState) {
		m.mu.Unlock()
		invariants.CheckStateTransitionLegal(
			ctx,
			"state.machine.transition",
			entitySession,
			fromState,
			toState,
			false,
		)
		err := &IllegalTransitionError{
			SessionID: m.sessionID,
			FromState: fromState,
			ToState:   toState,
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		SessionID: m.sessionID,
		FromState: fromState,
		ToState:   toState,
		Trigger:   trigger,
		Timestamp: m.now().UTC(),
	}
	m.current = toState
	m.history = append(m.history, record)
	observer := m.observer
	m.mu.Unlock()

	if observer != nil {
		observer(record)
	}
	span.SetStatus(codes.Ok, "state transition recorded")
	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(fromState, toState string) bool {
	nextStates, ok := allowedTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}
