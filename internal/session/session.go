// Package session drives one interactive tool run: it classifies output,
// answers prompts through a provider, and enforces the session limits.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cursor-pilot/cpilot/internal/detect"
	"github.com/cursor-pilot/cpilot/internal/events"
	"github.com/cursor-pilot/cpilot/internal/executor"
	"github.com/cursor-pilot/cpilot/internal/governor"
	"github.com/cursor-pilot/cpilot/internal/logging"
	"github.com/cursor-pilot/cpilot/internal/plan"
	"github.com/cursor-pilot/cpilot/internal/prompts"
	"github.com/cursor-pilot/cpilot/internal/provider"
	"github.com/cursor-pilot/cpilot/internal/state"
	"github.com/cursor-pilot/cpilot/internal/telemetry/invariants"
	"github.com/cursor-pilot/cpilot/internal/terminal"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultMaxTokens bounds provider replies.
	DefaultMaxTokens = 128

	exitGrace = 500 * time.Millisecond
)

// Outcome is the terminal lifecycle state of a session.
type Outcome string

const (
	OutcomeCompleted Outcome = state.Completed
	OutcomeAborted   Outcome = state.Aborted
)

// Reason says why a session ended.
type Reason string

const (
	ReasonCompleted    Reason = state.ReasonCompleted
	ReasonTimeout      Reason = state.ReasonTimeout
	ReasonMaxSteps     Reason = state.ReasonMaxSteps
	ReasonLoopBreaker  Reason = state.ReasonLoopBreaker
	ReasonProcessError Reason = state.ReasonProcessError
	ReasonStepFailed   Reason = state.ReasonStepFailed
	ReasonStopped      Reason = state.ReasonStopped
)

// StepFailedError reports a plan command that exited non-zero.
type StepFailedError struct {
	Step     string
	Command  string
	ExitCode int
	Output   string
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("plan step %q: command %q exited with code %d", e.Step, e.Command, e.ExitCode)
}

// Result summarizes a finished session.
type Result struct {
	SessionID    string
	Outcome      Outcome
	Reason       Reason
	AnswersTyped int
	Duration     time.Duration
	// ExitCode is the last tool exit code, or -1 when it was killed or never ran.
	ExitCode int
	// Err carries the failure behind a step_failed or process_error ending.
	Err error
}

// Process is the running tool as the session sees it.
type Process interface {
	WriteLine(line string) error
	WriteRaw(text string) error
	Chunks() <-chan string
	Done() <-chan struct{}
	ExitCode() int
	Dispose()
}

var (
	_ Process = (*terminal.Process)(nil)
	_ Resizer = (*terminal.Process)(nil)
)

// Spawner starts the tool.
type Spawner func(ctx context.Context, spec terminal.Spec) (Process, error)

// SpawnTerminal starts the tool under a pseudo-terminal.
func SpawnTerminal(ctx context.Context, spec terminal.Spec) (Process, error) {
	process, err := terminal.Spawn(ctx, spec)
	if err != nil {
		return nil, err
	}
	return process, nil
}

// Config is what to run and under which limits. Zero limits are unlimited.
type Config struct {
	SessionID string
	Binary    string
	Args      []string
	Dir       string
	Env       []string
	Cols      int
	Rows      int

	GoverningPrompt string
	Plan            *plan.Plan

	ProviderName string
	MaxTokens    int
	Temperature  float32

	Limits         governor.Limits
	IdleThreshold  time.Duration
	IdleNudgeAfter int
	CommandTimeout time.Duration
	AutoApprove    bool
	AutoAnswerIdle bool

	Patterns        detect.Patterns
	MaxBufferBytes  int
	HistoryCapacity int
	OutputBudget    int
}

// Options carries collaborators. Only Provider is required.
type Options struct {
	Provider provider.Provider
	Bus      events.Bus
	Logger   *log.Logger
	Probe    prompts.FileChangeProbe
	Spawn    Spawner
	Runner   executor.Runner
	Now      func() time.Time
	// IdleTick is how often silence is re-classified; defaults to half the idle threshold.
	IdleTick      time.Duration
	EnterDelay    time.Duration
	FallbackDelay time.Duration
	TrustPause    time.Duration
}

// Session is a single run. Run may be called once; Stop is safe from any
// goroutine, any number of times.
type Session struct {
	cfg      Config
	provider provider.Provider
	bus      events.Bus
	logger   *log.Logger
	spawn    Spawner
	runner   executor.Runner
	now      func() time.Time
	idleTick time.Duration
	opts     Options

	machine  *state.Machine
	governor *governor.Governor
	builder  *prompts.Builder
	history  *prompts.History
	system   string
	tracer   trace.Tracer

	mu          sync.Mutex
	started     bool
	abortReason Reason
	cancelRun   context.CancelFunc
	stopped     bool
	lastExit    int
	active      Process
}

// New validates cfg and builds a session.
func New(cfg Config, opts Options) (*Session, error) {
	if opts.Provider == nil {
		return nil, errors.New("provider is required")
	}
	cfg.Binary = strings.TrimSpace(cfg.Binary)
	if cfg.Binary == "" {
		return nil, errors.New("binary must not be empty")
	}
	if cfg.Limits.LoopThreshold == 1 {
		return nil, errors.New("loop threshold must be 0 or at least 2")
	}
	if strings.TrimSpace(cfg.SessionID) == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = detect.DefaultIdleThreshold
	}
	if cfg.IdleNudgeAfter < 0 {
		cfg.IdleNudgeAfter = 0
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = provider.NameMock
	}

	s := &Session{
		cfg:      cfg,
		provider: opts.Provider,
		bus:      opts.Bus,
		logger:   logging.OrDiscard(opts.Logger).With("session_id", cfg.SessionID),
		spawn:    opts.Spawn,
		runner:   opts.Runner,
		now:      opts.Now,
		idleTick: opts.IdleTick,
		opts:     opts,
		governor: governor.New(cfg.Limits),
		history:  prompts.NewHistory(cfg.HistoryCapacity),
		system:   prompts.SystemPrompt(toolName(cfg.Binary)),
		tracer:   otel.Tracer("cpilot/session"),
		lastExit: -1,
	}
	if s.spawn == nil {
		s.spawn = SpawnTerminal
	}
	if s.runner == nil {
		s.runner = executor.Shell{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.idleTick <= 0 {
		s.idleTick = cfg.IdleThreshold / 2
	}
	s.builder = prompts.NewBuilder(opts.Probe, cfg.OutputBudget, s.logger)

	machine, err := state.NewMachine(cfg.SessionID, state.WithObserver(func(record state.TransitionRecord) {
		s.publish(events.EventTypeStateTransition, events.StateTransition{
			From:    record.FromState,
			To:      record.ToState,
			Trigger: record.Trigger,
		}, events.SeverityInfo)
	}))
	if err != nil {
		return nil, fmt.Errorf("create state machine: %w", err)
	}
	s.machine = machine
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.cfg.SessionID
}

// State returns the current lifecycle state.
func (s *Session) State() string {
	return s.machine.Current()
}

// History returns the most recent provider interactions, oldest first.
func (s *Session) History() []prompts.Interaction {
	return s.history.Last(s.history.Len())
}

// Resizer is implemented by processes whose window size can change.
type Resizer interface {
	Resize(cols, rows int) error
}

// ErrNoProcess is returned by Resize when no tool is running.
var ErrNoProcess = errors.New("no tool process running")

// Resize changes the window size of the running tool and of every tool
// spawned after it.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return fmt.Errorf("invalid window size %dx%d", cols, rows)
	}
	s.mu.Lock()
	s.cfg.Cols, s.cfg.Rows = cols, rows
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return ErrNoProcess
	}
	resizer, ok := active.(Resizer)
	if !ok {
		return ErrNoProcess
	}
	if err := resizer.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize tool: %w", err)
	}
	s.logger.Debug("tool resized", "cols", cols, "rows", rows)
	return nil
}

func (s *Session) setActive(process Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = process
}

// Stop aborts the session with ReasonStopped. It is idempotent and safe to
// call before Run or after it returned.
func (s *Session) Stop() {
	if s == nil {
		return
	}
	s.abort(ReasonStopped)
}

func (s *Session) abort(reason Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abortReason == "" {
		s.abortReason = reason
	}
	s.stopped = true
	if s.cancelRun != nil {
		s.cancelRun()
	}
}

func (s *Session) aborted() (Reason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abortReason, s.abortReason != ""
}

// Run executes the plan steps and interactive phases until the session
// completes or aborts. The error is non-nil only when the tool could not be
// started or the session was misused; limit trips are reported in Result.
func (s *Session) Run(ctx context.Context) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return Result{}, errors.New("session already run")
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRun = cancel
	stopped := s.stopped
	s.mu.Unlock()
	defer cancel()

	runCtx, span := s.tracer.Start(runCtx, "session.run", trace.WithAttributes(
		attribute.String("session_id", s.cfg.SessionID),
		attribute.String("binary", s.cfg.Binary),
		attribute.String("provider", s.cfg.ProviderName),
	))
	defer span.End()

	started := s.now()
	s.publishStarted()
	s.logger.Info("session started", "binary", s.cfg.Binary, "dir", s.cfg.Dir, "provider", s.cfg.ProviderName)

	var (
		reason Reason
		cause  error
		runErr error
	)
	if stopped {
		reason = ReasonStopped
	} else {
		s.governor.Arm(func() { s.abort(ReasonTimeout) })
		reason, cause, runErr = s.execute(runCtx)
		s.governor.Disarm()
	}
	if abortReason, ok := s.aborted(); ok && reason != ReasonCompleted {
		reason = abortReason
	}

	result := s.finish(runCtx, started, reason, cause, runErr)
	span.SetAttributes(
		attribute.String("outcome", string(result.Outcome)),
		attribute.String("reason", string(result.Reason)),
		attribute.Int("answers_typed", result.AnswersTyped),
	)
	return result, runErr
}

// execute walks the plan, or runs a single interactive phase without one.
func (s *Session) execute(ctx context.Context) (Reason, error, error) {
	if s.cfg.Plan == nil {
		s.transition(ctx, state.Running, "spawn")
		return s.runInteractive(ctx, s.cfg.Args, -1)
	}

	steps := s.cfg.Plan.Steps
	for index, step := range steps {
		if s.machine.Current() != state.Plan {
			s.transition(ctx, state.Plan, "plan")
		}
		s.publish(events.EventTypePlanStep, events.PlanStep{
			Index:       index,
			Total:       len(steps),
			Name:        step.Name,
			Interactive: step.Interactive(),
		}, events.SeverityInfo)
		s.logger.Info("plan step", "index", index+1, "total", len(steps), "name", step.Name)

		if reason, cause, err := s.runCommands(ctx, step); reason != "" || err != nil {
			return reason, cause, err
		}
		if !step.Interactive() {
			continue
		}
		// The first interactive step owns the rest of the session.
		s.transition(ctx, state.Running, "spawn")
		args := append(append([]string{}, s.cfg.Args...), step.Invocation()...)
		return s.runInteractive(ctx, args, index)
	}
	return ReasonCompleted, nil, nil
}

func (s *Session) finish(ctx context.Context, started time.Time, reason Reason, cause, runErr error) Result {
	elapsed := s.now().Sub(started)
	if reason == ReasonTimeout {
		invariants.CheckDeadlineMet(ctx, "session.finish", elapsed, s.cfg.Limits.Timeout)
	}
	terminalState := state.TerminalStateFor(string(reason))
	if err := state.ValidateEnding(terminalState, string(reason)); err != nil {
		s.logger.Error("invalid session ending", "error", err)
	}
	s.transition(ctx, terminalState, string(reason))

	result := Result{
		SessionID:    s.cfg.SessionID,
		Outcome:      Outcome(terminalState),
		Reason:       reason,
		AnswersTyped: s.governor.AnswersTyped(),
		Duration:     elapsed,
		ExitCode:     s.exitCode(),
		Err:          cause,
	}
	if runErr != nil && result.Err == nil {
		result.Err = runErr
	}

	errText := ""
	if result.Err != nil {
		errText = result.Err.Error()
	}
	severity := events.SeverityInfo
	if result.Outcome == OutcomeAborted {
		severity = events.SeverityWarn
		s.logger.Warn("session aborted", "reason", reason, "answers_typed", result.AnswersTyped, "error", errText)
	} else {
		s.logger.Info("session completed", "answers_typed", result.AnswersTyped, "duration", result.Duration)
	}
	s.publish(events.EventTypeSessionEnded, events.SessionEnded{
		Outcome:      string(result.Outcome),
		Reason:       string(result.Reason),
		AnswersTyped: result.AnswersTyped,
		Duration:     result.Duration,
		Error:        errText,
	}, severity)
	return result
}

func (s *Session) transition(ctx context.Context, to, trigger string) {
	if err := s.machine.Transition(ctx, to, trigger); err != nil {
		s.logger.Warn("state transition rejected", "to", to, "trigger", trigger, "error", err)
	}
}

func (s *Session) publish(eventType string, payload any, severity string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:      eventType,
		Timestamp: s.now().UTC(),
		SessionID: s.cfg.SessionID,
		Payload:   payload,
		Severity:  severity,
	})
}

func (s *Session) publishStarted() {
	planName := ""
	if s.cfg.Plan != nil {
		planName = s.cfg.Plan.Name
	}
	s.publish(events.EventTypeSessionStarted, events.SessionStarted{
		Binary:          s.cfg.Binary,
		GoverningPrompt: s.cfg.GoverningPrompt,
		Args:            append([]string{}, s.cfg.Args...),
		Dir:             s.cfg.Dir,
		Provider:        s.cfg.ProviderName,
		Plan:            planName,
		Timeout:         s.cfg.Limits.Timeout,
		MaxSteps:        s.cfg.Limits.MaxSteps,
		LoopThreshold:   s.cfg.Limits.LoopThreshold,
	}, events.SeverityInfo)
}

func (s *Session) setExitCode(code int) {
	s.mu.Lock()
	s.lastExit = code
	s.mu.Unlock()
}

func (s *Session) exitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExit
}

func toolName(binary string) string {
	binary = strings.TrimRight(binary, "/")
	if idx := strings.LastIndex(binary, "/"); idx >= 0 {
		return binary[idx+1:]
	}
	return binary
}
