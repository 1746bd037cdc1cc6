package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cursor-pilot/cpilot/internal/approval"
	"github.com/cursor-pilot/cpilot/internal/detect"
	"github.com/cursor-pilot/cpilot/internal/events"
	"github.com/cursor-pilot/cpilot/internal/prompts"
	"github.com/cursor-pilot/cpilot/internal/provider"
	"github.com/cursor-pilot/cpilot/internal/state"
	"github.com/cursor-pilot/cpilot/internal/telemetry/invariants"
	"github.com/cursor-pilot/cpilot/internal/terminal"
	"golang.org/x/sync/errgroup"
)

const (
	scopeQA   = "qa"
	scopeIdle = "idle"

	sourceProvider = "provider"
	sourceIdle     = "idle"

	taskQueueSize = 16
)

// phase is one spawned tool process. Every handler runs on the loop
// goroutine; timers and the idle ticker post closures into tasks.
type phase struct {
	s          *Session
	process    Process
	classifier *detect.Classifier
	approval   *approval.Heuristic
	trust      *approval.Trust
	planIndex  int

	tasks chan func()
	done  chan struct{}

	idleCount int
	finished  bool
	reason    Reason
	cause     error
}

// runInteractive spawns the tool with args and drives it until it
// completes, exits, trips a limit, or ctx is cancelled.
func (s *Session) runInteractive(ctx context.Context, args []string, planIndex int) (Reason, error, error) {
	s.mu.Lock()
	cols, rows := s.cfg.Cols, s.cfg.Rows
	s.mu.Unlock()
	process, err := s.spawn(ctx, terminal.Spec{
		Binary: s.cfg.Binary,
		Args:   args,
		Dir:    s.cfg.Dir,
		Env:    s.cfg.Env,
		Cols:   cols,
		Rows:   rows,
	})
	if err == nil && process == nil {
		err = errors.New("spawner returned no process")
	}
	if err != nil {
		s.logger.Error("spawn failed", "binary", s.cfg.Binary, "error", err)
		return ReasonProcessError, nil, fmt.Errorf("spawn %s: %w", s.cfg.Binary, err)
	}
	s.logger.Info("tool spawned", "binary", s.cfg.Binary, "args", strings.Join(args, " "))

	p := &phase{
		s:         s,
		process:   process,
		planIndex: planIndex,
		tasks:     make(chan func(), taskQueueSize),
		done:      make(chan struct{}),
	}
	p.classifier = detect.New(detect.Options{
		Patterns:       s.cfg.Patterns,
		IdleThreshold:  s.cfg.IdleThreshold,
		MaxBufferBytes: s.cfg.MaxBufferBytes,
		Now:            s.now,
	})
	if s.cfg.AutoApprove {
		p.approval = approval.New(process, approval.Options{
			EnterDelay:    s.opts.EnterDelay,
			FallbackDelay: s.opts.FallbackDelay,
			Schedule:      p.schedule,
			OnAction:      p.onApproval,
		})
	}
	p.trust = approval.NewTrust(process, approval.TrustOptions{
		Pause:    s.opts.TrustPause,
		Schedule: p.schedule,
		OnAction: p.onTrust,
	})
	s.setActive(process)
	defer p.teardown()

	phaseCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var group errgroup.Group
	group.Go(func() error {
		defer cancel()
		p.loop(phaseCtx)
		return nil
	})
	group.Go(func() error {
		p.tick(phaseCtx)
		return nil
	})
	// Neither goroutine fails; the phase outcome lives on p.
	_ = group.Wait()

	if !p.finished {
		return ReasonStopped, nil, nil
	}
	return p.reason, p.cause, nil
}

func (p *phase) loop(ctx context.Context) {
	defer close(p.done)

	chunks := p.process.Chunks()
	exited := p.process.Done()
	var (
		processExited bool
		grace         <-chan time.Time
	)
	for !p.finished {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				if processExited {
					p.onExit()
				}
				continue
			}
			p.handleChunk(ctx, chunk)
		case <-exited:
			exited = nil
			processExited = true
			if chunks == nil {
				p.onExit()
				continue
			}
			// Let the reader drain output written just before exit.
			grace = time.After(exitGrace)
		case <-grace:
			p.onExit()
		case task := <-p.tasks:
			task()
		}
	}
}

// tick re-classifies silence so a stalled tool still produces idle events.
func (p *phase) tick(ctx context.Context) {
	ticker := time.NewTicker(p.s.idleTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.post(func() {
				if p.classifier.Ingest("") == detect.EventIdle {
					p.handleIdle(ctx)
				}
			})
		}
	}
}

// post queues fn for the loop goroutine; it is dropped once the loop ended.
func (p *phase) post(fn func()) {
	select {
	case p.tasks <- fn:
	case <-p.done:
	}
}

// schedule is the approval.Scheduler that delivers fn on the loop goroutine.
func (p *phase) schedule(d time.Duration, fn func()) func() {
	var cancelled atomic.Bool
	timer := time.AfterFunc(d, func() {
		p.post(func() {
			if !cancelled.Load() {
				fn()
			}
		})
	})
	return func() {
		cancelled.Store(true)
		timer.Stop()
	}
}

func (p *phase) handleChunk(ctx context.Context, raw string) {
	s := p.s
	clean := detect.StripControl(raw)
	s.publish(events.EventTypeOutputChunk, events.OutputChunk{Raw: raw, Clean: clean}, events.SeverityInfo)

	if p.trust.Handle(clean) {
		return
	}
	if p.approval != nil {
		if p.approval.Handle(clean) {
			return
		}
	} else if approval.MatchesPrompt(clean) {
		// Without auto-approve the provider decides, whatever the
		// question patterns say.
		p.classifier.Ingest(raw)
		p.idleCount = 0
		p.answer(ctx, detect.EventQuestion)
		return
	}

	event := p.classifier.Ingest(raw)
	if event != detect.EventIdle {
		p.idleCount = 0
	}
	switch {
	case event == detect.EventCompleted:
		s.publish(events.EventTypeClassified, events.Classified{Event: string(event), Tail: p.tail()}, events.SeverityInfo)
		s.logger.Info("tool reported completion")
		p.finish(ReasonCompleted, nil)
	case event.NeedsAnswer():
		p.answer(ctx, event)
	case event == detect.EventIdle:
		p.handleIdle(ctx)
	}
}

func (p *phase) answer(ctx context.Context, event detect.Event) {
	s := p.s
	s.transition(ctx, state.Answering, string(event))
	s.publish(events.EventTypeClassified, events.Classified{Event: string(event), Tail: p.tail()}, events.SeverityInfo)
	s.logger.Info("prompt detected", "event", event)

	if err := s.governor.BeforeAnswer(); err != nil {
		invariants.CheckStepCap(ctx, "session.answer", s.governor.AnswersTyped(), s.cfg.Limits.MaxSteps)
		s.logger.Warn("max steps reached", "answers_typed", s.governor.AnswersTyped())
		p.finish(ReasonMaxSteps, nil)
		return
	}

	question := detect.StripControl(p.classifier.Buffer())
	user := s.builder.Build(ctx, prompts.Input{
		GoverningPrompt: s.cfg.GoverningPrompt,
		RecentOutput:    question,
		PlanContext:     s.cfg.Plan.Context(p.planIndex),
		Cwd:             s.cfg.Dir,
	})
	answer, ok := p.ask(ctx, scopeQA, user)
	if !ok {
		if ctx.Err() != nil {
			return
		}
		p.classifier.Reset()
		s.transition(ctx, state.Running, "provider_error")
		return
	}

	if err := s.governor.RecordAnswer(string(event), answer); err != nil {
		invariants.CheckNoAnswerLoop(ctx, "session.answer", string(event)+"|"+answer, s.governor.RepeatCount()+1, s.cfg.Limits.LoopThreshold)
		s.logger.Warn("loop detected", "event", event, "answer", answer, "repeats", s.governor.RepeatCount()+1)
		p.finish(ReasonLoopBreaker, nil)
		return
	}

	if err := p.typeAnswer(answer, sourceProvider); err == nil {
		s.history.Add(prompts.Interaction{
			Event:    string(event),
			Question: prompts.TruncateTail(question, prompts.DefaultOutputBudget),
			Answer:   answer,
		})
	}
	p.classifier.Reset()
	p.idleCount = 0
	s.transition(ctx, state.Running, "answered")
}

func (p *phase) handleIdle(ctx context.Context) {
	s := p.s
	p.idleCount++
	s.publish(events.EventTypeClassified, events.Classified{Event: string(detect.EventIdle), Tail: p.tail()}, events.SeverityInfo)
	s.logger.Debug("tool idle", "idle_count", p.idleCount)

	if s.cfg.IdleNudgeAfter <= 0 || p.idleCount < s.cfg.IdleNudgeAfter {
		return
	}
	idleCount := p.idleCount
	p.idleCount = 0

	if s.cfg.AutoAnswerIdle {
		if err := s.governor.BeforeAnswer(); err != nil {
			invariants.CheckStepCap(ctx, "session.idle", s.governor.AnswersTyped(), s.cfg.Limits.MaxSteps)
			p.finish(ReasonMaxSteps, nil)
			return
		}
	}

	user := s.builder.Build(ctx, prompts.Input{
		GoverningPrompt: s.cfg.GoverningPrompt,
		RecentOutput:    detect.StripControl(p.classifier.Buffer()),
		PlanContext:     s.cfg.Plan.Context(p.planIndex),
		Cwd:             s.cfg.Dir,
		Instruction:     prompts.IdleInstruction,
	})
	suggestion, ok := p.ask(ctx, scopeIdle, user)
	if !ok {
		return
	}

	typed := false
	if s.cfg.AutoAnswerIdle && suggestion != "" {
		if err := s.governor.RecordAnswer(string(detect.EventIdle), suggestion); err != nil {
			invariants.CheckNoAnswerLoop(ctx, "session.idle", string(detect.EventIdle)+"|"+suggestion, s.governor.RepeatCount()+1, s.cfg.Limits.LoopThreshold)
			p.finish(ReasonLoopBreaker, nil)
			return
		}
		typed = p.typeAnswer(suggestion, sourceIdle) == nil
		if typed {
			p.classifier.Reset()
		}
	}
	s.publish(events.EventTypeIdleSuggestion, events.IdleSuggestion{
		Text:      suggestion,
		IdleCount: idleCount,
		Typed:     typed,
	}, events.SeverityInfo)
}

// ask calls the provider once. Failures are published and logged; the turn
// types nothing.
func (p *phase) ask(ctx context.Context, scope, user string) (string, bool) {
	s := p.s
	started := s.now()
	response, err := s.provider.Complete(ctx, provider.Request{
		Scope:       scope,
		System:      s.system,
		User:        user,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", false
		}
		kind := provider.KindRequest
		var providerErr *provider.Error
		if errors.As(err, &providerErr) {
			kind = providerErr.Kind
		}
		s.publish(events.EventTypeProviderError, events.ProviderError{
			Provider: s.cfg.ProviderName,
			Scope:    scope,
			Kind:     kind,
			Message:  err.Error(),
		}, events.SeverityWarn)
		s.logger.Warn("provider call failed", "scope", scope, "kind", kind, "error", err)
		return "", false
	}

	text := strings.TrimSpace(response.Text)
	s.publish(events.EventTypeProviderExchange, events.ProviderExchange{
		Provider:   s.cfg.ProviderName,
		Scope:      scope,
		System:     s.system,
		User:       user,
		Answer:     text,
		TokensUsed: response.TokensUsed,
		Duration:   s.now().Sub(started),
	}, events.SeverityInfo)
	return text, true
}

func (p *phase) typeAnswer(answer, source string) error {
	s := p.s
	if err := p.process.WriteLine(answer); err != nil {
		s.logger.Warn("write answer failed", "answer", answer, "error", err)
		return err
	}
	count := s.governor.AnswerTyped()
	s.publish(events.EventTypeAnswerTyped, events.AnswerTyped{
		Answer: answer,
		Count:  count,
		Source: source,
	}, events.SeverityInfo)
	s.logger.Info("answer typed", "answer", answer, "count", count, "source", source)
	return nil
}

func (p *phase) onExit() {
	if p.finished {
		return
	}
	code := p.process.ExitCode()
	p.s.setExitCode(code)
	if code == 0 {
		p.s.logger.Info("tool exited", "exit_code", code)
		p.finish(ReasonCompleted, nil)
		return
	}
	p.s.logger.Warn("tool exited with error", "exit_code", code)
	p.finish(ReasonProcessError, fmt.Errorf("%s exited with code %d", p.s.cfg.Binary, code))
}

func (p *phase) onApproval(action approval.Action) {
	errText := ""
	if action.Err != nil {
		errText = action.Err.Error()
		p.s.logger.Warn("approval keystroke failed", "action", action.Kind, "error", action.Err)
	} else {
		p.s.logger.Info("approval action", "action", action.Kind, "state", action.State)
	}
	p.s.publish(events.EventTypeApprovalAction, events.ApprovalAction{
		Action: action.Kind,
		State:  action.State.String(),
		Error:  errText,
	}, events.SeverityInfo)
}

func (p *phase) onTrust(action approval.Action) {
	if action.Err != nil {
		p.s.logger.Warn("workspace trust answer failed", "error", action.Err)
		return
	}
	p.s.logger.Info("workspace trust answered")
	p.s.publish(events.EventTypeTrustAnswered, events.TrustAnswered{Answer: "a"}, events.SeverityInfo)
}

func (p *phase) finish(reason Reason, cause error) {
	if p.finished {
		return
	}
	p.finished = true
	p.reason = reason
	p.cause = cause
}

// teardown cancels pending keystrokes and releases the process.
func (p *phase) teardown() {
	p.s.setActive(nil)
	if p.approval != nil {
		p.approval.Reset()
	}
	p.trust.Stop()
	p.process.Dispose()
}

func (p *phase) tail() string {
	return prompts.TruncateTail(detect.StripControl(p.classifier.Buffer()), prompts.DefaultOutputBudget)
}
