// Package invariants records session safety-limit trips as span events.
package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantStepCapNotExceeded requires answers typed to stay below max steps.
	InvariantStepCapNotExceeded = "step_cap_not_exceeded"
	// InvariantNoAnswerLoop requires the same question/answer pair not to repeat past the loop threshold.
	InvariantNoAnswerLoop = "no_answer_loop"
	// InvariantDeadlineMet requires the session to finish before its wall-clock timeout.
	InvariantDeadlineMet = "deadline_met"
	// InvariantPlanCommandSucceeded requires non-interactive plan commands to exit zero.
	InvariantPlanCommandSucceeded = "plan_command_succeeded"
	// InvariantStateTransitionLegal requires lifecycle transitions to follow the session state machine.
	InvariantStateTransitionLegal = "state_transition_legal"
)

const (
	// SeverityWarn is used for limit trips the session handles by aborting.
	SeverityWarn = "warn"
	// SeverityError is used for failures.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation event on the active span,
// or on a short synthetic span when ctx carries none.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", normalizeSeverity(severity)),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}
	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	_, temporarySpan := otel.Tracer("cpilot/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
}

// CheckStepCap reports a violation once answersTyped reaches maxSteps.
func CheckStepCap(ctx context.Context, whereDetected string, answersTyped, maxSteps int) bool {
	if maxSteps <= 0 || answersTyped < maxSteps {
		return true
	}
	InvariantViolation(ctx, InvariantStepCapNotExceeded, SeverityWarn, ViolationDetails{
		WhatInvariant: "answers typed stay below the configured max steps",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("answers_typed=%d reached max_steps=%d", answersTyped, maxSteps),
		Additional: map[string]string{
			"answers_typed": fmt.Sprintf("%d", answersTyped),
			"max_steps":     fmt.Sprintf("%d", maxSteps),
		},
	})
	return false
}

// CheckNoAnswerLoop reports a violation when the same pair repeated threshold times.
func CheckNoAnswerLoop(ctx context.Context, whereDetected string, pair string, repeats, threshold int) bool {
	if threshold <= 0 || repeats < threshold {
		return true
	}
	InvariantViolation(ctx, InvariantNoAnswerLoop, SeverityWarn, ViolationDetails{
		WhatInvariant: "identical question/answer pairs stay below the loop threshold",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("pair repeated %d times (threshold %d)", repeats, threshold),
		Additional: map[string]string{
			"pair":      pair,
			"threshold": fmt.Sprintf("%d", threshold),
		},
	})
	return false
}

// CheckDeadlineMet reports a violation when elapsed reached timeout.
func CheckDeadlineMet(ctx context.Context, whereDetected string, elapsed, timeout time.Duration) bool {
	if timeout <= 0 || elapsed < timeout {
		return true
	}
	InvariantViolation(ctx, InvariantDeadlineMet, SeverityWarn, ViolationDetails{
		WhatInvariant: "session finishes before its wall-clock timeout",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("elapsed=%s reached timeout=%s", elapsed.Round(time.Millisecond), timeout),
	})
	return false
}

// CheckPlanCommandSucceeded reports a violation for a non-zero plan command exit.
func CheckPlanCommandSucceeded(ctx context.Context, whereDetected string, step, command string, exitCode int) bool {
	if exitCode == 0 {
		return true
	}
	InvariantViolation(ctx, InvariantPlanCommandSucceeded, SeverityError, ViolationDetails{
		WhatInvariant: "non-interactive plan commands exit zero",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("command exited with code %d", exitCode),
		Additional: map[string]string{
			"step":    strings.TrimSpace(step),
			"command": strings.TrimSpace(command),
		},
	})
	return false
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(
	ctx context.Context,
	whereDetected string,
	entityType string,
	fromState string,
	toState string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "state machine transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for entity=%s from=%s to=%s", entityType, fromState, toState),
		Additional: map[string]string{
			"entity_type": strings.TrimSpace(entityType),
			"from_state":  strings.TrimSpace(fromState),
			"to_state":    strings.TrimSpace(toState),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	if strings.EqualFold(strings.TrimSpace(value), SeverityWarn) {
		return SeverityWarn
	}
	return SeverityError
}
