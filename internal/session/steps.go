package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cursor-pilot/cpilot/internal/events"
	"github.com/cursor-pilot/cpilot/internal/executor"
	"github.com/cursor-pilot/cpilot/internal/plan"
	"github.com/cursor-pilot/cpilot/internal/telemetry/invariants"
)

// runCommands runs the shell lines of step in order. A non-zero exit ends
// the session with ReasonStepFailed before any interactive phase starts.
func (s *Session) runCommands(ctx context.Context, step plan.Step) (Reason, error, error) {
	for _, line := range step.Run {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return ReasonStopped, nil, nil
		}

		s.logger.Info("running plan command", "step", step.Name, "command", line)
		result, err := s.runner.Run(ctx, executor.Command{
			Dir:     s.cfg.Dir,
			Line:    line,
			Timeout: s.cfg.CommandTimeout,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return ReasonStopped, nil, nil
			}
			return ReasonStepFailed, nil, fmt.Errorf("run plan command %q: %w", line, err)
		}

		severity := events.SeverityInfo
		if result.ExitCode != 0 {
			severity = events.SeverityError
		}
		s.publish(events.EventTypeCommandResult, events.CommandResult{
			Step:     step.Name,
			Command:  line,
			ExitCode: result.ExitCode,
			Output:   result.Output,
			Duration: result.Duration,
			TimedOut: result.TimedOut,
		}, severity)

		if result.ExitCode == 0 {
			continue
		}
		if ctx.Err() != nil {
			// Killed by Stop or the session deadline, not a genuine failure.
			return ReasonStopped, nil, nil
		}
		invariants.CheckPlanCommandSucceeded(ctx, "session.runCommands", step.Name, line, result.ExitCode)
		s.logger.Error("plan command failed", "step", step.Name, "command", line, "exit_code", result.ExitCode, "timed_out", result.TimedOut)
		return ReasonStepFailed, &StepFailedError{
			Step:     step.Name,
			Command:  line,
			ExitCode: result.ExitCode,
			Output:   result.Output,
		}, nil
	}
	return "", nil, nil
}
