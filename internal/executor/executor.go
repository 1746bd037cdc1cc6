// Package executor runs non-interactive plan commands through the shell.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTimeout applies when a command carries no timeout.
	DefaultTimeout = 10 * time.Minute
	// DefaultOutputLimitBytes caps captured output per command.
	DefaultOutputLimitBytes = 1024 * 1024

	maxOutputEventBytes = 1024
	truncationMarker    = "\n...[output truncated]"

	// waitDelay bounds how long output pipes held by orphaned children may
	// delay Run after the shell is killed.
	waitDelay = 2 * time.Second
)

// Command is one shell line to run in Dir.
type Command struct {
	Dir              string
	Line             string
	Timeout          time.Duration
	OutputLimitBytes int
}

// Result is the outcome of a finished command. ExitCode is -1 on timeout.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
	TimedOut bool
}

// Runner runs commands. The session depends on this interface so tests can
// script outcomes.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Shell runs commands with sh -c.
type Shell struct{}

var _ Runner = Shell{}

// Run executes cmd.Line. A non-zero exit is reported in Result, not as an
// error; errors mean the command could not be started.
func (Shell) Run(ctx context.Context, cmd Command) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	line := strings.TrimSpace(cmd.Line)
	if line == "" {
		return Result{}, errors.New("command must not be empty")
	}
	dir := strings.TrimSpace(cmd.Dir)
	if dir == "" {
		return Result{}, errors.New("command dir must not be empty")
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	spanCtx, span := otel.Tracer("cpilot/executor").Start(
		ctx,
		"command.exec",
		trace.WithAttributes(
			attribute.String("command", line),
			attribute.String("cwd", dir),
			attribute.Int64("timeout_ms", timeout.Milliseconds()),
		),
	)
	defer span.End()

	runCtx, cancel := context.WithTimeout(spanCtx, timeout)
	defer cancel()

	process := exec.CommandContext(runCtx, "sh", "-c", line)
	process.Dir = dir
	process.WaitDelay = waitDelay
	output := newLimitedBuffer(cmd.OutputLimitBytes)
	process.Stdout = output
	process.Stderr = output

	start := time.Now()
	err := process.Run()
	result := Result{Duration: time.Since(start)}

	if err != nil {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			result.ExitCode = -1
			result.TimedOut = true
			output.WriteString(fmt.Sprintf("\ncommand timed out after %s", timeout))
		default:
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				result.ExitCode = exitErr.ExitCode()
			} else if process.ProcessState != nil {
				result.ExitCode = process.ProcessState.ExitCode()
			} else {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return Result{}, fmt.Errorf("run command %q: %w", line, err)
			}
		}
	}
	result.Output = strings.TrimSpace(output.String())

	span.SetAttributes(
		attribute.Int("exit_code", result.ExitCode),
		attribute.Int64("duration_ms", result.Duration.Milliseconds()),
		attribute.Bool("timed_out", result.TimedOut),
	)
	if result.Output != "" {
		span.AddEvent("command.output", trace.WithAttributes(
			attribute.String("output", truncateOutput(result.Output, maxOutputEventBytes)),
		))
	}
	if result.ExitCode != 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("exit code %d", result.ExitCode))
	} else {
		span.SetStatus(codes.Ok, "command completed")
	}
	return result, nil
}

type limitedBuffer struct {
	max       int
	data      []byte
	truncated bool
}

func newLimitedBuffer(max int) *limitedBuffer {
	if max <= 0 {
		max = DefaultOutputLimitBytes
	}
	return &limitedBuffer{max: max, data: make([]byte, 0, 512)}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.WriteString(string(p))
	return len(p), nil
}

func (b *limitedBuffer) WriteString(s string) {
	if s == "" {
		return
	}
	remaining := b.max - len(b.data)
	if remaining <= 0 {
		b.truncated = true
		return
	}
	if len(s) > remaining {
		s = s[:remaining]
		b.truncated = true
	}
	b.data = append(b.data, s...)
}

func (b *limitedBuffer) String() string {
	if !b.truncated {
		return string(b.data)
	}
	if len(b.data) >= len(truncationMarker) {
		return string(b.data[:len(b.data)-len(truncationMarker)]) + truncationMarker
	}
	return string(b.data)
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	return value[:limit-len(marker)] + marker
}
