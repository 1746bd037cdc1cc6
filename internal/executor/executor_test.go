package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestShellRunCapturesOutputAndExitCode(t *testing.T) {
	dir := t.TempDir()

	result, err := Shell{}.Run(context.Background(), Command{Dir: dir, Line: "echo hello; echo oops >&2; exit 3"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", result.ExitCode)
	}
	if !strings.Contains(result.Output, "hello") || !strings.Contains(result.Output, "oops") {
		t.Fatalf("output = %q, want stdout and stderr", result.Output)
	}
	if result.TimedOut {
		t.Fatal("unexpected timeout")
	}
}

func TestShellRunUsesDir(t *testing.T) {
	dir := t.TempDir()

	result, err := Shell{}.Run(context.Background(), Command{Dir: dir, Line: "pwd"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d", result.ExitCode)
	}
	if !strings.HasSuffix(result.Output, dir[strings.LastIndex(dir, "/"):]) {
		t.Fatalf("pwd = %q, want %q", result.Output, dir)
	}
}

func TestShellRunTimesOut(t *testing.T) {
	result, err := Shell{}.Run(context.Background(), Command{Dir: t.TempDir(), Line: "sleep 5", Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode != -1 || !result.TimedOut {
		t.Fatalf("result = %+v, want timeout exit -1", result)
	}
	if !strings.Contains(result.Output, "command timed out after 50ms") {
		t.Fatalf("output = %q, want timeout note", result.Output)
	}
}

func TestShellRunRejectsEmptyInput(t *testing.T) {
	if _, err := (Shell{}).Run(context.Background(), Command{Dir: t.TempDir(), Line: "  "}); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := (Shell{}).Run(context.Background(), Command{Line: "true"}); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestShellRunTruncatesOutput(t *testing.T) {
	result, err := Shell{}.Run(context.Background(), Command{
		Dir:              t.TempDir(),
		Line:             "head -c 4096 /dev/zero | tr '\\0' 'x'",
		OutputLimitBytes: 64,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Output) != 64 {
		t.Fatalf("output length = %d, want capped at 64", len(result.Output))
	}
	if !strings.HasSuffix(result.Output, "...[output truncated]") {
		t.Fatalf("output = %q, want truncation marker", result.Output)
	}
}

func TestShellRunRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
		otel.SetTracerProvider(previous)
	})

	if _, err := (Shell{}).Run(context.Background(), Command{Dir: t.TempDir(), Line: "exit 2"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "command.exec" {
		t.Fatalf("spans = %d, want one command.exec", len(spans))
	}
	if got := intAttr(spans[0].Attributes(), "exit_code"); got != 2 {
		t.Fatalf("exit_code attr = %d, want 2", got)
	}
}

func TestLimitedBufferMarksTruncation(t *testing.T) {
	buffer := newLimitedBuffer(len(truncationMarker) + 4)
	buffer.WriteString("abcd")
	if buffer.String() != "abcd" {
		t.Fatalf("buffer = %q", buffer.String())
	}
	_, _ = buffer.Write([]byte(strings.Repeat("z", 100)))
	got := buffer.String()
	if !strings.HasPrefix(got, "abcd") || !strings.HasSuffix(got, truncationMarker) {
		t.Fatalf("buffer = %q", got)
	}
}

func intAttr(attrs []attribute.KeyValue, key string) int {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return int(attr.Value.AsInt64())
		}
	}
	return 0
}
