package logging

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func readRecords(t *testing.T, path string) []map[string]any {
	t.Helper()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(content)), "\n") {
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		records = append(records, record)
	}
	return records
}

func TestNewWritesJSONRecordsWithRunFields(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fixed := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	logger, err := New(context.Background(), WithDir(dir), WithRunID("run-1"), withClock(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	wantPath := filepath.Join(dir, "cpilot-20260301-123000-run-1.log")
	if logger.Path() != wantPath {
		t.Fatalf("path = %q, want %q", logger.Path(), wantPath)
	}

	logger.Logger.Info("answer typed", "answer", "1")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	records := readRecords(t, wantPath)
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	last := records[1]
	if last["msg"] != "answer typed" || last["answer"] != "1" {
		t.Fatalf("record = %#v", last)
	}
	if last["run_id"] != "run-1" {
		t.Fatalf("run_id = %v, want run-1", last["run_id"])
	}
	if _, ok := last["trace_id"]; !ok {
		t.Fatal("trace_id field missing")
	}
}

func TestWithSpanContextAdoptsTraceIDs(t *testing.T) {
	t.Parallel()

	provider := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	ctx, span := provider.Tracer("logging-test").Start(context.Background(), "run")
	defer span.End()

	logger, err := New(context.Background(), WithDir(t.TempDir()), WithRunID("run-2"))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.WithSpanContext(ctx)
	logger.Logger.Warn("abort", "reason", "timeout")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	records := readRecords(t, logger.Path())
	last := records[len(records)-1]
	if last["trace_id"] != span.SpanContext().TraceID().String() {
		t.Fatalf("trace_id = %v, want %s", last["trace_id"], span.SpanContext().TraceID())
	}
	if last["span_id"] != span.SpanContext().SpanID().String() {
		t.Fatalf("span_id = %v", last["span_id"])
	}
}

func TestNilRuntimeLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var logger *RuntimeLogger
	if logger.WithRunID("x") != nil || logger.WithSpanContext(context.Background()) != nil {
		t.Fatal("nil logger should stay nil")
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("close nil logger: %v", err)
	}
	if logger.Path() != "" {
		t.Fatal("nil logger path should be empty")
	}
	OrDiscard(nil).Info("dropped")
}
