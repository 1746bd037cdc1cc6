// Package telemetry configures OpenTelemetry tracing for cpilot sessions.
//
// Every span carries the session it belongs to as resource attributes, so a
// collector can group one run's session, provider and plan-command spans.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cursor-pilot/cpilot/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const (
	// ServiceName is the telemetry service name.
	ServiceName = "cpilot"
	// DefaultEndpoint is used when neither config nor OTEL_EXPORTER_OTLP_ENDPOINT set one.
	DefaultEndpoint = "http://localhost:4318"
	// EndpointOff disables span export.
	EndpointOff = "off"
	// BatchTimeout is the batch span processor flush interval.
	BatchTimeout = 5 * time.Second
	// BatchSize is the batch span processor max export batch size.
	BatchSize = 512
)

// ServiceVersion is set at build time via ldflags when available.
var ServiceVersion = "dev"

// exporterFactory builds the OTLP exporter. otlptracehttp reads the
// OTEL_EXPORTER_OTLP_* TLS and header variables itself.
var exporterFactory = func(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
}

// Options describes the session being traced.
type Options struct {
	// Endpoint comes from config or flags and wins over the environment.
	Endpoint  string
	SessionID string
	Tool      string
	Provider  string
	// Logger receives span summaries when the OTLP exporter is unavailable.
	Logger *log.Logger
}

// Init installs a global tracer provider for one session and returns its
// shutdown func, which flushes pending spans and is safe to call twice.
func Init(ctx context.Context, opts Options) (func(), error) {
	logger := logging.OrDiscard(opts.Logger)
	endpoint := resolveEndpoint(opts.Endpoint)
	if strings.EqualFold(endpoint, EndpointOff) {
		logger.Debug("span export disabled")
		return func() {}, nil
	}

	exporter, err := exporterFactory(ctx, endpoint)
	if err != nil {
		logger.Warn("OTLP exporter unavailable, logging spans instead", "endpoint", endpoint, "error", err)
		exporter = &logSpanExporter{logger: logger}
	}

	attrs := []attribute.KeyValue{
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", serviceVersion()),
	}
	for key, value := range map[string]string{
		"cpilot.session_id": opts.SessionID,
		"cpilot.tool":       opts.Tool,
		"cpilot.provider":   opts.Provider,
	} {
		if value = strings.TrimSpace(value); value != "" {
			attrs = append(attrs, attribute.String(key, value))
		}
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(
			exporter,
			sdktrace.WithBatchTimeout(BatchTimeout),
			sdktrace.WithMaxExportBatchSize(BatchSize),
		),
	)
	otel.SetTracerProvider(provider)
	logger.Debug("tracing enabled", "endpoint", endpoint, "session_id", opts.SessionID)

	var once sync.Once
	return func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), BatchTimeout)
			defer cancel()
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Warn("flush spans failed", "error", err)
			}
		})
	}, nil
}

func resolveEndpoint(configured string) string {
	if endpoint := strings.TrimSpace(configured); endpoint != "" {
		return endpoint
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		return endpoint
	}
	return DefaultEndpoint
}

func serviceVersion() string {
	if version := strings.TrimSpace(ServiceVersion); version != "" {
		return version
	}
	return "dev"
}

// logSpanExporter writes one debug line per span. The console belongs to the
// driven tool, so spans never go to stderr.
type logSpanExporter struct {
	logger *log.Logger
}

func (e *logSpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		e.logger.Debug("span",
			"name", span.Name(),
			"duration", span.EndTime().Sub(span.StartTime()).Round(time.Millisecond),
			"status", span.Status().Code.String(),
			"events", len(span.Events()),
		)
	}
	return nil
}

func (e *logSpanExporter) Shutdown(context.Context) error {
	return nil
}
