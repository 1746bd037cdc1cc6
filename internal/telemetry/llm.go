package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxErrorMessageBytes = 512
	// maxAnswerBytes bounds the answer recorded on a span. Real answers are
	// keystrokes such as "y" or "2".
	maxAnswerBytes = 64
)

var (
	sensitiveInlinePattern = regexp.MustCompile(`(?i)(api[_-]?key|token|password|secret|authorization)\s*[:=]\s*([^\s,;]+)`)
	bearerTokenPattern     = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._\-]+`)
	openAITokenPattern     = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{10,}`)
)

// AnswerRequest describes one provider call made to answer the tool.
type AnswerRequest struct {
	// Scope is "qa" for prompt answers and "idle" for nudges.
	Scope     string
	Model     string
	Provider  string
	System    string
	User      string
	MaxTokens int
}

// AnswerCall tracks one llm.answer span.
type AnswerCall struct {
	span         trace.Span
	startedAt    time.Time
	promptTokens int

	mu    sync.Mutex
	ended bool
}

// StartAnswer starts an llm.answer span. Prompts are only recorded as
// hashes; the system prompt is hashed on its own so a changed template is
// visible across sessions.
func StartAnswer(ctx context.Context, req AnswerRequest) (context.Context, *AnswerCall) {
	if ctx == nil {
		ctx = context.Background()
	}
	promptTokens := EstimateTokenCount(req.System) + EstimateTokenCount(req.User)
	attrs := []attribute.KeyValue{
		attribute.String("cpilot.scope", orUnknown(req.Scope)),
		attribute.String("llm.provider", orUnknown(req.Provider)),
		attribute.String("llm.model", orUnknown(req.Model)),
		attribute.Int("llm.max_tokens", req.MaxTokens),
		attribute.Int("llm.prompt_tokens", promptTokens),
		attribute.String("llm.system_hash", hashText(req.System)),
		attribute.String("llm.prompt_hash", hashText(req.User)),
	}
	spanCtx, span := otel.Tracer("cpilot/telemetry").Start(ctx, "llm.answer", trace.WithAttributes(attrs...))
	return spanCtx, &AnswerCall{span: span, startedAt: time.Now(), promptTokens: promptTokens}
}

// Fail records a redacted llm.error event of the given provider error kind.
func (c *AnswerCall) Fail(kind string, err error) {
	if c == nil || c.span == nil || err == nil {
		return
	}
	c.span.AddEvent("llm.error", trace.WithAttributes(
		attribute.String("error_kind", orUnknown(kind)),
		attribute.String("error_message", redactSecrets(err.Error())),
	))
	c.end(codes.Error, orUnknown(kind))
}

// Answered records the reply. An empty or multi-line answer is flagged; the
// session only types single short lines.
func (c *AnswerCall) Answered(answer string, tokensUsed int) {
	if c == nil || c.span == nil {
		return
	}
	trimmed := strings.TrimSpace(answer)
	if tokensUsed <= 0 {
		tokensUsed = EstimateTokenCount(trimmed)
	}
	c.span.SetAttributes(
		attribute.String("cpilot.answer", truncate(redactSecrets(trimmed), maxAnswerBytes)),
		attribute.Bool("cpilot.answer_empty", trimmed == ""),
		attribute.Bool("cpilot.answer_multiline", strings.Contains(trimmed, "\n")),
		attribute.Int("llm.response_tokens", tokensUsed),
		attribute.Int("llm.total_tokens", c.promptTokens+tokensUsed),
	)
	c.end(codes.Ok, "")
}

// end finishes the span once; later calls are ignored.
func (c *AnswerCall) end(code codes.Code, description string) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.mu.Unlock()

	c.span.SetAttributes(attribute.Int64("latency_ms", max(time.Since(c.startedAt).Milliseconds(), 0)))
	c.span.SetStatus(code, description)
	c.span.End()
}

// EstimateTokenCount approximates tokens as four per three words.
func EstimateTokenCount(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return (words*4 + 2) / 3
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(redactSecrets(text)))
	return hex.EncodeToString(sum[:])
}

func redactSecrets(input string) string {
	redacted := strings.TrimSpace(input)
	if redacted == "" {
		return ""
	}
	redacted = sensitiveInlinePattern.ReplaceAllString(redacted, "$1=<redacted>")
	redacted = bearerTokenPattern.ReplaceAllString(redacted, "bearer <redacted>")
	redacted = openAITokenPattern.ReplaceAllString(redacted, "<redacted>")
	return truncate(redacted, maxErrorMessageBytes)
}

func truncate(text string, limit int) string {
	const marker = "...[truncated]"
	if len(text) <= limit {
		return text
	}
	return text[:limit-len(marker)] + marker
}

func orUnknown(value string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return "unknown"
}
