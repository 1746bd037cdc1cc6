package provider

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/cursor-pilot/cpilot/internal/telemetry"
)

// Traced records an llm.answer span around every completion.
type Traced struct {
	inner Provider
	name  string
	model string
}

var _ Provider = (*Traced)(nil)

// NewTraced wraps inner with llm.answer spans.
func NewTraced(inner Provider, name string, model string) *Traced {
	return &Traced{inner: inner, name: name, model: model}
}

// Complete implements Provider.
func (t *Traced) Complete(ctx context.Context, req Request) (Response, error) {
	spanCtx, call := telemetry.StartAnswer(ctx, telemetry.AnswerRequest{
		Scope:     req.Scope,
		Model:     t.model,
		Provider:  t.name,
		System:    req.System,
		User:      req.User,
		MaxTokens: req.MaxTokens,
	})

	resp, err := t.inner.Complete(spanCtx, req)
	if err != nil {
		kind := KindRequest
		var providerErr *Error
		if errors.As(err, &providerErr) {
			kind = providerErr.Kind
		}
		call.Fail(kind, err)
		return Response{}, err
	}
	call.Answered(resp.Text, resp.TokensUsed)
	return resp, nil
}

// Limited throttles completions to a requests-per-minute budget. It waits for
// a slot and never retries.
type Limited struct {
	inner   Provider
	name    string
	limiter *rate.Limiter
}

var _ Provider = (*Limited)(nil)

// NewLimited wraps inner with a limiter allowing perMinute calls per minute.
func NewLimited(inner Provider, name string, perMinute int) *Limited {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return &Limited{inner: inner, name: name, limiter: rate.NewLimiter(limit, 1)}
}

// Complete implements Provider.
func (l *Limited) Complete(ctx context.Context, req Request) (Response, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return Response{}, &Error{Provider: l.name, Kind: KindRateLimit, Err: err}
	}
	return l.inner.Complete(ctx, req)
}
