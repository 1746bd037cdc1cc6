// Package provider defines the language-model contract used to produce typed
// answers, with mock and OpenAI implementations.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Names of the built-in providers.
const (
	NameMock   = "mock"
	NameOpenAI = "openai"
)

// Error kinds.
const (
	KindConfig    = "config"
	KindRequest   = "request"
	KindEmpty     = "empty_response"
	KindRateLimit = "rate_limit"
	KindCancelled = "cancelled"
)

// ErrProvider matches every *Error via errors.Is.
var ErrProvider = errors.New("provider failure")

// Request is one completion call.
type Request struct {
	// Scope names why the session asks: "qa" or "idle".
	Scope       string
	System      string
	User        string
	MaxTokens   int
	Temperature float32
}

// Response is the provider reply.
type Response struct {
	Text       string
	TokensUsed int
}

// Provider produces a completion for a request. Implementations must be safe
// to call repeatedly and must fail with an error rather than a partial answer.
type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Error is a typed provider failure.
type Error struct {
	Provider string
	Kind     string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return fmt.Sprintf("%s provider %s failure", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s provider %s failure: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports ErrProvider equivalence.
func (e *Error) Is(target error) bool {
	return target == ErrProvider
}

// Options selects and tunes a provider built by New.
type Options struct {
	Model             string
	APIKey            string
	BaseURL           string
	RequestsPerMinute int
}

// New builds the named provider wrapped with tracing and, when configured,
// rate limiting. Unknown names fall back to the mock provider.
func New(name string, opts Options) (Provider, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))

	var base Provider
	model := opts.Model
	switch normalized {
	case NameOpenAI:
		client, err := NewOpenAI(OpenAIOptions{APIKey: opts.APIKey, Model: opts.Model, BaseURL: opts.BaseURL})
		if err != nil {
			return nil, err
		}
		base = client
		model = client.Model()
	default:
		normalized = NameMock
		base = NewMock()
		if model == "" {
			model = NameMock
		}
	}

	var wrapped Provider = NewTraced(base, normalized, model)
	if opts.RequestsPerMinute > 0 {
		wrapped = NewLimited(wrapped, normalized, opts.RequestsPerMinute)
	}
	return wrapped, nil
}
