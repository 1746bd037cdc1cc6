package provider

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// DefaultOpenAIModel is used when neither options nor OPENAI_MODEL name one.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIOptions configures the OpenAI provider. Empty fields fall back to
// OPENAI_API_KEY, OPENAI_MODEL and OPENAI_BASE_URL.
type OpenAIOptions struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OpenAI completes requests with the chat completions API.
type OpenAI struct {
	client *openai.Client
	model  string
}

var _ Provider = (*OpenAI)(nil)

// NewOpenAI builds an OpenAI provider. A missing API key is a config error.
func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	apiKey := firstNonEmpty(opts.APIKey, os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, &Error{Provider: NameOpenAI, Kind: KindConfig, Err: errors.New("OPENAI_API_KEY is not set")}
	}
	model := firstNonEmpty(opts.Model, os.Getenv("OPENAI_MODEL"), DefaultOpenAIModel)

	cfg := openai.DefaultConfig(apiKey)
	if baseURL := firstNonEmpty(opts.BaseURL, os.Getenv("OPENAI_BASE_URL")); baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

// Model returns the chat model in use.
func (o *OpenAI) Model() string {
	return o.model
}

// Complete implements Provider.
func (o *OpenAI) Complete(ctx context.Context, req Request) (Response, error) {
	chat := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.User},
		},
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		chat.MaxCompletionTokens = req.MaxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, chat)
	if err != nil {
		kind := KindRequest
		if ctx.Err() != nil {
			kind = KindCancelled
		}
		return Response{}, &Error{Provider: NameOpenAI, Kind: kind, Err: err}
	}
	if len(resp.Choices) == 0 {
		return Response{}, &Error{Provider: NameOpenAI, Kind: KindEmpty, Err: errors.New("no choices returned")}
	}
	return Response{
		Text:       resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
