package llm

import (
	"context"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultAnthropicModel is the model used when the config names none.
const DefaultAnthropicModel = "claude-sonnet-4-5"

// AnthropicProvider backs the gateway with the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider builds a provider; an empty apiKey falls back to the
// SDK's environment lookup.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...), model: model}
}

func (p *AnthropicProvider) Name() string      { return "anthropic" }
func (p *AnthropicProvider) ModelName() string { return p.model }

// Complete runs one prompt through the Messages API.
func (p *AnthropicProvider) Complete(ctx context.Context, prompt string, maxTokens int) (*Completion, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, p.classify(ctx, err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return &Completion{
		Text:      text,
		RequestID: msg.ID,
		Usage: TokenUsage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}, nil
}

// classify maps SDK errors onto the gateway's typed errors.
func (p *AnthropicProvider) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Provider: p.Name()}
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			retryAfter := 5 * time.Second
			if v := apiErr.Response.Header.Get("Retry-After"); v != "" {
				if d, perr := time.ParseDuration(v + "s"); perr == nil {
					retryAfter = d
				}
			}
			return &RateLimitError{Provider: p.Name(), RetryAfter: retryAfter}
		case 500, 502, 503, 529:
			return &ProviderUnavailableError{Provider: p.Name()}
		default:
			return &ResponseError{Provider: p.Name(), Reason: apiErr.Error()}
		}
	}
	return &ResponseError{Provider: p.Name(), Reason: err.Error()}
}

// HealthCheck issues a minimal request.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := p.Complete(checkCtx, "ping", 8)
	return err
}
