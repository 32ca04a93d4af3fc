package invoker

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicOptions configures the Anthropic backend (model id, max tokens,
// API key). Extend via functional options to preserve constructor
// stability.
type AnthropicOptions struct {
	Model     anthropic.Model
	MaxTokens int64
	APIKey    string
}

// AnthropicBackend drives the Anthropic Messages API behind the Backend
// interface. Every invocation is a single non-streaming request; the core
// has no use for partial tokens, only the final text.
type AnthropicBackend struct {
	client *anthropic.Client
	opts   AnthropicOptions
}

// NewAnthropicBackend constructs a Backend using the official client.
func NewAnthropicBackend(optFns ...func(*AnthropicOptions)) *AnthropicBackend {
	opts := AnthropicOptions{
		Model:     anthropic.ModelClaudeSonnet4_5,
		MaxTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &AnthropicBackend{client: &client, opts: opts}
}

// Provider returns "anthropic", matching AgentConfig.Provider.
func (b *AnthropicBackend) Provider() string { return "anthropic" }

// Generate issues a single Messages API call and concatenates any returned
// text blocks.
func (b *AnthropicBackend) Generate(ctx context.Context, req Request) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     b.opts.Model,
		MaxTokens: b.opts.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.Agent.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.Agent.SystemPrompt}}
	}

	msg, err := b.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("invoker: anthropic generate: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}
