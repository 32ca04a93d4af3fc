package invoker

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIOptions configures the OpenAI backend.
type OpenAIOptions struct {
	Model  string
	APIKey string
}

// OpenAIBackend drives the OpenAI Chat Completions API behind the Backend
// interface, one non-streaming call per invocation.
type OpenAIBackend struct {
	client *openai.Client
	opts   OpenAIOptions
}

// NewOpenAIBackend constructs a Backend using the official client.
func NewOpenAIBackend(optFns ...func(*OpenAIOptions)) *OpenAIBackend {
	opts := OpenAIOptions{Model: openai.ChatModelGPT4oMini}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := openai.NewClient(clientOpts...)

	return &OpenAIBackend{client: &client, opts: opts}
}

// Provider returns "openai", matching AgentConfig.Provider.
func (b *OpenAIBackend) Provider() string { return "openai" }

// Generate issues a single Chat Completions call and returns the first
// choice's message content.
func (b *OpenAIBackend) Generate(ctx context.Context, req Request) (string, error) {
	model := b.opts.Model
	if req.Agent.Model != "" {
		model = req.Agent.Model
	}

	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.Agent.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.Agent.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	completion, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("invoker: openai generate: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("invoker: openai returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}
