package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	// DefaultAnthropicModel is the default Claude model.
	DefaultAnthropicModel = "claude-sonnet-4-20250514"

	// DefaultAnthropicMaxTokens is the response cap applied when the caller
	// does not set one; the Anthropic API requires an explicit max.
	DefaultAnthropicMaxTokens = 4096
)

// AnthropicClient implements the LLM interface using the Anthropic Messages API.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// AnthropicOption is a functional option for configuring AnthropicClient.
type AnthropicOption func(*AnthropicClient)

// WithAnthropicModel sets the default model for the client.
func WithAnthropicModel(model string) AnthropicOption {
	return func(c *AnthropicClient) {
		if model != "" {
			c.model = model
		}
	}
}

// NewAnthropicClient creates a new Anthropic LLM client.
func NewAnthropicClient(apiKey string, opts ...AnthropicOption) *AnthropicClient {
	c := &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  DefaultAnthropicModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate sends a single-turn prompt and returns the complete response.
func (c *AnthropicClient) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	return c.Chat(ctx, []Message{{Role: RoleUser, Content: prompt}}, opts)
}

// GenerateStream sends a single-turn prompt and streams the response.
func (c *AnthropicClient) GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error) {
	return c.ChatStream(ctx, []Message{{Role: RoleUser, Content: prompt}}, opts)
}

// Chat sends a multi-turn conversation and returns the complete response.
func (c *AnthropicClient) Chat(ctx context.Context, messages []Message, opts GenerateOptions) (string, error) {
	params := c.buildParams(messages, opts)

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages API: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}

// ChatStream sends a multi-turn conversation and streams the response.
func (c *AnthropicClient) ChatStream(ctx context.Context, messages []Message, opts GenerateOptions) (<-chan StreamChunk, error) {
	params := c.buildParams(messages, opts)
	stream := c.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				if delta.Type == "text_delta" && delta.Text != "" {
					select {
					case chunks <- StreamChunk{Token: delta.Text}:
					case <-ctx.Done():
						chunks <- StreamChunk{Error: ctx.Err(), Done: true}
						return
					}
				}
			case "message_stop":
				chunks <- StreamChunk{Done: true}
				return
			}
		}
		if err := stream.Err(); err != nil {
			chunks <- StreamChunk{Error: fmt.Errorf("anthropic stream: %w", err), Done: true}
			return
		}
		chunks <- StreamChunk{Done: true}
	}()

	return chunks, nil
}

func (c *AnthropicClient) buildParams(messages []Message, opts GenerateOptions) anthropic.MessageNewParams {
	model := opts.Model
	if model == "" {
		model = c.model
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultAnthropicMaxTokens
	}

	converted := make([]anthropic.MessageParam, 0, len(messages))
	system := opts.SystemPrompt
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			// The Anthropic API carries the system prompt outside the message list.
			system = m.Content
		case RoleAssistant:
			converted = append(converted, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			converted = append(converted, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  converted,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(opts.Temperature))
	}
	return params
}

// Ensure AnthropicClient implements LLM interface.
var _ LLM = (*AnthropicClient)(nil)
