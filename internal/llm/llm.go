// Package llm provides interfaces and implementations for Large Language Model clients.
package llm

import (
	"context"
	"fmt"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in a chat conversation.
type Message struct {
	Role    string
	Content string
}

// GenerateOptions configures the LLM generation request.
type GenerateOptions struct {
	// Model overrides the client's default model.
	Model string

	// SystemPrompt sets the system-level instructions for the model.
	SystemPrompt string

	// Temperature controls randomness in generation (0.0 = deterministic, 1.0 = creative).
	Temperature float32

	// MaxTokens limits the maximum number of tokens in the response.
	MaxTokens int
}

// StreamChunk represents a single chunk of streamed response from the LLM.
type StreamChunk struct {
	// Token contains the generated text fragment.
	Token string

	// Done indicates whether this is the final chunk in the stream.
	Done bool

	// Error contains any error that occurred during streaming.
	Error error
}

// LLM defines the interface for Large Language Model clients.
type LLM interface {
	// Generate sends a single-turn prompt and returns the complete response.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)

	// GenerateStream sends a single-turn prompt and returns a channel that
	// streams response chunks as they are generated. The channel is closed
	// when generation completes or an error occurs.
	GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error)

	// Chat sends a multi-turn conversation and returns the complete response.
	Chat(ctx context.Context, messages []Message, opts GenerateOptions) (string, error)

	// ChatStream sends a multi-turn conversation and streams the response.
	ChatStream(ctx context.Context, messages []Message, opts GenerateOptions) (<-chan StreamChunk, error)
}

// Providers
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// New creates an LLM client for the given provider tag.
func New(provider, apiKey, baseURL, model string) (LLM, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey, WithAnthropicModel(model)), nil
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey, WithOpenAIModel(model), WithOpenAIBaseURL(baseURL)), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}
