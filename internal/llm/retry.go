package llm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// retryAttempts is the total number of attempts for blocking calls.
	retryAttempts = 3

	retryInitialInterval = 2 * time.Second
	retryMaxInterval     = 30 * time.Second
)

// Retrying wraps an LLM and retries blocking calls with exponential backoff.
// Streaming calls pass through unretried; the consumer observes stream errors
// directly.
type Retrying struct {
	inner LLM
}

// NewRetrying wraps an LLM client with retry behavior.
func NewRetrying(inner LLM) *Retrying {
	return &Retrying{inner: inner}
}

func newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxInterval = retryMaxInterval
	return backoff.WithContext(backoff.WithMaxRetries(b, retryAttempts-1), ctx)
}

// Generate retries the wrapped Generate call on failure.
func (r *Retrying) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	var result string
	err := backoff.Retry(func() error {
		var err error
		result, err = r.inner.Generate(ctx, prompt, opts)
		return err
	}, newBackoff(ctx))
	return result, err
}

// Chat retries the wrapped Chat call on failure.
func (r *Retrying) Chat(ctx context.Context, messages []Message, opts GenerateOptions) (string, error) {
	var result string
	err := backoff.Retry(func() error {
		var err error
		result, err = r.inner.Chat(ctx, messages, opts)
		return err
	}, newBackoff(ctx))
	return result, err
}

// GenerateStream delegates to the wrapped client without retry.
func (r *Retrying) GenerateStream(ctx context.Context, prompt string, opts GenerateOptions) (<-chan StreamChunk, error) {
	return r.inner.GenerateStream(ctx, prompt, opts)
}

// ChatStream delegates to the wrapped client without retry.
func (r *Retrying) ChatStream(ctx context.Context, messages []Message, opts GenerateOptions) (<-chan StreamChunk, error) {
	return r.inner.ChatStream(ctx, messages, opts)
}

// Ensure Retrying implements LLM interface.
var _ LLM = (*Retrying)(nil)
