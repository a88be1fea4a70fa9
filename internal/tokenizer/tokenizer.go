// Package tokenizer provides token counting and token-level slicing for chunk sizing.
package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the BPE encoding used for all token budgets.
const DefaultEncoding = "cl100k_base"

// Tokenizer counts and slices text in tokens. All chunk size budgets are
// expressed under one tokenizer, fixed system-wide.
type Tokenizer interface {
	// Count returns the number of tokens in text.
	Count(text string) int

	// Suffix returns the trailing n tokens of text, decoded back to a string.
	// If text has fewer than n tokens the whole text is returned.
	Suffix(text string, n int) string

	// Split cuts text into pieces of at most maxTokens tokens each.
	Split(text string, maxTokens int) []string
}

// Tiktoken implements Tokenizer on a tiktoken BPE encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken creates a tokenizer for the given encoding name.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %q: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

// Count returns the number of tokens in text
func (t *Tiktoken) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Suffix returns the trailing n tokens of text decoded to a string
func (t *Tiktoken) Suffix(text string, n int) string {
	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= n {
		return text
	}
	return t.enc.Decode(tokens[len(tokens)-n:])
}

// Split cuts text into pieces of at most maxTokens tokens each
func (t *Tiktoken) Split(text string, maxTokens int) []string {
	if maxTokens <= 0 {
		return []string{text}
	}
	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return []string{text}
	}
	var pieces []string
	for start := 0; start < len(tokens); start += maxTokens {
		end := start + maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		pieces = append(pieces, t.enc.Decode(tokens[start:end]))
	}
	return pieces
}

// Ensure Tiktoken implements Tokenizer
var _ Tokenizer = (*Tiktoken)(nil)
