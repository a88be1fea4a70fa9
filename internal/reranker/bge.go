package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultBGEBaseURL is the default rerank inference service endpoint.
	DefaultBGEBaseURL = "http://localhost:8082"

	// DefaultBGEModel is the default cross-encoder model.
	DefaultBGEModel = "bge-reranker-v2-m3"
)

// BGEConfig holds configuration for the BGE rerank service client.
type BGEConfig struct {
	// BaseURL is the inference service base URL.
	BaseURL string

	// Model is the cross-encoder model name.
	Model string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// BGEReranker implements Reranker against a BGE cross-encoder inference service.
type BGEReranker struct {
	baseURL string
	model   string
	client  *http.Client
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// NewBGEReranker creates a new BGE rerank service client.
func NewBGEReranker(cfg BGEConfig) *BGEReranker {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBGEBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultBGEModel
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}

	return &BGEReranker{baseURL: baseURL, model: model, client: client}
}

// Score returns one relevance score per document, in input order.
func (r *BGEReranker) Score(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return []float64{}, nil
	}

	body, err := json.Marshal(rerankRequest{Model: r.model, Query: query, Documents: documents})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Scores) != len(documents) {
		return nil, fmt.Errorf("score count mismatch: got %d for %d documents", len(result.Scores), len(documents))
	}

	return result.Scores, nil
}

// Ensure BGEReranker implements Reranker interface.
var _ Reranker = (*BGEReranker)(nil)
