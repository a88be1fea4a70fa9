package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultBGEBaseURL is the default embedding inference service endpoint.
	DefaultBGEBaseURL = "http://localhost:8081"

	// DefaultBGEModel is the default embedding model.
	DefaultBGEModel = "bge-m3"

	// DefaultBGEDimension is the embedding dimension for BGE-M3.
	DefaultBGEDimension = 1024

	// DefaultBatchConcurrency is the default number of concurrent embedding requests.
	DefaultBatchConcurrency = 4

	// maxBatchSize caps how many texts go into one service request.
	maxBatchSize = 32
)

// BGEConfig holds configuration for the BGE embedding service client.
type BGEConfig struct {
	// BaseURL is the inference service base URL.
	BaseURL string

	// Model is the embedding model name.
	Model string

	// Dimension is the embedding dimension (1024 for BGE-M3).
	Dimension int

	// BatchConcurrency is the number of concurrent batch requests.
	BatchConcurrency int

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// BGEEmbedder implements the Embedder interface against a BGE-M3 inference
// service. Vectors are L2-normalized client-side before being returned.
type BGEEmbedder struct {
	baseURL          string
	model            string
	dimension        int
	batchConcurrency int
	client           *http.Client
}

type embedRequest struct {
	Model  string   `json:"model"`
	Inputs []string `json:"inputs"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewBGEEmbedder creates a new BGE embedding service client.
func NewBGEEmbedder(cfg BGEConfig) *BGEEmbedder {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBGEBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultBGEModel
	}
	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = DefaultBGEDimension
	}
	batchConcurrency := cfg.BatchConcurrency
	if batchConcurrency <= 0 {
		batchConcurrency = DefaultBatchConcurrency
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}

	return &BGEEmbedder{
		baseURL:          baseURL,
		model:            model,
		dimension:        dimension,
		batchConcurrency: batchConcurrency,
		client:           client,
	}
}

// Embed generates an embedding vector for a single text input.
func (e *BGEEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embedding vectors for multiple text inputs. Inputs are
// split into service-sized batches processed concurrently; order is preserved.
func (e *BGEEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	errs := make([]error, 0)

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.batchConcurrency)

	for start := 0; start < len(texts); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		wg.Add(1)
		go func(offset int, batch []string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				errs = append(errs, ctx.Err())
				mu.Unlock()
				return
			}

			vectors, err := e.embed(ctx, batch)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("batch at offset %d: %w", offset, err))
				mu.Unlock()
				return
			}
			copy(results[offset:], vectors)
		}(start, texts[start:end])
	}

	wg.Wait()

	if len(errs) > 0 {
		return nil, fmt.Errorf("batch embedding failed: %w", errs[0])
	}
	return results, nil
}

func (e *BGEEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: e.model, Inputs: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d for %d inputs", len(result.Embeddings), len(texts))
	}

	for i := range result.Embeddings {
		result.Embeddings[i] = Normalize(result.Embeddings[i])
	}
	return result.Embeddings, nil
}

// Dimension returns the dimensionality of the embedding vectors.
func (e *BGEEmbedder) Dimension() int {
	return e.dimension
}

// ModelName returns the name of the embedding model being used.
func (e *BGEEmbedder) ModelName() string {
	return e.model
}

// Ensure BGEEmbedder implements Embedder interface.
var _ Embedder = (*BGEEmbedder)(nil)
