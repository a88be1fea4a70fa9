// Package lexical provides interfaces and implementations for BM25 full-text search.
package lexical

import (
	"context"
	"time"
)

// Doc is one indexed chunk. The lexical document ID equals the chunk ID.
type Doc struct {
	DocID       string    `json:"doc_id"`
	DocTitle    string    `json:"doc_title"`
	DocType     string    `json:"doc_type"`
	SectionPath string    `json:"section_path"`
	PageNumbers []int     `json:"page_numbers"`
	ChunkIndex  int       `json:"chunk_index"`
	ChunkType   string    `json:"chunk_type"`
	Content     string    `json:"content"`
	TokenCount  int       `json:"token_count"`
	GroupID     string    `json:"group_id"`
	Department  string    `json:"department"`
	IsLatest    bool      `json:"is_latest"`
	CreatedAt   time.Time `json:"created_at"`
}

// Hit is one search hit with its BM25 score.
type Hit struct {
	ID    string
	Score float64
	Doc   Doc
}

// Filter narrows a search. Semantics mirror the vector store filter:
// AccessibleDocIDs nil means no permission constraint.
type Filter struct {
	DocID            string
	DocType          string
	ChunkType        string
	GroupID          string
	LatestOnly       bool
	AccessibleDocIDs []string
}

// Store defines the interface for lexical index operations
type Store interface {
	// EnsureIndex creates the chunk index with its mappings if absent.
	EnsureIndex(ctx context.Context) error

	// IndexBatch bulk-indexes chunks keyed by chunk ID.
	IndexBatch(ctx context.Context, docs map[string]Doc) error

	// Refresh makes recent writes searchable immediately.
	Refresh(ctx context.Context) error

	// Search runs a BM25 multi-field query with the given filter.
	Search(ctx context.Context, query string, filter Filter, topK int) ([]Hit, error)

	// Neighbors fetches chunks of one document by sequence index.
	Neighbors(ctx context.Context, docID string, indices []int) ([]Hit, error)

	// ChunksByDocument fetches a document's chunks ordered by sequence,
	// optionally narrowed to a section path and page range.
	ChunksByDocument(ctx context.Context, docID, sectionPath string, pages []int, limit int) ([]Hit, error)

	// SetLatest flips the is_latest flag on every chunk of a document.
	SetLatest(ctx context.Context, docID string, isLatest bool) error

	// DeleteByDocument removes all chunks of a document.
	DeleteByDocument(ctx context.Context, docID string) error
}
