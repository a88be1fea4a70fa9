// Package vectorstore provides interfaces and implementations for vector similarity search.
package vectorstore

import (
	"context"
)

// Payload carries the chunk attributes stored alongside each vector. The
// filterable fields (doc_id, doc_type, chunk_type, is_latest, group_id) are
// index-backed in the store.
type Payload struct {
	DocID       string
	DocTitle    string
	DocType     string
	SectionPath string
	PageNumbers []int
	ChunkIndex  int
	ChunkType   string
	Content     string
	TokenCount  int
	GroupID     string
	Department  string
	IsLatest    bool
}

// Point is one chunk vector with its payload. The point ID equals the chunk ID.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Filter narrows a similarity search. Zero-valued fields are not applied.
// AccessibleDocIDs nil means no permission constraint; an empty non-nil set
// must be short-circuited by the caller before reaching the store.
type Filter struct {
	DocID            string
	DocType          string
	ChunkType        string
	GroupID          string
	LatestOnly       bool
	AccessibleDocIDs []string
}

// Result is one similarity search hit.
type Result struct {
	ID      string
	Score   float64
	Payload Payload
}

// VectorStore defines the interface for vector storage operations
type VectorStore interface {
	// EnsureCollection creates the chunk collection and its payload indexes
	// if they do not exist yet.
	EnsureCollection(ctx context.Context, dimension int) error

	// Upsert inserts or updates points, batched internally.
	Upsert(ctx context.Context, points []Point) error

	// Search performs cosine similarity search with the given filter.
	Search(ctx context.Context, vector []float32, filter Filter, topK int, scoreThreshold float32) ([]Result, error)

	// SetLatest flips the is_latest payload flag on every point of a document.
	SetLatest(ctx context.Context, docID string, isLatest bool) error

	// DeleteByIDs removes specific points.
	DeleteByIDs(ctx context.Context, ids []string) error

	// DeleteByDocument removes all points of a document.
	DeleteByDocument(ctx context.Context, docID string) error
}
