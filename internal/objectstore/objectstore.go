// Package objectstore persists original uploaded files.
package objectstore

import (
	"context"
	"io"
)

// Store defines the interface for original-file storage. Objects are keyed
// "<doc_id>/<filename>".
type Store interface {
	// EnsureBucket creates the bucket if it does not exist.
	EnsureBucket(ctx context.Context) error

	// Put uploads an object.
	Put(ctx context.Context, docID, filename string, r io.Reader, size int64, contentType string) error

	// Get retrieves an object; the caller must close the reader.
	Get(ctx context.Context, docID, filename string) (io.ReadCloser, error)

	// DeleteByDocument removes every object under the document's prefix.
	DeleteByDocument(ctx context.Context, docID string) error
}
