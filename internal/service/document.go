package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/docai-platform/docai/internal/ingestion"
	"github.com/docai-platform/docai/internal/objectstore"
	"github.com/docai-platform/docai/internal/repository"
	"github.com/docai-platform/docai/internal/versioning"
)

// DocumentService exposes the document lifecycle: upload, status, listing,
// version history, diffs, and deletion.
type DocumentService struct {
	pipeline   *ingestion.Pipeline
	docs       repository.DocumentRepository
	objects    objectstore.Store
	diffEngine *versioning.DiffEngine
	logger     *slog.Logger
}

// NewDocumentService creates a document service.
func NewDocumentService(pipeline *ingestion.Pipeline, docs repository.DocumentRepository, objects objectstore.Store, diffEngine *versioning.DiffEngine, logger *slog.Logger) *DocumentService {
	return &DocumentService{
		pipeline:   pipeline,
		docs:       docs,
		objects:    objects,
		diffEngine: diffEngine,
		logger:     logger,
	}
}

// Upload runs the full ingestion pipeline for one file and returns the
// document in its final state.
func (s *DocumentService) Upload(ctx context.Context, in ingestion.UploadInput) (*repository.Document, error) {
	return s.pipeline.Ingest(ctx, in)
}

// UploadAsync validates the upload and returns the pending document; the
// remaining stages run in the background and clients poll Status.
func (s *DocumentService) UploadAsync(ctx context.Context, in ingestion.UploadInput) (*repository.Document, error) {
	return s.pipeline.IngestAsync(ctx, in)
}

// Get returns one document by ID.
func (s *DocumentService) Get(ctx context.Context, id uuid.UUID) (*repository.Document, error) {
	return s.docs.GetByID(ctx, id)
}

// List returns documents matching the filter, with the total match count.
func (s *DocumentService) List(ctx context.Context, filter repository.ListFilter) ([]*repository.Document, int, error) {
	return s.docs.List(ctx, filter)
}

// DocumentStatus is the ingestion progress of one document.
type DocumentStatus struct {
	ID           uuid.UUID `json:"id"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ChunkCount   int       `json:"chunk_count"`
}

// Status reports ingestion progress for polling clients.
func (s *DocumentService) Status(ctx context.Context, id uuid.UUID) (*DocumentStatus, error) {
	doc, err := s.docs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &DocumentStatus{
		ID:           doc.ID,
		Status:       doc.Status,
		ErrorMessage: doc.ErrorMessage,
		ChunkCount:   doc.ChunkCount,
	}, nil
}

// VersionHistory returns every version in the document's chain, oldest first.
func (s *DocumentService) VersionHistory(ctx context.Context, id uuid.UUID) ([]*repository.Document, error) {
	return versioning.History(ctx, s.docs, id)
}

// Diff returns the three-layer diff between two versions, computing it on
// first request.
func (s *DocumentService) Diff(ctx context.Context, oldID, newID uuid.UUID) (*repository.VersionDiff, error) {
	return s.diffEngine.Compare(ctx, oldID, newID)
}

// Download streams the original uploaded file. The caller closes the reader.
func (s *DocumentService) Download(ctx context.Context, id uuid.UUID) (io.ReadCloser, string, error) {
	doc, err := s.docs.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	r, err := s.objects.Get(ctx, doc.ID.String(), doc.Filename)
	if err != nil {
		return nil, "", fmt.Errorf("fetching stored file: %w", err)
	}
	return r, doc.Filename, nil
}

// Delete removes a document and its derived data from every store.
func (s *DocumentService) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.docs.GetByID(ctx, id); err != nil {
		return err
	}
	return s.pipeline.Delete(ctx, id)
}

// AccessibleDocIDs resolves the caller's permission set. A nil result means
// unconstrained access.
func (s *DocumentService) AccessibleDocIDs(ctx context.Context, ownerID, department string, groups []string) ([]string, error) {
	ids, err := s.docs.AccessibleIDs(ctx, ownerID, department, groups)
	if err != nil {
		return nil, fmt.Errorf("resolving accessible documents: %w", err)
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out, nil
}
