package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/docai-platform/docai/internal/repository"
)

// ChunkRepo implements repository.ChunkRepository
type ChunkRepo struct {
	db *DB
}

// NewChunkRepo creates a new chunk repository
func NewChunkRepo(db *DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

// CreateBatch inserts chunks in a single batch
func (r *ChunkRepo) CreateBatch(ctx context.Context, chunks []*repository.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(`
			INSERT INTO chunks (id, document_id, section_path, page_numbers, chunk_index,
				chunk_type, content, token_count, group_id, department,
				qdrant_point_id, es_doc_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, c.ID, c.DocumentID, c.SectionPath, c.PageNumbers, c.ChunkIndex,
			c.ChunkType, c.Content, c.TokenCount, c.GroupID, c.Department,
			c.QdrantPointID, c.ESDocID, c.CreatedAt)
	}

	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to create chunk: %w", err)
		}
	}

	return nil
}

// GetByDocument retrieves all chunks for a document ordered by sequence
func (r *ChunkRepo) GetByDocument(ctx context.Context, documentID uuid.UUID) ([]*repository.Chunk, error) {
	query := `
		SELECT id, document_id, section_path, page_numbers, chunk_index,
			chunk_type, content, token_count, group_id, department,
			qdrant_point_id, es_doc_id, created_at
		FROM chunks
		WHERE document_id = $1
		ORDER BY chunk_index
	`
	rows, err := r.db.Pool.Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*repository.Chunk
	for rows.Next() {
		var c repository.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.SectionPath, &c.PageNumbers, &c.ChunkIndex,
			&c.ChunkType, &c.Content, &c.TokenCount, &c.GroupID, &c.Department,
			&c.QdrantPointID, &c.ESDocID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, &c)
	}
	return chunks, nil
}

// IDsByDocument returns the chunk IDs for a document
func (r *ChunkRepo) IDsByDocument(ctx context.Context, documentID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT id FROM chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CountByDocument returns the number of chunks for a document
func (r *ChunkRepo) CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks WHERE document_id = $1`, documentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

// DeleteByDocument deletes all chunks for a document
func (r *ChunkRepo) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// Ensure ChunkRepo implements the interface
var _ repository.ChunkRepository = (*ChunkRepo)(nil)
