package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/docai-platform/docai/internal/repository"
)

const documentColumns = `id, title, filename, content_hash, size_bytes, page_count, doc_type, tags,
	group_id, owner_id, department, visibility, status, error_message, summary, key_entities,
	version_number, version_status, parent_version_id, is_latest, chunk_count,
	effective_date, superseded_at, created_at, updated_at`

// DocumentRepo implements repository.DocumentRepository
type DocumentRepo struct {
	db *DB
}

// NewDocumentRepo creates a new document repository
func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

// Create creates a new document
func (r *DocumentRepo) Create(ctx context.Context, doc *repository.Document) error {
	entitiesJSON, err := json.Marshal(doc.KeyEntities)
	if err != nil {
		return fmt.Errorf("failed to marshal key entities: %w", err)
	}

	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25)
	`
	_, err = r.db.Pool.Exec(ctx, query,
		doc.ID, doc.Title, doc.Filename, doc.ContentHash, doc.SizeBytes, doc.PageCount,
		doc.DocType, doc.Tags, doc.GroupID, doc.OwnerID, doc.Department, doc.Visibility,
		doc.Status, doc.ErrorMessage, doc.Summary, entitiesJSON,
		doc.VersionNumber, doc.VersionStatus, doc.ParentVersionID, doc.IsLatest, doc.ChunkCount,
		doc.EffectiveDate, doc.SupersededAt, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetByID retrieves a document by ID
func (r *DocumentRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	return r.scanDocument(r.db.Pool.QueryRow(ctx, query, id))
}

// GetByHash retrieves a non-errored document by content hash
func (r *DocumentRepo) GetByHash(ctx context.Context, hash string) (*repository.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE content_hash = $1 AND status != $2`
	return r.scanDocument(r.db.Pool.QueryRow(ctx, query, hash, repository.StatusError))
}

func (r *DocumentRepo) scanDocument(row pgx.Row) (*repository.Document, error) {
	var doc repository.Document
	var entitiesJSON []byte

	err := row.Scan(
		&doc.ID, &doc.Title, &doc.Filename, &doc.ContentHash, &doc.SizeBytes, &doc.PageCount,
		&doc.DocType, &doc.Tags, &doc.GroupID, &doc.OwnerID, &doc.Department, &doc.Visibility,
		&doc.Status, &doc.ErrorMessage, &doc.Summary, &entitiesJSON,
		&doc.VersionNumber, &doc.VersionStatus, &doc.ParentVersionID, &doc.IsLatest, &doc.ChunkCount,
		&doc.EffectiveDate, &doc.SupersededAt, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc.KeyEntities = make(map[string][]string)
	if len(entitiesJSON) > 0 {
		if err := json.Unmarshal(entitiesJSON, &doc.KeyEntities); err != nil {
			return nil, fmt.Errorf("failed to unmarshal key entities: %w", err)
		}
	}

	return &doc, nil
}

// List retrieves documents matching the filter with pagination
func (r *DocumentRepo) List(ctx context.Context, filter repository.ListFilter) ([]*repository.Document, int, error) {
	where := ` WHERE 1=1`
	args := []any{}

	addArg := func(clause string, v any) {
		args = append(args, v)
		where += fmt.Sprintf(clause, len(args))
	}

	if filter.DocType != "" {
		addArg(` AND doc_type = $%d`, filter.DocType)
	}
	if filter.GroupID != "" {
		addArg(` AND group_id = $%d`, filter.GroupID)
	}
	if filter.Status != "" {
		addArg(` AND status = $%d`, filter.Status)
	}
	if len(filter.Tags) > 0 {
		addArg(` AND tags && $%d`, filter.Tags)
	}

	var total int
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, filter.Offset)
	query := `SELECT ` + documentColumns + ` FROM documents` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*repository.Document
	for rows.Next() {
		doc, err := r.scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		docs = append(docs, doc)
	}

	return docs, total, nil
}

// Update updates a document's mutable fields
func (r *DocumentRepo) Update(ctx context.Context, doc *repository.Document) error {
	entitiesJSON, err := json.Marshal(doc.KeyEntities)
	if err != nil {
		return fmt.Errorf("failed to marshal key entities: %w", err)
	}

	query := `
		UPDATE documents
		SET title = $2, page_count = $3, doc_type = $4, tags = $5, status = $6,
		    error_message = $7, summary = $8, key_entities = $9,
		    version_number = $10, version_status = $11, parent_version_id = $12,
		    is_latest = $13, chunk_count = $14, superseded_at = $15, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query,
		doc.ID, doc.Title, doc.PageCount, doc.DocType, doc.Tags, doc.Status,
		doc.ErrorMessage, doc.Summary, entitiesJSON,
		doc.VersionNumber, doc.VersionStatus, doc.ParentVersionID,
		doc.IsLatest, doc.ChunkCount, doc.SupersededAt)
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateStatus advances a document's processing status
func (r *DocumentRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status, errorMessage string) error {
	query := `UPDATE documents SET status = $2, error_message = $3, updated_at = NOW() WHERE id = $1`
	result, err := r.db.Pool.Exec(ctx, query, id, status, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Delete deletes a document; chunk and section summary rows cascade
func (r *DocumentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// FindSimilarTitles returns ready, latest documents with trigram title similarity above threshold
func (r *DocumentRepo) FindSimilarTitles(ctx context.Context, title string, threshold float64, limit int) ([]repository.TitleMatch, error) {
	query := `
		SELECT id, title, similarity(title, $1) AS sim
		FROM documents
		WHERE status = $2 AND is_latest = TRUE AND similarity(title, $1) > $3
		ORDER BY sim DESC
		LIMIT $4
	`
	rows, err := r.db.Pool.Query(ctx, query, title, repository.StatusReady, threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find similar titles: %w", err)
	}
	defer rows.Close()

	var matches []repository.TitleMatch
	for rows.Next() {
		var m repository.TitleMatch
		if err := rows.Scan(&m.ID, &m.Title, &m.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan title match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// Supersede marks a document as an old version
func (r *DocumentRepo) Supersede(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE documents
		SET is_latest = FALSE, version_status = $2, superseded_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query, id, repository.VersionSuperseded)
	if err != nil {
		return fmt.Errorf("failed to supersede document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetParentVersion repoints a document's parent link
func (r *DocumentRepo) SetParentVersion(ctx context.Context, id uuid.UUID, parentID *uuid.UUID) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE documents SET parent_version_id = $2, updated_at = NOW() WHERE id = $1`, id, parentID)
	if err != nil {
		return fmt.Errorf("failed to set parent version: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetChildren returns documents whose parent link points at id
func (r *DocumentRepo) GetChildren(ctx context.Context, id uuid.UUID) ([]*repository.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE parent_version_id = $1`
	rows, err := r.db.Pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get children: %w", err)
	}
	defer rows.Close()

	var docs []*repository.Document
	for rows.Next() {
		doc, err := r.scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// AccessibleIDs returns the document IDs the principal may read
func (r *DocumentRepo) AccessibleIDs(ctx context.Context, ownerID, department string, groups []string) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM documents
		WHERE visibility = $1
		   OR owner_id = $2
		   OR (visibility = $3 AND department = $4)
		   OR group_id = ANY($5)
	`
	rows, err := r.db.Pool.Query(ctx, query,
		repository.VisibilityPublic, ownerID, repository.VisibilityDepartment, department, groups)
	if err != nil {
		return nil, fmt.Errorf("failed to query accessible documents: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Ensure DocumentRepo implements the interface
var _ repository.DocumentRepository = (*DocumentRepo)(nil)
