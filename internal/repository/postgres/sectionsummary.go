package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/docai-platform/docai/internal/repository"
)

// SectionSummaryRepo implements repository.SectionSummaryRepository
type SectionSummaryRepo struct {
	db *DB
}

// NewSectionSummaryRepo creates a new section summary repository
func NewSectionSummaryRepo(db *DB) *SectionSummaryRepo {
	return &SectionSummaryRepo{db: db}
}

// Create inserts a section summary
func (r *SectionSummaryRepo) Create(ctx context.Context, s *repository.SectionSummary) error {
	query := `
		INSERT INTO section_summaries (id, document_id, section_path, summary, key_points, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Pool.Exec(ctx, query, s.ID, s.DocumentID, s.SectionPath, s.Summary, s.KeyPoints, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create section summary: %w", err)
	}
	return nil
}

// GetByDocument retrieves all section summaries for a document
func (r *SectionSummaryRepo) GetByDocument(ctx context.Context, documentID uuid.UUID) ([]*repository.SectionSummary, error) {
	query := `
		SELECT id, document_id, section_path, summary, key_points, created_at
		FROM section_summaries
		WHERE document_id = $1
		ORDER BY created_at
	`
	rows, err := r.db.Pool.Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get section summaries: %w", err)
	}
	defer rows.Close()

	var summaries []*repository.SectionSummary
	for rows.Next() {
		var s repository.SectionSummary
		if err := rows.Scan(&s.ID, &s.DocumentID, &s.SectionPath, &s.Summary, &s.KeyPoints, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan section summary: %w", err)
		}
		summaries = append(summaries, &s)
	}
	return summaries, nil
}

// GetBySection retrieves the summary for one section of a document
func (r *SectionSummaryRepo) GetBySection(ctx context.Context, documentID uuid.UUID, sectionPath string) (*repository.SectionSummary, error) {
	query := `
		SELECT id, document_id, section_path, summary, key_points, created_at
		FROM section_summaries
		WHERE document_id = $1 AND section_path = $2
	`
	var s repository.SectionSummary
	err := r.db.Pool.QueryRow(ctx, query, documentID, sectionPath).Scan(
		&s.ID, &s.DocumentID, &s.SectionPath, &s.Summary, &s.KeyPoints, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get section summary: %w", err)
	}
	return &s, nil
}

// DeleteByDocument deletes all section summaries for a document
func (r *SectionSummaryRepo) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM section_summaries WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete section summaries: %w", err)
	}
	return nil
}

// Ensure SectionSummaryRepo implements the interface
var _ repository.SectionSummaryRepository = (*SectionSummaryRepo)(nil)
