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

// VersionDiffRepo implements repository.VersionDiffRepository
type VersionDiffRepo struct {
	db *DB
}

// NewVersionDiffRepo creates a new version diff repository
func NewVersionDiffRepo(db *DB) *VersionDiffRepo {
	return &VersionDiffRepo{db: db}
}

// Create persists a computed diff keyed by the (old, new) pair. A repeated
// computation for the same pair overwrites the previous record.
func (r *VersionDiffRepo) Create(ctx context.Context, d *repository.VersionDiff) error {
	textualJSON, err := json.Marshal(d.TextualDiff)
	if err != nil {
		return fmt.Errorf("failed to marshal textual diff: %w", err)
	}
	structuralJSON, err := json.Marshal(d.StructuralDiff)
	if err != nil {
		return fmt.Errorf("failed to marshal structural diff: %w", err)
	}
	detailsJSON, err := json.Marshal(d.ChangeDetails)
	if err != nil {
		return fmt.Errorf("failed to marshal change details: %w", err)
	}

	query := `
		INSERT INTO version_diffs (id, old_document_id, new_document_id, textual_diff,
			structural_diff, change_summary, change_details, impact_analysis, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (old_document_id, new_document_id) DO UPDATE
		SET textual_diff = EXCLUDED.textual_diff,
		    structural_diff = EXCLUDED.structural_diff,
		    change_summary = EXCLUDED.change_summary,
		    change_details = EXCLUDED.change_details,
		    impact_analysis = EXCLUDED.impact_analysis
	`
	_, err = r.db.Pool.Exec(ctx, query, d.ID, d.OldDocumentID, d.NewDocumentID,
		textualJSON, structuralJSON, d.ChangeSummary, detailsJSON, d.ImpactAnalysis, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create version diff: %w", err)
	}
	return nil
}

// GetByPair retrieves the cached diff for an (old, new) document pair
func (r *VersionDiffRepo) GetByPair(ctx context.Context, oldID, newID uuid.UUID) (*repository.VersionDiff, error) {
	query := `
		SELECT id, old_document_id, new_document_id, textual_diff, structural_diff,
			change_summary, change_details, impact_analysis, created_at
		FROM version_diffs
		WHERE old_document_id = $1 AND new_document_id = $2
	`
	var d repository.VersionDiff
	var textualJSON, structuralJSON, detailsJSON []byte

	err := r.db.Pool.QueryRow(ctx, query, oldID, newID).Scan(
		&d.ID, &d.OldDocumentID, &d.NewDocumentID, &textualJSON, &structuralJSON,
		&d.ChangeSummary, &detailsJSON, &d.ImpactAnalysis, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get version diff: %w", err)
	}

	if err := json.Unmarshal(textualJSON, &d.TextualDiff); err != nil {
		return nil, fmt.Errorf("failed to unmarshal textual diff: %w", err)
	}
	if err := json.Unmarshal(structuralJSON, &d.StructuralDiff); err != nil {
		return nil, fmt.Errorf("failed to unmarshal structural diff: %w", err)
	}
	if err := json.Unmarshal(detailsJSON, &d.ChangeDetails); err != nil {
		return nil, fmt.Errorf("failed to unmarshal change details: %w", err)
	}

	return &d, nil
}

// Ensure VersionDiffRepo implements the interface
var _ repository.VersionDiffRepository = (*VersionDiffRepo)(nil)
