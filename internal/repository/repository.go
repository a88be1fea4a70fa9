// Package repository defines domain models and data access interfaces for documents, chunks, and version diffs.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// DuplicateError is returned when an uploaded file's content hash matches an
// existing non-errored document.
type DuplicateError struct {
	ExistingID uuid.UUID
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate content: document %s already exists", e.ExistingID)
}

// Document processing statuses. Transitions are monotonic along
// pending → parsing → chunking → summarizing → embedding → ready,
// with error terminal from any state.
const (
	StatusPending     = "pending"
	StatusParsing     = "parsing"
	StatusChunking    = "chunking"
	StatusSummarizing = "summarizing"
	StatusEmbedding   = "embedding"
	StatusReady       = "ready"
	StatusError       = "error"
)

// Version statuses
const (
	VersionDraft      = "draft"
	VersionActive     = "active"
	VersionSuperseded = "superseded"
	VersionArchived   = "archived"
)

// Visibility levels
const (
	VisibilityPublic     = "public"
	VisibilityDepartment = "department"
	VisibilityPrivate    = "private"
)

// Chunk types
const (
	ChunkTypeText           = "text"
	ChunkTypeTable          = "table"
	ChunkTypeImageDesc      = "image_description"
	ChunkTypeSectionSummary = "section_summary"
	ChunkTypeDocSummary     = "doc_summary"
)

// Document represents an ingested document
type Document struct {
	ID              uuid.UUID
	Title           string
	Filename        string
	ContentHash     string
	SizeBytes       int64
	PageCount       int
	DocType         string
	Tags            []string
	GroupID         string
	OwnerID         string
	Department      string
	Visibility      string
	Status          string
	ErrorMessage    string
	Summary         string
	KeyEntities     map[string][]string
	VersionNumber   string
	VersionStatus   string
	ParentVersionID *uuid.UUID
	IsLatest        bool
	ChunkCount      int
	EffectiveDate   *time.Time
	SupersededAt    *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Chunk represents an indexed segment of a document. The vector-store point
// ID and lexical-store doc ID both equal the chunk ID for traceability.
type Chunk struct {
	ID            uuid.UUID
	DocumentID    uuid.UUID
	SectionPath   string
	PageNumbers   []int
	ChunkIndex    int
	ChunkType     string
	Content       string
	TokenCount    int
	GroupID       string
	Department    string
	QdrantPointID string
	ESDocID       string
	CreatedAt     time.Time
}

// SectionSummary holds the LLM summary of one document section
type SectionSummary struct {
	ID          uuid.UUID
	DocumentID  uuid.UUID
	SectionPath string
	Summary     string
	KeyPoints   []string
	CreatedAt   time.Time
}

// SectionChange describes one changed section in a textual diff
type SectionChange struct {
	SectionPath string       `json:"section_path"`
	ChangeType  string       `json:"change_type"` // added, deleted, modified
	Changes     []TextChange `json:"changes,omitempty"`
	DiffPreview string       `json:"diff_preview,omitempty"`
}

// TextChange is a single opcode-level edit inside a modified section
type TextChange struct {
	Operation string `json:"operation"` // replace, insert, delete
	OldText   string `json:"old_text,omitempty"`
	NewText   string `json:"new_text,omitempty"`
}

// TextualDiff is the layer-1 diff payload
type TextualDiff struct {
	Sections []SectionChange `json:"sections"`
	Stats    DiffStats       `json:"stats"`
}

// DiffStats counts sections by change type
type DiffStats struct {
	Added     int `json:"added"`
	Deleted   int `json:"deleted"`
	Modified  int `json:"modified"`
	Unchanged int `json:"unchanged"`
}

// RenamedSection pairs a deleted section path with its likely new name
type RenamedSection struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

// StructuralDiff is the layer-2 diff payload
type StructuralDiff struct {
	AddedSections   []string         `json:"added_sections"`
	DeletedSections []string         `json:"deleted_sections"`
	RenamedSections []RenamedSection `json:"renamed_sections"`
	CommonSections  []string         `json:"common_sections"`
}

// ChangeDetail is one semantic change record from the layer-3 analysis
type ChangeDetail struct {
	Category       string `json:"category"` // substantive, wording, format, added_content, deleted_content
	Description    string `json:"description"`
	Location       string `json:"location"`
	BusinessImpact string `json:"business_impact"`
}

// VersionDiff holds the three-layer diff between two document versions,
// keyed by the (old, new) pair
type VersionDiff struct {
	ID             uuid.UUID
	OldDocumentID  uuid.UUID
	NewDocumentID  uuid.UUID
	TextualDiff    TextualDiff
	StructuralDiff StructuralDiff
	ChangeSummary  string
	ChangeDetails  []ChangeDetail
	ImpactAnalysis string
	CreatedAt      time.Time
}

// RetrievedChunk is a chunk with its retrieval score. Transient; never persisted.
type RetrievedChunk struct {
	ChunkID     uuid.UUID
	DocumentID  uuid.UUID
	DocTitle    string
	SectionPath string
	PageNumbers []int
	ChunkIndex  int
	ChunkType   string
	Content     string
	Score       float64
}

// ListFilter narrows document listings
type ListFilter struct {
	DocType string
	GroupID string
	Status  string
	Tags    []string
	Limit   int
	Offset  int
}

// TitleMatch is a trigram similarity hit for version candidate lookup
type TitleMatch struct {
	ID         uuid.UUID
	Title      string
	Similarity float64
}

// DocumentRepository defines operations for document persistence
type DocumentRepository interface {
	Create(ctx context.Context, doc *Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	// GetByHash matches against non-errored documents only.
	GetByHash(ctx context.Context, hash string) (*Document, error)
	List(ctx context.Context, filter ListFilter) ([]*Document, int, error)
	Update(ctx context.Context, doc *Document) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status, errorMessage string) error
	Delete(ctx context.Context, id uuid.UUID) error

	// FindSimilarTitles returns ready, latest documents whose title trigram
	// similarity to the given title exceeds threshold, best first.
	FindSimilarTitles(ctx context.Context, title string, threshold float64, limit int) ([]TitleMatch, error)

	// Supersede marks a document as an old version: is_latest false,
	// version_status superseded, superseded_at now.
	Supersede(ctx context.Context, id uuid.UUID) error

	// SetParentVersion repoints a document's parent link.
	SetParentVersion(ctx context.Context, id uuid.UUID, parentID *uuid.UUID) error

	// GetChildren returns documents whose parent link points at id.
	GetChildren(ctx context.Context, id uuid.UUID) ([]*Document, error)

	// AccessibleIDs returns the IDs the given principal may read: own
	// documents, department documents, and public ones.
	AccessibleIDs(ctx context.Context, ownerID, department string, groups []string) ([]uuid.UUID, error)
}

// ChunkRepository defines operations for chunk persistence
type ChunkRepository interface {
	CreateBatch(ctx context.Context, chunks []*Chunk) error
	GetByDocument(ctx context.Context, documentID uuid.UUID) ([]*Chunk, error)
	IDsByDocument(ctx context.Context, documentID uuid.UUID) ([]uuid.UUID, error)
	CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error)
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error
}

// SectionSummaryRepository defines operations for section summary persistence
type SectionSummaryRepository interface {
	Create(ctx context.Context, s *SectionSummary) error
	GetByDocument(ctx context.Context, documentID uuid.UUID) ([]*SectionSummary, error)
	GetBySection(ctx context.Context, documentID uuid.UUID, sectionPath string) (*SectionSummary, error)
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error
}

// VersionDiffRepository defines operations for cached version diffs
type VersionDiffRepository interface {
	Create(ctx context.Context, d *VersionDiff) error
	GetByPair(ctx context.Context, oldID, newID uuid.UUID) (*VersionDiff, error)
}
