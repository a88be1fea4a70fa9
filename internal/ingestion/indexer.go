package ingestion

import (
	"context"
	"fmt"

	"github.com/docai-platform/docai/internal/lexical"
	"github.com/docai-platform/docai/internal/repository"
	"github.com/docai-platform/docai/internal/vectorstore"
)

// Indexer writes chunks to the vector store, the lexical store, and the
// metadata store. The chunk ID is the shared key in all three; writes are
// best-effort sequential with no cross-store transaction, and delete is the
// recovery tool for partial failures.
type Indexer struct {
	vs     vectorstore.VectorStore
	lex    lexical.Store
	chunks repository.ChunkRepository
}

// NewIndexer creates an indexer over the three stores.
func NewIndexer(vs vectorstore.VectorStore, lex lexical.Store, chunks repository.ChunkRepository) *Indexer {
	return &Indexer{vs: vs, lex: lex, chunks: chunks}
}

// Index writes all of a document's chunks to the three stores. vectors must
// align with chunks by position. The lexical index is refreshed afterwards so
// the document is immediately searchable.
func (ix *Indexer) Index(ctx context.Context, doc *repository.Document, chunks []*repository.Chunk, vectors [][]float32, isLatest bool) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunk/vector count mismatch: %d vs %d", len(chunks), len(vectors))
	}

	points := make([]vectorstore.Point, len(chunks))
	lexDocs := make(map[string]lexical.Doc, len(chunks))

	for i, c := range chunks {
		c.QdrantPointID = c.ID.String()
		c.ESDocID = c.ID.String()
		points[i] = vectorstore.Point{
			ID:     c.ID.String(),
			Vector: vectors[i],
			Payload: vectorstore.Payload{
				DocID:       doc.ID.String(),
				DocTitle:    doc.Title,
				DocType:     doc.DocType,
				SectionPath: c.SectionPath,
				PageNumbers: c.PageNumbers,
				ChunkIndex:  c.ChunkIndex,
				ChunkType:   c.ChunkType,
				Content:     c.Content,
				TokenCount:  c.TokenCount,
				GroupID:     c.GroupID,
				Department:  c.Department,
				IsLatest:    isLatest,
			},
		}
		lexDocs[c.ID.String()] = lexical.Doc{
			DocID:       doc.ID.String(),
			DocTitle:    doc.Title,
			DocType:     doc.DocType,
			SectionPath: c.SectionPath,
			PageNumbers: c.PageNumbers,
			ChunkIndex:  c.ChunkIndex,
			ChunkType:   c.ChunkType,
			Content:     c.Content,
			TokenCount:  c.TokenCount,
			GroupID:     c.GroupID,
			Department:  c.Department,
			IsLatest:    isLatest,
			CreatedAt:   c.CreatedAt,
		}
	}

	if err := ix.vs.Upsert(ctx, points); err != nil {
		return fmt.Errorf("vector store write: %w", err)
	}
	if err := ix.lex.IndexBatch(ctx, lexDocs); err != nil {
		return fmt.Errorf("lexical store write: %w", err)
	}
	if err := ix.lex.Refresh(ctx); err != nil {
		return fmt.Errorf("lexical store refresh: %w", err)
	}
	if err := ix.chunks.CreateBatch(ctx, chunks); err != nil {
		return fmt.Errorf("metadata store write: %w", err)
	}
	return nil
}
