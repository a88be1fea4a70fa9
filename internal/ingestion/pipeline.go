package ingestion

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/docai-platform/docai/internal/embedder"
	"github.com/docai-platform/docai/internal/lexical"
	"github.com/docai-platform/docai/internal/objectstore"
	"github.com/docai-platform/docai/internal/repository"
	"github.com/docai-platform/docai/internal/tokenizer"
	"github.com/docai-platform/docai/internal/vectorstore"
	"github.com/docai-platform/docai/internal/versioning"
)

// PipelineConfig holds ingestion limits.
type PipelineConfig struct {
	MaxFileSizeMB         int
	SummarizerMaxInFlight int64
}

// Pipeline drives a document through the ingestion stages: parse, chunk,
// summarize, detect versions, embed, index. Stage transitions are recorded on
// the document row so clients can poll progress; any failure marks the
// document errored with the failure message.
type Pipeline struct {
	docs       repository.DocumentRepository
	chunksRepo repository.ChunkRepository
	sections   repository.SectionSummaryRepository
	objects    objectstore.Store
	vs         vectorstore.VectorStore
	lex        lexical.Store
	parser     *Registry
	chunker    *Chunker
	summarizer *Summarizer
	detector   *versioning.Detector
	diffEngine *versioning.DiffEngine
	embed      embedder.Embedder
	indexer    *Indexer
	tok        tokenizer.Tokenizer
	logger     *slog.Logger
	cfg        PipelineConfig

	// Background diff tasks keyed by "old:new", awaited on Close.
	mu        sync.Mutex
	diffTasks map[string]struct{}
	wg        sync.WaitGroup
	closed    bool
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(
	docs repository.DocumentRepository,
	chunksRepo repository.ChunkRepository,
	sections repository.SectionSummaryRepository,
	objects objectstore.Store,
	vs vectorstore.VectorStore,
	lex lexical.Store,
	parser *Registry,
	chunker *Chunker,
	summarizer *Summarizer,
	detector *versioning.Detector,
	diffEngine *versioning.DiffEngine,
	embed embedder.Embedder,
	indexer *Indexer,
	tok tokenizer.Tokenizer,
	logger *slog.Logger,
	cfg PipelineConfig,
) *Pipeline {
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if cfg.SummarizerMaxInFlight <= 0 {
		cfg.SummarizerMaxInFlight = 10
	}
	return &Pipeline{
		docs:       docs,
		chunksRepo: chunksRepo,
		sections:   sections,
		objects:    objects,
		vs:         vs,
		lex:        lex,
		parser:     parser,
		chunker:    chunker,
		summarizer: summarizer,
		detector:   detector,
		diffEngine: diffEngine,
		embed:      embed,
		indexer:    indexer,
		tok:        tok,
		logger:     logger,
		cfg:        cfg,
		diffTasks:  make(map[string]struct{}),
	}
}

// UploadInput is a file upload with its caller-supplied metadata.
type UploadInput struct {
	Filename   string
	Data       []byte
	Title      string
	DocType    string
	Tags       []string
	GroupID    string
	OwnerID    string
	Department string
	Visibility string
}

// Ingest runs the full pipeline for one upload and returns the document in
// its final state. Exact re-uploads are rejected with a DuplicateError
// carrying the existing document's ID.
func (p *Pipeline) Ingest(ctx context.Context, in UploadInput) (*repository.Document, error) {
	doc, err := p.prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := p.process(ctx, doc, in); err != nil {
		return nil, err
	}
	return doc, nil
}

// IngestAsync validates the upload and creates the pending document record,
// then runs the remaining stages in the background. Callers poll the
// document status for progress. Close waits for in-flight work.
func (p *Pipeline) IngestAsync(ctx context.Context, in UploadInput) (*repository.Document, error) {
	doc, err := p.prepare(ctx, in)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pipeline is shutting down")
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		_ = p.process(context.Background(), doc, in)
	}()
	return doc, nil
}

// prepare validates the upload, checks for duplicates, and creates the
// pending document record.
func (p *Pipeline) prepare(ctx context.Context, in UploadInput) (*repository.Document, error) {
	if !p.parser.Supports(in.Filename) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(in.Filename))
	}
	if len(in.Data) > p.cfg.MaxFileSizeMB<<20 {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d MB", ErrFileTooLarge, len(in.Data), p.cfg.MaxFileSizeMB)
	}
	if len(in.Data) == 0 {
		return nil, ErrEmptyDocument
	}

	sum := sha256.Sum256(in.Data)
	hash := hex.EncodeToString(sum[:])
	if existing, err := p.docs.GetByHash(ctx, hash); err == nil {
		return nil, &repository.DuplicateError{ExistingID: existing.ID}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("dedupe lookup: %w", err)
	}

	now := time.Now()
	doc := &repository.Document{
		ID:            uuid.New(),
		Title:         in.Title,
		Filename:      in.Filename,
		ContentHash:   hash,
		SizeBytes:     int64(len(in.Data)),
		DocType:       in.DocType,
		Tags:          in.Tags,
		GroupID:       in.GroupID,
		OwnerID:       in.OwnerID,
		Department:    in.Department,
		Visibility:    in.Visibility,
		Status:        repository.StatusPending,
		VersionNumber: "v1.0",
		VersionStatus: repository.VersionActive,
		IsLatest:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if doc.Title == "" {
		doc.Title = titleFromFilename(in.Filename)
	}
	if doc.Visibility == "" {
		doc.Visibility = repository.VisibilityDepartment
	}
	if err := p.docs.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("creating document record: %w", err)
	}
	return doc, nil
}

// process runs the pipeline stages and records failures on the document.
func (p *Pipeline) process(ctx context.Context, doc *repository.Document, in UploadInput) error {
	if err := p.run(ctx, doc, in); err != nil {
		p.logger.Error("ingestion failed",
			"doc_id", doc.ID, "filename", in.Filename, "error", err)
		if uerr := p.docs.UpdateStatus(ctx, doc.ID, repository.StatusError, err.Error()); uerr != nil {
			p.logger.Error("failed to mark document errored", "doc_id", doc.ID, "error", uerr)
		}
		return err
	}
	return nil
}

func (p *Pipeline) run(ctx context.Context, doc *repository.Document, in UploadInput) error {
	if err := p.objects.Put(ctx, doc.ID.String(), in.Filename,
		bytes.NewReader(in.Data), int64(len(in.Data)), contentTypeFor(in.Filename)); err != nil {
		return fmt.Errorf("storing original file: %w", err)
	}

	// Parse.
	if err := p.docs.UpdateStatus(ctx, doc.ID, repository.StatusParsing, ""); err != nil {
		return err
	}
	parsed, err := p.parseUpload(ctx, in)
	if err != nil {
		return fmt.Errorf("parsing: %w", err)
	}
	if doc.Title == titleFromFilename(in.Filename) && parsed.Title != "" {
		doc.Title = parsed.Title
	}
	doc.PageCount = parsed.PageCount

	// Chunk.
	if err := p.docs.UpdateStatus(ctx, doc.ID, repository.StatusChunking, ""); err != nil {
		return err
	}
	pieces := p.chunker.Chunk(parsed)
	if len(pieces) == 0 {
		return ErrEmptyDocument
	}

	// Summarize.
	if err := p.docs.UpdateStatus(ctx, doc.ID, repository.StatusSummarizing, ""); err != nil {
		return err
	}
	chunks, descriptions := p.summarize(ctx, doc, parsed, pieces)

	// Version detection is best-effort: a failure just means the document is
	// treated as brand new.
	isLatest := true
	var link *versioning.LinkResult
	if p.detector != nil {
		match, derr := p.detector.Detect(ctx, doc)
		if derr != nil {
			p.logger.Warn("version detection failed", "doc_id", doc.ID, "error", derr)
		} else if match.Found {
			link, derr = p.detector.Link(ctx, doc, match)
			if derr != nil {
				p.logger.Warn("version linking failed", "doc_id", doc.ID, "error", derr)
			} else {
				isLatest = link.IsLatest
			}
		}
	}

	// Embed and index. Contextual descriptions become part of the chunk
	// content so the enriched text reaches all three stores, not just the
	// embedding input.
	if err := p.docs.UpdateStatus(ctx, doc.ID, repository.StatusEmbedding, ""); err != nil {
		return err
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		if d := descriptions[c.ID]; d != "" {
			c.Content = d + "\n\n" + c.Content
			c.TokenCount = p.tok.Count(c.Content)
		}
		texts[i] = c.Content
	}
	vectors, err := p.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	if err := p.indexer.Index(ctx, doc, chunks, vectors, isLatest); err != nil {
		return fmt.Errorf("indexing: %w", err)
	}

	doc.Status = repository.StatusReady
	doc.ChunkCount = len(chunks)
	if err := p.docs.Update(ctx, doc); err != nil {
		return fmt.Errorf("finalizing document: %w", err)
	}

	if link != nil && link.Linked {
		p.scheduleDiff(link.OlderID, link.NewerID)
	}
	return nil
}

// parseUpload writes the upload to a temp file so format parsers can work
// from a path, then dispatches to the registry.
func (p *Pipeline) parseUpload(ctx context.Context, in UploadInput) (*ParsedDocument, error) {
	tmp, err := os.CreateTemp("", "docai-*"+strings.ToLower(filepath.Ext(in.Filename)))
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(in.Data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing temp file: %w", err)
	}
	return p.parser.Parse(ctx, tmp.Name())
}

// summarize produces the persisted chunk set (text and table chunks plus
// section_summary and doc_summary chunks) and contextual descriptions for
// embedding. All LLM calls are bounded by a semaphore and best-effort:
// failures are logged and the affected summary is skipped.
func (p *Pipeline) summarize(ctx context.Context, doc *repository.Document, parsed *ParsedDocument, pieces []Chunk) ([]*repository.Chunk, map[uuid.UUID]string) {
	now := time.Now()
	chunks := make([]*repository.Chunk, 0, len(pieces))
	for _, piece := range pieces {
		chunks = append(chunks, &repository.Chunk{
			ID:          uuid.New(),
			DocumentID:  doc.ID,
			SectionPath: piece.SectionPath,
			PageNumbers: piece.PageNumbers,
			ChunkIndex:  piece.Index,
			ChunkType:   piece.ChunkType,
			Content:     piece.Content,
			TokenCount:  piece.TokenCount,
			GroupID:     doc.GroupID,
			Department:  doc.Department,
			CreatedAt:   now,
		})
	}

	sem := semaphore.NewWeighted(p.cfg.SummarizerMaxInFlight)
	var wg sync.WaitGroup
	var mu sync.Mutex

	// Section summaries, one per distinct section path of the text chunks.
	sectionText := make(map[string][]string)
	var sectionOrder []string
	for _, c := range chunks {
		if c.ChunkType != repository.ChunkTypeText || c.SectionPath == "" {
			continue
		}
		if _, ok := sectionText[c.SectionPath]; !ok {
			sectionOrder = append(sectionOrder, c.SectionPath)
		}
		sectionText[c.SectionPath] = append(sectionText[c.SectionPath], c.Content)
	}

	sectionResults := make(map[string]*SectionSummaryResult)
	for _, path := range sectionOrder {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(path, content string) {
			defer wg.Done()
			defer sem.Release(1)
			res, err := p.summarizer.SummarizeSection(ctx, path, content)
			if err != nil {
				p.logger.Warn("section summary failed", "doc_id", doc.ID, "section", path, "error", err)
				return
			}
			mu.Lock()
			sectionResults[path] = res
			mu.Unlock()
		}(path, strings.Join(sectionText[path], "\n\n"))
	}
	wg.Wait()

	var combined strings.Builder
	nextIndex := len(chunks)
	for _, path := range sectionOrder {
		res, ok := sectionResults[path]
		if !ok {
			continue
		}
		ss := &repository.SectionSummary{
			ID:          uuid.New(),
			DocumentID:  doc.ID,
			SectionPath: path,
			Summary:     res.Summary,
			KeyPoints:   res.KeyPoints,
			CreatedAt:   now,
		}
		if err := p.sections.Create(ctx, ss); err != nil {
			p.logger.Warn("failed to store section summary", "doc_id", doc.ID, "section", path, "error", err)
		}

		content := res.Summary
		if len(res.KeyPoints) > 0 {
			content += "\n- " + strings.Join(res.KeyPoints, "\n- ")
		}
		chunks = append(chunks, &repository.Chunk{
			ID:          uuid.New(),
			DocumentID:  doc.ID,
			SectionPath: path,
			ChunkIndex:  nextIndex,
			ChunkType:   repository.ChunkTypeSectionSummary,
			Content:     content,
			GroupID:     doc.GroupID,
			Department:  doc.Department,
			CreatedAt:   now,
		})
		nextIndex++

		fmt.Fprintf(&combined, "## %s\n%s\n\n", path, res.Summary)
	}

	// Document summary, entities, and type classification.
	input := combined.String()
	if input == "" {
		input = truncate(parsed.RawText, docInputLimit)
	}
	if res, err := p.summarizer.SummarizeDocument(ctx, doc.Title, input); err != nil {
		p.logger.Warn("document summary failed", "doc_id", doc.ID, "error", err)
	} else {
		doc.Summary = res.Summary
		doc.KeyEntities = res.Entities
		if doc.DocType == "" {
			doc.DocType = res.DocType
		}
		chunks = append(chunks, &repository.Chunk{
			ID:         uuid.New(),
			DocumentID: doc.ID,
			ChunkIndex: nextIndex,
			ChunkType:  repository.ChunkTypeDocSummary,
			Content:    res.Summary,
			GroupID:    doc.GroupID,
			Department: doc.Department,
			CreatedAt:  now,
		})
		nextIndex++
	}

	// Contextual descriptions for text and table chunks.
	descriptions := make(map[uuid.UUID]string)
	for _, c := range chunks {
		if c.ChunkType != repository.ChunkTypeText && c.ChunkType != repository.ChunkTypeTable {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(c *repository.Chunk) {
			defer wg.Done()
			defer sem.Release(1)
			desc, err := p.summarizer.ContextualDescription(ctx, doc.Title, doc.Summary, c.SectionPath, c.Content)
			if err != nil {
				p.logger.Warn("contextual description failed", "doc_id", doc.ID, "chunk_index", c.ChunkIndex, "error", err)
				return
			}
			mu.Lock()
			descriptions[c.ID] = desc
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	return chunks, descriptions
}

// scheduleDiff computes the version diff in the background. Concurrent
// requests for the same pair coalesce into one task.
func (p *Pipeline) scheduleDiff(olderID, newerID uuid.UUID) {
	key := olderID.String() + ":" + newerID.String()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if _, running := p.diffTasks[key]; running {
		p.mu.Unlock()
		return
	}
	p.diffTasks[key] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.diffTasks, key)
			p.mu.Unlock()
			p.wg.Done()
		}()
		if _, err := p.diffEngine.Compare(context.Background(), olderID, newerID); err != nil {
			p.logger.Warn("background version diff failed",
				"old_id", olderID, "new_id", newerID, "error", err)
		}
	}()
}

// Close waits for in-flight background diff tasks.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

// Delete removes a document and all derived data from every store.
func (p *Pipeline) Delete(ctx context.Context, docID uuid.UUID) error {
	ids, err := p.chunksRepo.IDsByDocument(ctx, docID)
	if err != nil {
		return fmt.Errorf("listing chunk ids: %w", err)
	}
	pointIDs := make([]string, len(ids))
	for i, id := range ids {
		pointIDs[i] = id.String()
	}

	if err := p.vs.DeleteByIDs(ctx, pointIDs); err != nil {
		return fmt.Errorf("removing vectors: %w", err)
	}
	if err := p.lex.DeleteByDocument(ctx, docID.String()); err != nil {
		return fmt.Errorf("removing lexical docs: %w", err)
	}
	if err := p.objects.DeleteByDocument(ctx, docID.String()); err != nil {
		return fmt.Errorf("removing stored files: %w", err)
	}
	// Chunks, section summaries, and diffs cascade from the document row.
	if err := p.docs.Delete(ctx, docID); err != nil {
		return fmt.Errorf("removing document record: %w", err)
	}
	return nil
}

func contentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".csv":
		return "text/csv"
	default:
		return "text/plain"
	}
}
