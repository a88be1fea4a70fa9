package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/docai-platform/docai/internal/lexical"
	"github.com/docai-platform/docai/internal/llm"
	"github.com/docai-platform/docai/internal/repository"
	"github.com/docai-platform/docai/internal/vectorstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stageLLM answers each summarizer prompt kind with a canned response.
type stageLLM struct{}

const chunkContextNote = "Context note for this chunk."

func (stageLLM) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	switch {
	case strings.Contains(prompt, "Summarize the following document section"):
		return `{"summary": "section overview", "key_points": ["point one"]}`, nil
	case strings.Contains(prompt, "per-section summaries"):
		return `{"summary": "doc overview", "entities": {"organizations": ["Acme"]}, "doc_type": "manual"}`, nil
	case strings.Contains(prompt, "situating this chunk"):
		return chunkContextNote, nil
	}
	return "", fmt.Errorf("unexpected prompt: %.60s", prompt)
}

func (s stageLLM) GenerateStream(ctx context.Context, prompt string, opts llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	text, err := s.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.StreamChunk{Token: text}
	ch <- llm.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

func (s stageLLM) Chat(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
	return "", nil
}

func (s stageLLM) ChatStream(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	return s.GenerateStream(ctx, "", opts)
}

type fakeDocRepo struct {
	mu     sync.Mutex
	docs   map[uuid.UUID]*repository.Document
	stages []string
}

func newFakeDocRepo() *fakeDocRepo {
	return &fakeDocRepo{docs: map[uuid.UUID]*repository.Document{}}
}

func (r *fakeDocRepo) Create(ctx context.Context, doc *repository.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[doc.ID] = doc
	r.stages = append(r.stages, doc.Status)
	return nil
}

func (r *fakeDocRepo) GetByID(ctx context.Context, id uuid.UUID) (*repository.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return doc, nil
}

func (r *fakeDocRepo) GetByHash(ctx context.Context, hash string) (*repository.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, doc := range r.docs {
		if doc.ContentHash == hash && doc.Status != repository.StatusError {
			return doc, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeDocRepo) List(ctx context.Context, filter repository.ListFilter) ([]*repository.Document, int, error) {
	return nil, 0, nil
}

func (r *fakeDocRepo) Update(ctx context.Context, doc *repository.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs[doc.ID] = doc
	r.stages = append(r.stages, doc.Status)
	return nil
}

func (r *fakeDocRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status, errorMessage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return repository.ErrNotFound
	}
	doc.Status = status
	doc.ErrorMessage = errorMessage
	r.stages = append(r.stages, status)
	return nil
}

func (r *fakeDocRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docs, id)
	return nil
}

func (r *fakeDocRepo) FindSimilarTitles(ctx context.Context, title string, threshold float64, limit int) ([]repository.TitleMatch, error) {
	return nil, nil
}

func (r *fakeDocRepo) Supersede(ctx context.Context, id uuid.UUID) error { return nil }

func (r *fakeDocRepo) SetParentVersion(ctx context.Context, id uuid.UUID, parentID *uuid.UUID) error {
	return nil
}

func (r *fakeDocRepo) GetChildren(ctx context.Context, id uuid.UUID) ([]*repository.Document, error) {
	return nil, nil
}

func (r *fakeDocRepo) AccessibleIDs(ctx context.Context, ownerID, department string, groups []string) ([]uuid.UUID, error) {
	return nil, nil
}

type fakeChunkStore struct {
	mu    sync.Mutex
	byDoc map[uuid.UUID][]*repository.Chunk
}

func newFakeChunkStore() *fakeChunkStore {
	return &fakeChunkStore{byDoc: map[uuid.UUID][]*repository.Chunk{}}
}

func (s *fakeChunkStore) CreateBatch(ctx context.Context, chunks []*repository.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.byDoc[c.DocumentID] = append(s.byDoc[c.DocumentID], c)
	}
	return nil
}

func (s *fakeChunkStore) GetByDocument(ctx context.Context, documentID uuid.UUID) ([]*repository.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byDoc[documentID], nil
}

func (s *fakeChunkStore) IDsByDocument(ctx context.Context, documentID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for _, c := range s.byDoc[documentID] {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (s *fakeChunkStore) CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byDoc[documentID]), nil
}

func (s *fakeChunkStore) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byDoc, documentID)
	return nil
}

type fakeSectionRepo struct {
	mu     sync.Mutex
	stored []*repository.SectionSummary
}

func (r *fakeSectionRepo) Create(ctx context.Context, s *repository.SectionSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored = append(r.stored, s)
	return nil
}

func (r *fakeSectionRepo) GetByDocument(ctx context.Context, documentID uuid.UUID) ([]*repository.SectionSummary, error) {
	return nil, nil
}

func (r *fakeSectionRepo) GetBySection(ctx context.Context, documentID uuid.UUID, sectionPath string) (*repository.SectionSummary, error) {
	return nil, repository.ErrNotFound
}

func (r *fakeSectionRepo) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	return nil
}

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: map[string][]byte{}}
}

func (s *fakeObjectStore) EnsureBucket(ctx context.Context) error { return nil }

func (s *fakeObjectStore) Put(ctx context.Context, docID, filename string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[docID+"/"+filename] = data
	return nil
}

func (s *fakeObjectStore) Get(ctx context.Context, docID, filename string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[docID+"/"+filename]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeObjectStore) DeleteByDocument(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.objects {
		if strings.HasPrefix(key, docID+"/") {
			delete(s.objects, key)
		}
	}
	return nil
}

type fakeVectorStore struct {
	mu     sync.Mutex
	points map[string]vectorstore.Point
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{points: map[string]vectorstore.Point{}}
}

func (s *fakeVectorStore) EnsureCollection(ctx context.Context, dimension int) error { return nil }

func (s *fakeVectorStore) Upsert(ctx context.Context, points []vectorstore.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		s.points[p.ID] = p
	}
	return nil
}

func (s *fakeVectorStore) Search(ctx context.Context, vector []float32, filter vectorstore.Filter, topK int, scoreThreshold float32) ([]vectorstore.Result, error) {
	return nil, nil
}

func (s *fakeVectorStore) SetLatest(ctx context.Context, docID string, isLatest bool) error {
	return nil
}

func (s *fakeVectorStore) DeleteByIDs(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.points, id)
	}
	return nil
}

func (s *fakeVectorStore) DeleteByDocument(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.points {
		if p.Payload.DocID == docID {
			delete(s.points, id)
		}
	}
	return nil
}

type fakeLexStore struct {
	mu   sync.Mutex
	docs map[string]lexical.Doc
}

func newFakeLexStore() *fakeLexStore {
	return &fakeLexStore{docs: map[string]lexical.Doc{}}
}

func (s *fakeLexStore) EnsureIndex(ctx context.Context) error { return nil }

func (s *fakeLexStore) IndexBatch(ctx context.Context, docs map[string]lexical.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range docs {
		s.docs[id] = d
	}
	return nil
}

func (s *fakeLexStore) Refresh(ctx context.Context) error { return nil }

func (s *fakeLexStore) Search(ctx context.Context, query string, filter lexical.Filter, topK int) ([]lexical.Hit, error) {
	return nil, nil
}

func (s *fakeLexStore) Neighbors(ctx context.Context, docID string, indices []int) ([]lexical.Hit, error) {
	return nil, nil
}

func (s *fakeLexStore) ChunksByDocument(ctx context.Context, docID, sectionPath string, pages []int, limit int) ([]lexical.Hit, error) {
	return nil, nil
}

func (s *fakeLexStore) SetLatest(ctx context.Context, docID string, isLatest bool) error {
	return nil
}

func (s *fakeLexStore) DeleteByDocument(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, d := range s.docs {
		if d.DocID == docID {
			delete(s.docs, id)
		}
	}
	return nil
}

type fakeEmbedder struct {
	mu      sync.Mutex
	batches [][]string
	fail    bool
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("embedder unavailable")
	}
	return []float32{1, 0, 0, 0}, nil
}

func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e.fail {
		return nil, errors.New("embedder unavailable")
	}
	e.mu.Lock()
	e.batches = append(e.batches, texts)
	e.mu.Unlock()
	vectors := make([][]float32, len(texts))
	for i := range vectors {
		vectors[i] = []float32{1, 0, 0, 0}
	}
	return vectors, nil
}

func (e *fakeEmbedder) Dimension() int    { return 4 }
func (e *fakeEmbedder) ModelName() string { return "fake-embedder" }

type pipelineFixture struct {
	pipeline *Pipeline
	docs     *fakeDocRepo
	chunks   *fakeChunkStore
	sections *fakeSectionRepo
	objects  *fakeObjectStore
	vs       *fakeVectorStore
	lex      *fakeLexStore
	embed    *fakeEmbedder
}

func newPipelineFixture() *pipelineFixture {
	f := &pipelineFixture{
		docs:     newFakeDocRepo(),
		chunks:   newFakeChunkStore(),
		sections: &fakeSectionRepo{},
		objects:  newFakeObjectStore(),
		vs:       newFakeVectorStore(),
		lex:      newFakeLexStore(),
		embed:    &fakeEmbedder{},
	}
	log := testLogger()
	f.pipeline = NewPipeline(
		f.docs, f.chunks, f.sections, f.objects, f.vs, f.lex,
		NewRegistry(), newTestChunker(50, 80, 5), NewSummarizer(stageLLM{}, log),
		nil, nil, f.embed, NewIndexer(f.vs, f.lex, f.chunks), wordTokenizer{}, log,
		PipelineConfig{MaxFileSizeMB: 1},
	)
	return f
}

func uploadInput() UploadInput {
	content := "# Intro\n\n" + words(30) + "\n\n# Details\n\n" + words(30) + "\n"
	return UploadInput{
		Filename:   "handbook.md",
		Data:       []byte(content),
		OwnerID:    "u1",
		Department: "eng",
	}
}

func TestIngestLifecycle(t *testing.T) {
	f := newPipelineFixture()
	doc, err := f.pipeline.Ingest(context.Background(), uploadInput())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	if doc.Status != repository.StatusReady {
		t.Fatalf("status = %s, want ready", doc.Status)
	}
	if doc.CreatedAt.IsZero() || doc.UpdatedAt.IsZero() {
		t.Error("document stored with zero timestamps")
	}
	if doc.Summary != "doc overview" || doc.DocType != "manual" {
		t.Errorf("summary = %q, doc_type = %q", doc.Summary, doc.DocType)
	}

	wantStages := []string{
		repository.StatusPending, repository.StatusParsing, repository.StatusChunking,
		repository.StatusSummarizing, repository.StatusEmbedding, repository.StatusReady,
	}
	if len(f.docs.stages) != len(wantStages) {
		t.Fatalf("stages = %v, want %v", f.docs.stages, wantStages)
	}
	for i, s := range wantStages {
		if f.docs.stages[i] != s {
			t.Fatalf("stage[%d] = %s, want %s", i, f.docs.stages[i], s)
		}
	}

	stored := f.chunks.byDoc[doc.ID]
	if len(stored) == 0 {
		t.Fatal("no chunks stored")
	}
	if doc.ChunkCount != len(stored) {
		t.Errorf("ChunkCount = %d, stored = %d", doc.ChunkCount, len(stored))
	}
	if len(f.vs.points) != len(stored) || len(f.lex.docs) != len(stored) {
		t.Errorf("store counts diverge: chunks %d, vectors %d, lexical %d",
			len(stored), len(f.vs.points), len(f.lex.docs))
	}

	types := map[string]int{}
	for _, c := range stored {
		types[c.ChunkType]++
	}
	if types[repository.ChunkTypeText] != 2 ||
		types[repository.ChunkTypeSectionSummary] != 2 ||
		types[repository.ChunkTypeDocSummary] != 1 {
		t.Errorf("chunk type counts = %v", types)
	}
	if len(f.sections.stored) != 2 {
		t.Errorf("section summaries stored = %d, want 2", len(f.sections.stored))
	}
}

func TestIngestEnrichedContentReachesAllStores(t *testing.T) {
	f := newPipelineFixture()
	doc, err := f.pipeline.Ingest(context.Background(), uploadInput())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	prefix := chunkContextNote + "\n\n"
	for _, c := range f.chunks.byDoc[doc.ID] {
		if c.ChunkType != repository.ChunkTypeText {
			continue
		}
		if !strings.HasPrefix(c.Content, prefix) {
			t.Errorf("chunk %d content missing contextual description: %.40q", c.ChunkIndex, c.Content)
		}
		if got := (wordTokenizer{}).Count(c.Content); c.TokenCount != got {
			t.Errorf("chunk %d TokenCount = %d, want %d after enrichment", c.ChunkIndex, c.TokenCount, got)
		}
		point, ok := f.vs.points[c.ID.String()]
		if !ok {
			t.Fatalf("chunk %d has no vector point", c.ChunkIndex)
		}
		if point.Payload.Content != c.Content {
			t.Errorf("vector payload content diverges from stored chunk %d", c.ChunkIndex)
		}
		lexDoc, ok := f.lex.docs[c.ID.String()]
		if !ok {
			t.Fatalf("chunk %d has no lexical doc", c.ChunkIndex)
		}
		if lexDoc.Content != c.Content {
			t.Errorf("lexical content diverges from stored chunk %d", c.ChunkIndex)
		}
	}

	if len(f.embed.batches) != 1 {
		t.Fatalf("embed batches = %d, want 1", len(f.embed.batches))
	}
	byContent := map[string]bool{}
	for _, c := range f.chunks.byDoc[doc.ID] {
		byContent[c.Content] = true
	}
	for _, text := range f.embed.batches[0] {
		if !byContent[text] {
			t.Errorf("embedded text not equal to any stored chunk content: %.40q", text)
		}
	}
}

func TestIngestRejectsDuplicate(t *testing.T) {
	f := newPipelineFixture()
	in := uploadInput()
	first, err := f.pipeline.Ingest(context.Background(), in)
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}

	_, err = f.pipeline.Ingest(context.Background(), in)
	var dup *repository.DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("error = %v, want DuplicateError", err)
	}
	if dup.ExistingID != first.ID {
		t.Errorf("ExistingID = %s, want %s", dup.ExistingID, first.ID)
	}
	if len(f.docs.docs) != 1 {
		t.Errorf("documents = %d, want 1", len(f.docs.docs))
	}
}

func TestIngestRejectsUnsupportedAndOversized(t *testing.T) {
	f := newPipelineFixture()

	in := uploadInput()
	in.Filename = "report.pdf"
	if _, err := f.pipeline.Ingest(context.Background(), in); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("pdf error = %v, want ErrUnsupportedFormat", err)
	}

	in = uploadInput()
	in.Data = bytes.Repeat([]byte("a"), 2<<20)
	if _, err := f.pipeline.Ingest(context.Background(), in); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("oversized error = %v, want ErrFileTooLarge", err)
	}
}

func TestIngestEmbeddingFailureMarksError(t *testing.T) {
	f := newPipelineFixture()
	f.embed.fail = true

	doc, err := f.pipeline.Ingest(context.Background(), uploadInput())
	if err == nil {
		t.Fatal("expected ingest to fail")
	}
	if doc != nil {
		t.Fatalf("expected nil document on failure, got %v", doc.ID)
	}

	var stored *repository.Document
	for _, d := range f.docs.docs {
		stored = d
	}
	if stored == nil {
		t.Fatal("document record missing")
	}
	if stored.Status != repository.StatusError {
		t.Errorf("status = %s, want error", stored.Status)
	}
	if !strings.Contains(stored.ErrorMessage, "embedding") {
		t.Errorf("error message = %q, want embedding failure", stored.ErrorMessage)
	}
}

func TestIngestDeleteReingest(t *testing.T) {
	f := newPipelineFixture()
	ctx := context.Background()
	in := uploadInput()

	doc, err := f.pipeline.Ingest(ctx, in)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := f.pipeline.Delete(ctx, doc.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if len(f.vs.points) != 0 || len(f.lex.docs) != 0 || len(f.objects.objects) != 0 {
		t.Errorf("stores not emptied: vectors %d, lexical %d, objects %d",
			len(f.vs.points), len(f.lex.docs), len(f.objects.objects))
	}
	if _, err := f.docs.GetByID(ctx, doc.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("document still present after delete: %v", err)
	}

	again, err := f.pipeline.Ingest(ctx, in)
	if err != nil {
		t.Fatalf("re-ingest after delete: %v", err)
	}
	if again.Status != repository.StatusReady {
		t.Errorf("re-ingested status = %s, want ready", again.Status)
	}
	if again.ID == doc.ID {
		t.Error("re-ingest should mint a new document ID")
	}
}
