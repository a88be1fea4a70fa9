package retrieval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/docai-platform/docai/internal/lexical"
	"github.com/docai-platform/docai/internal/vectorstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int {
	return 2
}

func (f *fakeEmbedder) ModelName() string {
	return "fake"
}

type fakeVectorStore struct {
	hits     []vectorstore.Result
	err      error
	searched bool
}

func (f *fakeVectorStore) EnsureCollection(ctx context.Context, dimension int) error { return nil }
func (f *fakeVectorStore) Upsert(ctx context.Context, points []vectorstore.Point) error {
	return nil
}
func (f *fakeVectorStore) Search(ctx context.Context, vector []float32, filter vectorstore.Filter, topK int, scoreThreshold float32) ([]vectorstore.Result, error) {
	f.searched = true
	return f.hits, f.err
}
func (f *fakeVectorStore) SetLatest(ctx context.Context, docID string, isLatest bool) error {
	return nil
}
func (f *fakeVectorStore) DeleteByIDs(ctx context.Context, ids []string) error      { return nil }
func (f *fakeVectorStore) DeleteByDocument(ctx context.Context, docID string) error { return nil }

type fakeLexStore struct {
	hits      []lexical.Hit
	err       error
	neighbors []lexical.Hit
	searched  bool
}

func (f *fakeLexStore) EnsureIndex(ctx context.Context) error { return nil }
func (f *fakeLexStore) IndexBatch(ctx context.Context, docs map[string]lexical.Doc) error {
	return nil
}
func (f *fakeLexStore) Refresh(ctx context.Context) error { return nil }
func (f *fakeLexStore) Search(ctx context.Context, query string, filter lexical.Filter, topK int) ([]lexical.Hit, error) {
	f.searched = true
	return f.hits, f.err
}
func (f *fakeLexStore) Neighbors(ctx context.Context, docID string, indices []int) ([]lexical.Hit, error) {
	return f.neighbors, nil
}
func (f *fakeLexStore) ChunksByDocument(ctx context.Context, docID, sectionPath string, pages []int, limit int) ([]lexical.Hit, error) {
	return nil, nil
}
func (f *fakeLexStore) SetLatest(ctx context.Context, docID string, isLatest bool) error {
	return nil
}
func (f *fakeLexStore) DeleteByDocument(ctx context.Context, docID string) error { return nil }

func TestFuseDisjointLists(t *testing.T) {
	fused := fuse([]string{"a", "b"}, []string{"c", "d"}, 60)
	if len(fused) != 4 {
		t.Fatalf("expected 4 fused ids, got %d", len(fused))
	}
	// Rank 1 from either list scores 1/61, rank 2 scores 1/62. Ties break by
	// first appearance, so dense results precede lexical at equal rank.
	wantOrder := []string{"a", "c", "b", "d"}
	for i, w := range wantOrder {
		if fused[i].id != w {
			t.Errorf("position %d = %s, want %s", i, fused[i].id, w)
		}
	}
	if fused[0].score != 1.0/61 {
		t.Errorf("rank-1 score = %v, want %v", fused[0].score, 1.0/61)
	}
}

func TestFuseOverlappingListsSumScores(t *testing.T) {
	fused := fuse([]string{"a", "b"}, []string{"b", "a"}, 60)
	if len(fused) != 2 {
		t.Fatalf("expected 2 fused ids, got %d", len(fused))
	}
	want := 1.0/61 + 1.0/62
	for _, f := range fused {
		if f.score != want {
			t.Errorf("id %s score = %v, want %v", f.id, f.score, want)
		}
	}
	// Equal scores: "a" was seen first.
	if fused[0].id != "a" {
		t.Errorf("tiebreak winner = %s, want a", fused[0].id)
	}
}

func TestFuseBothListsBoostRank(t *testing.T) {
	// "b" appears in both lists and must outrank "a", which leads only one.
	fused := fuse([]string{"a", "b"}, []string{"b"}, 60)
	if fused[0].id != "b" {
		t.Errorf("top id = %s, want b", fused[0].id)
	}
}

func TestRetrieveEmptyPermissionSet(t *testing.T) {
	vs := &fakeVectorStore{}
	lex := &fakeLexStore{}
	r := NewRetriever(vs, lex, &fakeEmbedder{}, nil, Config{}, discardLogger())

	got, err := r.Retrieve(context.Background(), "q", Options{AccessibleDocIDs: []string{}})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil results, got %d", len(got))
	}
	if vs.searched || lex.searched {
		t.Error("stores should not be queried for an empty permission set")
	}
}

func TestRetrieveDegradesWhenDenseFails(t *testing.T) {
	id := uuid.New()
	vs := &fakeVectorStore{err: errors.New("qdrant down")}
	lex := &fakeLexStore{hits: []lexical.Hit{{
		ID:    id.String(),
		Score: 3.2,
		Doc:   lexical.Doc{DocID: uuid.New().String(), Content: "hello", ChunkType: "text"},
	}}}
	r := NewRetriever(vs, lex, &fakeEmbedder{}, nil, Config{}, discardLogger())

	got, err := r.Retrieve(context.Background(), "q", Options{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 || got[0].ChunkID != id {
		t.Fatalf("expected the lexical hit to survive, got %+v", got)
	}
}

func TestRetrieveDegradesWhenEmbeddingFails(t *testing.T) {
	id := uuid.New()
	vs := &fakeVectorStore{}
	lex := &fakeLexStore{hits: []lexical.Hit{{ID: id.String(), Score: 1, Doc: lexical.Doc{Content: "x"}}}}
	r := NewRetriever(vs, lex, &fakeEmbedder{err: errors.New("embed service down")}, nil, Config{}, discardLogger())

	got, err := r.Retrieve(context.Background(), "q", Options{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 result, got %d", len(got))
	}
	if vs.searched {
		t.Error("dense search should be skipped when embedding fails")
	}
}

func TestRetrieveBothBackendsFailed(t *testing.T) {
	vs := &fakeVectorStore{err: errors.New("down")}
	lex := &fakeLexStore{err: errors.New("down")}
	r := NewRetriever(vs, lex, &fakeEmbedder{}, nil, Config{}, discardLogger())

	if _, err := r.Retrieve(context.Background(), "q", Options{}); !errors.Is(err, ErrAllStoresFailed) {
		t.Errorf("error = %v, want ErrAllStoresFailed", err)
	}
}

func TestRetrieveTruncatesToTopK(t *testing.T) {
	var hits []lexical.Hit
	for i := 0; i < 10; i++ {
		hits = append(hits, lexical.Hit{ID: uuid.New().String(), Score: float64(10 - i), Doc: lexical.Doc{Content: "c"}})
	}
	r := NewRetriever(&fakeVectorStore{}, &fakeLexStore{hits: hits}, &fakeEmbedder{}, nil, Config{}, discardLogger())

	got, err := r.Retrieve(context.Background(), "q", Options{TopK: 3})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 results, got %d", len(got))
	}
}

func TestBuildFiltersVersionModes(t *testing.T) {
	r := NewRetriever(&fakeVectorStore{}, &fakeLexStore{}, &fakeEmbedder{}, nil, Config{}, discardLogger())

	vf, lf := r.buildFilters(Options{})
	if !vf.LatestOnly || !lf.LatestOnly {
		t.Error("default mode should pin latest versions")
	}

	vf, _ = r.buildFilters(Options{VersionMode: VersionAllVersions})
	if vf.LatestOnly {
		t.Error("all_versions must not constrain is_latest")
	}

	vf, _ = r.buildFilters(Options{VersionMode: VersionSpecific, Filters: map[string]string{"doc_id": "d1"}})
	if vf.LatestOnly {
		t.Error("specific mode must not constrain is_latest")
	}
	if vf.DocID != "d1" {
		t.Errorf("doc_id = %q, want d1", vf.DocID)
	}
}
