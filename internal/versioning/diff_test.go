package versioning

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/docai-platform/docai/internal/llm"
	"github.com/docai-platform/docai/internal/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedLLM struct {
	response string
	err      error
}

func (f *fixedLLM) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	return f.response, f.err
}

func (f *fixedLLM) GenerateStream(ctx context.Context, prompt string, opts llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, 2)
	ch <- llm.StreamChunk{Token: f.response}
	ch <- llm.StreamChunk{Done: true}
	close(ch)
	return ch, f.err
}

func (f *fixedLLM) Chat(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
	return f.response, f.err
}

func (f *fixedLLM) ChatStream(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	return f.GenerateStream(ctx, "", opts)
}

type fakeChunkRepo struct {
	byDoc map[uuid.UUID][]*repository.Chunk
	calls int
}

func (f *fakeChunkRepo) CreateBatch(ctx context.Context, chunks []*repository.Chunk) error {
	return nil
}

func (f *fakeChunkRepo) GetByDocument(ctx context.Context, documentID uuid.UUID) ([]*repository.Chunk, error) {
	f.calls++
	return f.byDoc[documentID], nil
}

func (f *fakeChunkRepo) IDsByDocument(ctx context.Context, documentID uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

func (f *fakeChunkRepo) CountByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	return 0, nil
}

func (f *fakeChunkRepo) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	return nil
}

type fakeDiffRepo struct {
	stored  *repository.VersionDiff
	creates int
}

func (f *fakeDiffRepo) Create(ctx context.Context, d *repository.VersionDiff) error {
	f.creates++
	f.stored = d
	return nil
}

func (f *fakeDiffRepo) GetByPair(ctx context.Context, oldID, newID uuid.UUID) (*repository.VersionDiff, error) {
	if f.stored != nil && f.stored.OldDocumentID == oldID && f.stored.NewDocumentID == newID {
		return f.stored, nil
	}
	return nil, repository.ErrNotFound
}

func textChunks(docID uuid.UUID, sections map[string]string) []*repository.Chunk {
	var out []*repository.Chunk
	i := 0
	for path, content := range sections {
		out = append(out, &repository.Chunk{
			ID:          uuid.New(),
			DocumentID:  docID,
			SectionPath: path,
			ChunkIndex:  i,
			ChunkType:   repository.ChunkTypeText,
			Content:     content,
		})
		i++
	}
	return out
}

func TestTextualDiffStats(t *testing.T) {
	oldS := map[string]string{
		"Intro":   "hello\nworld\n",
		"Pricing": "old price 10\n",
		"Legal":   "unchanged\n",
	}
	newS := map[string]string{
		"Intro":    "hello\nworld\n",
		"Pricing":  "new price 20\n",
		"Appendix": "brand new\n",
	}

	diff := textualDiff(oldS, newS)
	if diff.Stats.Unchanged != 1 || diff.Stats.Modified != 1 || diff.Stats.Deleted != 1 || diff.Stats.Added != 1 {
		t.Errorf("stats = %+v, want 1 each", diff.Stats)
	}

	byPath := make(map[string]repository.SectionChange)
	for _, sc := range diff.Sections {
		byPath[sc.SectionPath] = sc
	}
	if byPath["Pricing"].ChangeType != "modified" {
		t.Errorf("Pricing change type = %q", byPath["Pricing"].ChangeType)
	}
	if byPath["Legal"].ChangeType != "deleted" {
		t.Errorf("Legal change type = %q", byPath["Legal"].ChangeType)
	}
	if byPath["Appendix"].ChangeType != "added" {
		t.Errorf("Appendix change type = %q", byPath["Appendix"].ChangeType)
	}
}

func TestModifiedSectionOpcodes(t *testing.T) {
	sc := modifiedSection("S", "keep\nold line\n", "keep\nnew line\n")
	if sc.ChangeType != "modified" {
		t.Fatalf("change type = %q", sc.ChangeType)
	}
	if len(sc.Changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(sc.Changes))
	}
	ch := sc.Changes[0]
	if ch.Operation != "replace" {
		t.Errorf("operation = %q, want replace", ch.Operation)
	}
	if ch.OldText != "old line" || ch.NewText != "new line" {
		t.Errorf("snippets = %q -> %q", ch.OldText, ch.NewText)
	}
	if sc.DiffPreview == "" {
		t.Error("expected a unified diff preview")
	}
}

func TestStructuralDiffRename(t *testing.T) {
	content := "alpha\nbeta\ngamma\ndelta\n"
	oldS := map[string]string{
		"Old Title": content,
		"Gone":      "completely different text\nnothing shared\n",
		"Stable":    "same\n",
	}
	newS := map[string]string{
		"New Title": content,
		"Fresh":     "unrelated addition\n",
		"Stable":    "same\n",
	}

	diff := structuralDiff(oldS, newS)
	if len(diff.RenamedSections) != 1 {
		t.Fatalf("renames = %+v, want 1", diff.RenamedSections)
	}
	r := diff.RenamedSections[0]
	if r.OldPath != "Old Title" || r.NewPath != "New Title" {
		t.Errorf("rename = %+v", r)
	}
	if len(diff.DeletedSections) != 1 || diff.DeletedSections[0] != "Gone" {
		t.Errorf("deleted = %v", diff.DeletedSections)
	}
	if len(diff.AddedSections) != 1 || diff.AddedSections[0] != "Fresh" {
		t.Errorf("added = %v", diff.AddedSections)
	}
	if len(diff.CommonSections) != 1 || diff.CommonSections[0] != "Stable" {
		t.Errorf("common = %v", diff.CommonSections)
	}
}

func TestCompareCachesResult(t *testing.T) {
	oldID, newID := uuid.New(), uuid.New()
	chunks := &fakeChunkRepo{byDoc: map[uuid.UUID][]*repository.Chunk{
		oldID: textChunks(oldID, map[string]string{"S": "one\n"}),
		newID: textChunks(newID, map[string]string{"S": "two\n"}),
	}}
	diffs := &fakeDiffRepo{}
	main := &fixedLLM{response: `{"change_summary": "changed one to two", "change_details": [], "impact_analysis": "minor"}`}
	e := NewDiffEngine(nil, chunks, diffs, main, discardLogger())

	first, err := e.Compare(context.Background(), oldID, newID)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if diffs.creates != 1 {
		t.Fatalf("creates = %d, want 1", diffs.creates)
	}
	if first.ChangeSummary != "changed one to two" {
		t.Errorf("summary = %q", first.ChangeSummary)
	}
	if first.CreatedAt.IsZero() {
		t.Error("stored diff has zero CreatedAt")
	}

	chunkCallsAfterFirst := chunks.calls
	second, err := e.Compare(context.Background(), oldID, newID)
	if err != nil {
		t.Fatalf("second Compare: %v", err)
	}
	if diffs.creates != 1 {
		t.Errorf("second compare stored again, creates = %d", diffs.creates)
	}
	if chunks.calls != chunkCallsAfterFirst {
		t.Error("second compare should hit the cache, not reload chunks")
	}
	if second.ID != first.ID {
		t.Error("cached diff should be the stored one")
	}
}

func TestCompareSemanticFailureKeepsMechanicalLayers(t *testing.T) {
	oldID, newID := uuid.New(), uuid.New()
	chunks := &fakeChunkRepo{byDoc: map[uuid.UUID][]*repository.Chunk{
		oldID: textChunks(oldID, map[string]string{"S": "one\n"}),
		newID: textChunks(newID, map[string]string{"S": "two\n"}),
	}}
	diffs := &fakeDiffRepo{}
	e := NewDiffEngine(nil, chunks, diffs, &fixedLLM{err: errors.New("model down")}, discardLogger())

	diff, err := e.Compare(context.Background(), oldID, newID)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if diff.TextualDiff.Stats.Modified != 1 {
		t.Errorf("textual stats = %+v", diff.TextualDiff.Stats)
	}
	if diff.ChangeSummary != "" {
		t.Errorf("summary = %q, want empty when the LLM fails", diff.ChangeSummary)
	}
	if diffs.creates != 1 {
		t.Errorf("the diff should still be persisted, creates = %d", diffs.creates)
	}
}

func TestCompareIdenticalVersions(t *testing.T) {
	oldID, newID := uuid.New(), uuid.New()
	chunks := &fakeChunkRepo{byDoc: map[uuid.UUID][]*repository.Chunk{
		oldID: textChunks(oldID, map[string]string{"S": "same\n"}),
		newID: textChunks(newID, map[string]string{"S": "same\n"}),
	}}
	diffs := &fakeDiffRepo{}
	e := NewDiffEngine(nil, chunks, diffs, &fixedLLM{response: "ignored"}, discardLogger())

	diff, err := e.Compare(context.Background(), oldID, newID)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if diff.TextualDiff.Stats.Unchanged != 1 {
		t.Errorf("stats = %+v", diff.TextualDiff.Stats)
	}
	if diff.ChangeSummary != "No textual changes between the two versions." {
		t.Errorf("summary = %q", diff.ChangeSummary)
	}
}
