package ingestion

import (
	"strings"
	"testing"

	"github.com/docai-platform/docai/internal/repository"
)

// wordTokenizer counts whitespace-separated words. Deterministic and
// offline, unlike the BPE tokenizer.
type wordTokenizer struct{}

func (wordTokenizer) Count(text string) int {
	return len(strings.Fields(text))
}

func (wordTokenizer) Suffix(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return text
	}
	return strings.Join(words[len(words)-n:], " ")
}

func (wordTokenizer) Split(text string, maxTokens int) []string {
	words := strings.Fields(text)
	var out []string
	for len(words) > 0 {
		n := maxTokens
		if n > len(words) {
			n = len(words)
		}
		out = append(out, strings.Join(words[:n], " "))
		words = words[n:]
	}
	return out
}

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "w"
	}
	return strings.Join(parts, " ")
}

func newTestChunker(target, max, overlap int) *Chunker {
	return NewChunker(wordTokenizer{}, ChunkerConfig{TargetSize: target, MaxSize: max, Overlap: overlap})
}

func TestChunkSectionAtMaxSizeSingleChunk(t *testing.T) {
	c := newTestChunker(50, 80, 5)
	doc := &ParsedDocument{
		Sections: []Section{{Title: "Intro", Level: 1, Content: words(80), PageNumbers: []int{1}}},
	}

	chunks := c.Chunk(doc)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].TokenCount != 80 {
		t.Errorf("token count = %d, want 80", chunks[0].TokenCount)
	}
	if chunks[0].SectionPath != "Intro" {
		t.Errorf("section path = %q, want %q", chunks[0].SectionPath, "Intro")
	}
}

func TestChunkSectionOverMaxSplitsWithOverlap(t *testing.T) {
	c := newTestChunker(50, 80, 5)
	// Paragraphs of 30 words each; 81 words total forces a split.
	paras := []string{words(30), words(30), words(21)}
	doc := &ParsedDocument{
		Sections: []Section{{Title: "Body", Level: 1, Content: strings.Join(paras, "\n\n")}},
	}

	chunks := c.Chunk(doc)
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if ch.Index != i {
			t.Errorf("chunk %d has index %d", i, ch.Index)
		}
		if ch.TokenCount > 80 {
			t.Errorf("chunk %d exceeds max size: %d tokens", i, ch.TokenCount)
		}
	}
}

func TestChunkOverlapSeedsNextChunk(t *testing.T) {
	c := newTestChunker(50, 80, 10)
	// Distinct trailing paragraph so the overlap is recognizable.
	first := words(70)
	tail := "alpha beta gamma delta epsilon"
	next := words(40)
	doc := &ParsedDocument{
		Sections: []Section{{Title: "S", Level: 1, Content: first + "\n\n" + tail + "\n\n" + next}},
	}

	chunks := c.Chunk(doc)
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(chunks))
	}
	if !strings.HasPrefix(chunks[1].Content, tail) {
		t.Errorf("second chunk does not start with the overlap paragraph: %q", chunks[1].Content)
	}
}

func TestChunkHierarchicalSectionPaths(t *testing.T) {
	c := newTestChunker(50, 80, 5)
	doc := &ParsedDocument{
		Sections: []Section{
			{Title: "Chapter 1", Level: 1, Content: words(10)},
			{Title: "1.1 Terms", Level: 2, Content: words(10)},
			{Title: "Chapter 2", Level: 1, Content: words(10)},
		},
	}

	chunks := c.Chunk(doc)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[1].SectionPath != "Chapter 1 > 1.1 Terms" {
		t.Errorf("nested path = %q", chunks[1].SectionPath)
	}
	if chunks[2].SectionPath != "Chapter 2" {
		t.Errorf("sibling path = %q", chunks[2].SectionPath)
	}
}

func TestChunkTables(t *testing.T) {
	c := newTestChunker(50, 80, 5)
	doc := &ParsedDocument{
		Sections: []Section{{Title: "S", Level: 1, Content: words(10)}},
		Tables: []Table{{
			Markdown:    "| a | b |\n|---|---|\n| 1 | 2 |",
			Page:        3,
			SectionPath: "S",
			Caption:     "Table 1",
		}},
	}

	chunks := c.Chunk(doc)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	table := chunks[1]
	if table.ChunkType != repository.ChunkTypeTable {
		t.Errorf("chunk type = %q", table.ChunkType)
	}
	if !strings.HasPrefix(table.Content, "Table 1") {
		t.Errorf("caption not prepended: %q", table.Content)
	}
	if len(table.PageNumbers) != 1 || table.PageNumbers[0] != 3 {
		t.Errorf("page numbers = %v", table.PageNumbers)
	}
}

func TestChunkRawTextFallback(t *testing.T) {
	c := newTestChunker(50, 80, 5)
	doc := &ParsedDocument{RawText: words(120)}

	chunks := c.Chunk(doc)
	if len(chunks) == 0 {
		t.Fatal("expected chunks from raw text fallback")
	}
	for _, ch := range chunks {
		if ch.ChunkType != repository.ChunkTypeText {
			t.Errorf("chunk type = %q", ch.ChunkType)
		}
	}
}

func TestChunkEmptyDocument(t *testing.T) {
	c := newTestChunker(50, 80, 5)
	if chunks := c.Chunk(&ParsedDocument{}); len(chunks) != 0 {
		t.Errorf("expected no chunks, got %d", len(chunks))
	}
}

func TestChunkSingleOversizedLine(t *testing.T) {
	c := newTestChunker(50, 80, 5)
	doc := &ParsedDocument{
		Sections: []Section{{Title: "S", Level: 1, Content: words(200)}},
	}

	chunks := c.Chunk(doc)
	if len(chunks) < 2 {
		t.Fatalf("expected oversized line to split, got %d chunks", len(chunks))
	}
	for i, ch := range chunks {
		if ch.TokenCount > 80 {
			t.Errorf("chunk %d exceeds max: %d tokens", i, ch.TokenCount)
		}
	}
}
