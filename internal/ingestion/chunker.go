package ingestion

import (
	"strings"

	"github.com/docai-platform/docai/internal/repository"
	"github.com/docai-platform/docai/internal/tokenizer"
)

const (
	// DefaultTargetSize is the preferred chunk size in tokens.
	DefaultTargetSize = 500

	// DefaultMaxSize is the hard cap on chunk size in tokens.
	DefaultMaxSize = 800

	// DefaultOverlap is the overlap carried into the next chunk, in tokens.
	DefaultOverlap = 50
)

// ChunkerConfig holds chunk sizing in tokens. Keep the target:max:overlap
// ratio when tuning.
type ChunkerConfig struct {
	TargetSize int
	MaxSize    int
	Overlap    int
}

// Chunk is one token-bounded segment produced by the chunker. Indices are
// dense and strictly increasing within a document.
type Chunk struct {
	SectionPath string
	PageNumbers []int
	Index       int
	ChunkType   string
	Content     string
	TokenCount  int
}

// Chunker splits parsed documents into semantically coherent, token-bounded
// segments with overlap.
type Chunker struct {
	tok tokenizer.Tokenizer
	cfg ChunkerConfig
}

// NewChunker creates a chunker with the given tokenizer and config.
func NewChunker(tok tokenizer.Tokenizer, cfg ChunkerConfig) *Chunker {
	if cfg.TargetSize <= 0 {
		cfg.TargetSize = DefaultTargetSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.Overlap <= 0 {
		cfg.Overlap = DefaultOverlap
	}
	return &Chunker{tok: tok, cfg: cfg}
}

// Chunk splits a parsed document into ordered chunks with indices from zero.
// Sections that fit the max size become one chunk; larger ones are split at
// paragraph boundaries with token overlap between consecutive chunks. Tables
// become table chunks. Documents with neither sections nor tables fall back
// to paragraph packing over the raw text.
func (c *Chunker) Chunk(doc *ParsedDocument) []Chunk {
	var chunks []Chunk
	add := func(path string, pages []int, chunkType, content string) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		chunks = append(chunks, Chunk{
			SectionPath: path,
			PageNumbers: pages,
			Index:       len(chunks),
			ChunkType:   chunkType,
			Content:     content,
			TokenCount:  c.tok.Count(content),
		})
	}

	// Section titles stack into hierarchical paths like "Ch. 3 > 3.2 Payment".
	type frame struct {
		level int
		title string
	}
	var stack []frame

	for _, sec := range doc.Sections {
		for len(stack) > 0 && stack[len(stack)-1].level >= sec.Level {
			stack = stack[:len(stack)-1]
		}
		stack = append(stack, frame{level: sec.Level, title: sec.Title})

		titles := make([]string, len(stack))
		for i, f := range stack {
			titles[i] = f.title
		}
		path := strings.Join(titles, " > ")

		content := strings.TrimSpace(sec.Content)
		if content == "" {
			continue
		}

		if c.tok.Count(content) <= c.cfg.MaxSize {
			add(path, sec.PageNumbers, repository.ChunkTypeText, content)
			continue
		}
		for _, piece := range c.pack(splitParagraphs(content, c.tok, c.cfg.TargetSize)) {
			add(path, sec.PageNumbers, repository.ChunkTypeText, piece)
		}
	}

	for _, table := range doc.Tables {
		content := table.Markdown
		if table.Caption != "" {
			content = table.Caption + "\n\n" + table.Markdown
		}
		add(table.SectionPath, []int{table.Page}, repository.ChunkTypeTable, content)
	}

	if len(chunks) == 0 && strings.TrimSpace(doc.RawText) != "" {
		for _, piece := range c.pack(splitParagraphs(doc.RawText, c.tok, c.cfg.TargetSize)) {
			add("", nil, repository.ChunkTypeText, piece)
		}
	}

	return chunks
}

// pack merges paragraphs greedily: accumulate until adding the next would
// exceed the max size, emit, and seed the next chunk with the trailing
// overlap tokens of the previous one. The overlap is a suffix of complete
// paragraphs when one fits the budget, otherwise a raw token suffix.
func (c *Chunker) pack(paragraphs []string) []string {
	var out []string
	var cur []string
	curTokens := 0

	flush := func() string {
		content := strings.Join(cur, "\n\n")
		out = append(out, content)
		return content
	}

	for _, para := range paragraphs {
		paraTokens := c.tok.Count(para)

		if len(cur) > 0 && curTokens+paraTokens > c.cfg.MaxSize {
			content := flush()
			cur, curTokens = c.overlapSuffix(cur, content)
		}

		cur = append(cur, para)
		curTokens += paraTokens
	}

	if len(cur) > 0 {
		flush()
	}
	return out
}

// overlapSuffix selects the overlap region carried into the next chunk.
func (c *Chunker) overlapSuffix(paragraphs []string, content string) ([]string, int) {
	var suffix []string
	total := 0
	for i := len(paragraphs) - 1; i >= 0; i-- {
		t := c.tok.Count(paragraphs[i])
		if total+t > c.cfg.Overlap {
			break
		}
		suffix = append([]string{paragraphs[i]}, suffix...)
		total += t
	}
	if len(suffix) > 0 {
		return suffix, total
	}

	// No complete paragraph fits the overlap budget; cut mid-paragraph.
	raw := c.tok.Suffix(content, c.cfg.Overlap)
	return []string{raw}, c.tok.Count(raw)
}

// splitParagraphs splits on blank lines first, then line-packs any paragraph
// that exceeds the target size so every unit fits the budget.
func splitParagraphs(text string, tok tokenizer.Tokenizer, target int) []string {
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if tok.Count(para) <= target {
			out = append(out, para)
			continue
		}
		out = append(out, packLines(para, tok, target)...)
	}
	return out
}

// packLines greedily packs a long paragraph's lines into target-sized units.
func packLines(para string, tok tokenizer.Tokenizer, target int) []string {
	var out []string
	var cur []string
	curTokens := 0

	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.Join(cur, "\n"))
			cur = nil
			curTokens = 0
		}
	}

	for _, line := range strings.Split(para, "\n") {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lineTokens := tok.Count(line)

		if lineTokens > target {
			flush()
			out = append(out, tok.Split(line, target)...)
			continue
		}
		if curTokens+lineTokens > target {
			flush()
		}
		cur = append(cur, line)
		curTokens += lineTokens
	}
	flush()
	return out
}
