// Package generation turns retrieved chunks into grounded, cited answers.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/docai-platform/docai/internal/llm"
	"github.com/docai-platform/docai/internal/repository"
	"github.com/docai-platform/docai/internal/tokenizer"
)

const (
	// DefaultMaxContextTokens is the context budget for one generation call.
	DefaultMaxContextTokens = 8000

	// snippetLen is the citation snippet length in chars.
	snippetLen = 100

	// alwaysCiteTop is how many top-scored chunks are cited unconditionally;
	// they shaped the answer even when its text never names them.
	alwaysCiteTop = 3
)

// Citation points an answer back at one source chunk.
type Citation struct {
	ChunkID     uuid.UUID `json:"chunk_id"`
	DocID       uuid.UUID `json:"doc_id"`
	DocTitle    string    `json:"doc_title"`
	SectionPath string    `json:"section_path,omitempty"`
	PageNumbers []int     `json:"page_numbers,omitempty"`
	Snippet     string    `json:"snippet,omitempty"`
}

// Answer is a generated response with its provenance.
type Answer struct {
	Text       string     `json:"text"`
	Citations  []Citation `json:"citations"`
	Confidence float64    `json:"confidence"`
	Route      string     `json:"route"`
}

// Generator builds prompts from retrieved chunks within a token budget and
// produces answers with citations and a confidence estimate.
type Generator struct {
	main             llm.LLM
	tok              tokenizer.Tokenizer
	maxContextTokens int
	logger           *slog.Logger
}

// NewGenerator creates an answer generator on the main model.
func NewGenerator(main llm.LLM, tok tokenizer.Tokenizer, maxContextTokens int, logger *slog.Logger) *Generator {
	if maxContextTokens <= 0 {
		maxContextTokens = DefaultMaxContextTokens
	}
	return &Generator{main: main, tok: tok, maxContextTokens: maxContextTokens, logger: logger}
}

const answerSystemPrompt = `You answer questions about a document collection.
Use only the provided source excerpts. After each claim, cite its source as
[source: <title>, <section>, page <page>]. If the excerpts do not contain the
answer, say so plainly instead of guessing.`

// Generate produces a complete answer for the question from the chunks.
func (g *Generator) Generate(ctx context.Context, question string, chunks []repository.RetrievedChunk) (*Answer, error) {
	if len(chunks) == 0 {
		return &Answer{
			Text:       "I could not find relevant material in the document collection for this question.",
			Confidence: 0,
		}, nil
	}

	used, contextText := g.buildContext(chunks)
	prompt := fmt.Sprintf("Source excerpts:\n\n%s\n\nQuestion: %s", contextText, question)

	text, err := g.main.Generate(ctx, prompt, llm.GenerateOptions{
		SystemPrompt: answerSystemPrompt,
		Temperature:  0.3,
		MaxTokens:    2000,
	})
	if err != nil {
		return nil, fmt.Errorf("answer generation: %w", err)
	}

	return &Answer{
		Text:       text,
		Citations:  extractCitations(text, used),
		Confidence: estimateConfidence(text, used),
	}, nil
}

// GenerateStream produces the answer token by token via onToken, then
// returns the assembled answer with citations.
func (g *Generator) GenerateStream(ctx context.Context, question string, chunks []repository.RetrievedChunk, onToken func(string)) (*Answer, error) {
	if len(chunks) == 0 {
		a := &Answer{
			Text:       "I could not find relevant material in the document collection for this question.",
			Confidence: 0,
		}
		onToken(a.Text)
		return a, nil
	}

	used, contextText := g.buildContext(chunks)
	prompt := fmt.Sprintf("Source excerpts:\n\n%s\n\nQuestion: %s", contextText, question)

	stream, err := g.main.GenerateStream(ctx, prompt, llm.GenerateOptions{
		SystemPrompt: answerSystemPrompt,
		Temperature:  0.3,
		MaxTokens:    2000,
	})
	if err != nil {
		return nil, fmt.Errorf("answer generation: %w", err)
	}

	var b strings.Builder
	for chunk := range stream {
		if chunk.Error != nil {
			return nil, fmt.Errorf("answer stream: %w", chunk.Error)
		}
		if chunk.Token != "" {
			b.WriteString(chunk.Token)
			onToken(chunk.Token)
		}
	}

	text := b.String()
	return &Answer{
		Text:       text,
		Citations:  extractCitations(text, used),
		Confidence: estimateConfidence(text, used),
	}, nil
}

// CrossDocument answers a question spanning several documents with a
// map-reduce pass: partial answers per document, then a synthesis over the
// partials.
func (g *Generator) CrossDocument(ctx context.Context, question string, chunks []repository.RetrievedChunk) (*Answer, error) {
	byDoc := make(map[uuid.UUID][]repository.RetrievedChunk)
	var docOrder []uuid.UUID
	for _, c := range chunks {
		if _, ok := byDoc[c.DocumentID]; !ok {
			docOrder = append(docOrder, c.DocumentID)
		}
		byDoc[c.DocumentID] = append(byDoc[c.DocumentID], c)
	}
	if len(docOrder) <= 1 {
		return g.Generate(ctx, question, chunks)
	}

	var partials strings.Builder
	var allUsed []repository.RetrievedChunk
	for _, docID := range docOrder {
		docChunks := byDoc[docID]
		used, contextText := g.buildContext(docChunks)
		allUsed = append(allUsed, used...)

		prompt := fmt.Sprintf("Source excerpts from %q:\n\n%s\n\nQuestion: %s\nAnswer using only these excerpts.",
			docChunks[0].DocTitle, contextText, question)
		partial, err := g.main.Generate(ctx, prompt, llm.GenerateOptions{
			SystemPrompt: answerSystemPrompt,
			Temperature:  0.3,
			MaxTokens:    1000,
		})
		if err != nil {
			g.logger.Warn("per-document partial answer failed", "doc_id", docID, "error", err)
			continue
		}
		fmt.Fprintf(&partials, "## From %q\n%s\n\n", docChunks[0].DocTitle, partial)
	}
	if partials.Len() == 0 {
		return nil, fmt.Errorf("all per-document answers failed")
	}

	prompt := fmt.Sprintf(`Per-document findings:

%s

Question: %s
Synthesize one coherent answer from the findings, keeping the per-source
citations intact.`, partials.String(), question)

	text, err := g.main.Generate(ctx, prompt, llm.GenerateOptions{
		SystemPrompt: answerSystemPrompt,
		Temperature:  0.3,
		MaxTokens:    2000,
	})
	if err != nil {
		return nil, fmt.Errorf("answer synthesis: %w", err)
	}

	return &Answer{
		Text:       text,
		Citations:  extractCitations(text, allUsed),
		Confidence: estimateConfidence(text, allUsed),
	}, nil
}

// buildContext packs chunks into the token budget in score order and renders
// the source block. When even the first chunk exceeds the budget it is
// truncated rather than dropped.
func (g *Generator) buildContext(chunks []repository.RetrievedChunk) ([]repository.RetrievedChunk, string) {
	sorted := make([]repository.RetrievedChunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	var used []repository.RetrievedChunk
	var b strings.Builder
	budget := g.maxContextTokens

	for _, c := range sorted {
		cost := g.tok.Count(c.Content)
		if cost > budget {
			if len(used) > 0 {
				continue
			}
			// Nothing fits; keep a truncated head of the best chunk.
			c.Content = truncateTokens(g.tok, c.Content, budget)
			cost = budget
		}
		budget -= cost
		used = append(used, c)
		fmt.Fprintf(&b, "[%d] 《%s》[%s] (pages %s)\n%s\n\n",
			len(used), c.DocTitle, c.SectionPath, formatPages(c.PageNumbers), c.Content)
	}
	return used, b.String()
}

func truncateTokens(tok tokenizer.Tokenizer, text string, budget int) string {
	parts := tok.Split(text, budget)
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

// extractCitations points the answer back at its sources. The top-scored
// chunks are always cited; beyond those, a chunk is cited when the answer text
// names its title, its section path, or one of its pages.
func extractCitations(text string, used []repository.RetrievedChunk) []Citation {
	out := make([]Citation, 0, len(used))
	seen := make(map[uuid.UUID]bool)
	for i, c := range used {
		switch {
		case i < alwaysCiteTop:
		case c.DocTitle != "" && strings.Contains(text, c.DocTitle):
		case c.SectionPath != "" && strings.Contains(text, c.SectionPath):
		case pageReferenced(text, c.PageNumbers):
		default:
			continue
		}
		if seen[c.ChunkID] {
			continue
		}
		seen[c.ChunkID] = true
		out = append(out, Citation{
			ChunkID:     c.ChunkID,
			DocID:       c.DocumentID,
			DocTitle:    c.DocTitle,
			SectionPath: c.SectionPath,
			PageNumbers: c.PageNumbers,
			Snippet:     snippet(c.Content),
		})
	}
	return out
}

// pageReferenced reports whether the text mentions any of the pages, in
// either the Chinese or the abbreviated Latin form.
func pageReferenced(text string, pages []int) bool {
	for _, p := range pages {
		if strings.Contains(text, fmt.Sprintf("第%d页", p)) ||
			strings.Contains(text, fmt.Sprintf("p%d", p)) {
			return true
		}
	}
	return false
}

var uncertaintyPhrases = []string{
	"could not find", "couldn't find", "do not contain", "don't contain",
	"no relevant", "not mentioned", "unable to determine", "insufficient information",
	"无法找到", "没有相关", "未提及",
}

// estimateConfidence scores the answer from retrieval strength and source
// coverage. Hedged answers are scored low regardless of retrieval quality.
func estimateConfidence(text string, used []repository.RetrievedChunk) float64 {
	if len(used) == 0 {
		return 0
	}
	coverage := math.Min(float64(len(used))/3.0, 1.0)

	lower := strings.ToLower(text)
	for _, phrase := range uncertaintyPhrases {
		if strings.Contains(lower, phrase) {
			return round2(0.3 * coverage)
		}
	}

	n := 3
	if n > len(used) {
		n = len(used)
	}
	var sum float64
	for _, c := range used[:n] {
		sum += c.Score
	}
	avg := math.Min(sum/float64(n), 1.0)

	return round2(math.Min(0.5+0.3*avg+0.2*coverage, 1.0))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func snippet(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= snippetLen {
		return content
	}
	cut := snippetLen
	for cut > 0 && content[cut]&0xC0 == 0x80 {
		cut--
	}
	return content[:cut]
}

func formatPages(pages []int) string {
	if len(pages) == 0 {
		return "-"
	}
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = fmt.Sprintf("%d", p)
	}
	return strings.Join(parts, ",")
}
