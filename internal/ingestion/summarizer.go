package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docai-platform/docai/internal/llm"
)

const (
	// sectionInputLimit caps the section text sent to the summarizer, in chars.
	sectionInputLimit = 8000

	// docInputLimit caps the combined section summaries sent for the
	// document summary, in chars.
	docInputLimit = 12000

	// chunkInputLimit caps the chunk text sent for a contextual description.
	chunkInputLimit = 2000
)

// DocTypes is the closed set of document type tags.
var DocTypes = []string{
	"contract", "report", "policy", "manual", "standard",
	"regulation", "proposal", "minutes", "financial", "technical", "other",
}

// SectionSummaryResult is the summarizer output for one section.
type SectionSummaryResult struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
}

// DocSummaryResult is the summarizer output for a whole document.
type DocSummaryResult struct {
	Summary  string              `json:"summary"`
	Entities map[string][]string `json:"entities"`
	DocType  string              `json:"doc_type"`
}

// Summarizer generates section and document summaries, key entities, and
// contextual chunk descriptions via the light LLM. All outputs are
// best-effort: callers log failures and continue with empty fields.
type Summarizer struct {
	light  llm.LLM
	logger *slog.Logger
}

// NewSummarizer creates a summarizer on the light model.
func NewSummarizer(light llm.LLM, logger *slog.Logger) *Summarizer {
	return &Summarizer{light: light, logger: logger}
}

// SummarizeSection produces a 100-200 token summary and 3-5 key points for
// one section.
func (s *Summarizer) SummarizeSection(ctx context.Context, sectionPath, content string) (*SectionSummaryResult, error) {
	prompt := fmt.Sprintf(`Summarize the following document section.

Section: %s

Content:
%s

Respond with a JSON object:
{"summary": "<100-200 token summary>", "key_points": ["<3-5 key points>"]}`,
		sectionPath, truncate(content, sectionInputLimit))

	raw, err := s.light.Generate(ctx, prompt, llm.GenerateOptions{Temperature: 0.2, MaxTokens: 600})
	if err != nil {
		return nil, fmt.Errorf("section summary generation: %w", err)
	}

	obj, err := llm.ExtractJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("section summary response: %w", err)
	}
	var result SectionSummaryResult
	if err := json.Unmarshal([]byte(obj), &result); err != nil {
		return nil, fmt.Errorf("section summary parse: %w", err)
	}
	return &result, nil
}

// SummarizeDocument produces the document-level summary, key entities, and a
// document type tag from the concatenated section summaries.
func (s *Summarizer) SummarizeDocument(ctx context.Context, title, combinedSummaries string) (*DocSummaryResult, error) {
	prompt := fmt.Sprintf(`You are given the per-section summaries of the document "%s".

%s

Respond with a JSON object:
{
  "summary": "<300 token document summary>",
  "entities": {"organizations": [], "people": [], "dates": [], "amounts": []},
  "doc_type": "<one of: %s>"
}`,
		title, truncate(combinedSummaries, docInputLimit), strings.Join(DocTypes, ", "))

	raw, err := s.light.Generate(ctx, prompt, llm.GenerateOptions{Temperature: 0.2, MaxTokens: 1000})
	if err != nil {
		return nil, fmt.Errorf("document summary generation: %w", err)
	}

	obj, err := llm.ExtractJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("document summary response: %w", err)
	}
	var result DocSummaryResult
	if err := json.Unmarshal([]byte(obj), &result); err != nil {
		return nil, fmt.Errorf("document summary parse: %w", err)
	}
	result.DocType = NormalizeDocType(result.DocType)
	return &result, nil
}

// ContextualDescription produces a 1-3 sentence description of a chunk's role
// within its document. The description is prepended to the chunk content
// before embedding and indexing, so every store holds the enriched text.
func (s *Summarizer) ContextualDescription(ctx context.Context, docTitle, docSummary, sectionPath, chunkContent string) (string, error) {
	prompt := fmt.Sprintf(`Document: %s
Document summary: %s
Section: %s

Chunk:
%s

Write 1-3 sentences (about 50 tokens) situating this chunk within the
document, so the fragment is understandable on its own. Respond with the
description only.`,
		docTitle, docSummary, sectionPath, truncate(chunkContent, chunkInputLimit))

	desc, err := s.light.Generate(ctx, prompt, llm.GenerateOptions{Temperature: 0.2, MaxTokens: 120})
	if err != nil {
		return "", fmt.Errorf("contextual description generation: %w", err)
	}
	return strings.TrimSpace(desc), nil
}

// NormalizeDocType maps an LLM-reported type onto the closed tag set. Models
// sometimes echo a gloss like "contract (采购合同)"; strip it and fall back to
// "other" for anything unrecognized.
func NormalizeDocType(raw string) string {
	tag := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.IndexAny(tag, "(（"); i >= 0 {
		tag = strings.TrimSpace(tag[:i])
	}
	for _, t := range DocTypes {
		if tag == t {
			return t
		}
	}
	return "other"
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	// Cut on a rune boundary.
	cut := limit
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
