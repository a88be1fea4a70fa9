package versioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/docai-platform/docai/internal/llm"
	"github.com/docai-platform/docai/internal/repository"
)

const (
	// maxOpcodesPerSection caps edits recorded for one modified section.
	maxOpcodesPerSection = 30

	// snippetLimit caps old/new text captured per edit, in chars.
	snippetLimit = 500

	// previewLines caps the unified diff preview per section.
	previewLines = 50

	// renameRatioThreshold is the content similarity above which a
	// deleted+added section pair is treated as a rename.
	renameRatioThreshold = 0.6

	// semanticSectionLimit caps modified sections fed to the LLM analysis.
	semanticSectionLimit = 10

	// semanticSnippetLimit caps per-section text in the LLM analysis prompt.
	semanticSnippetLimit = 1000
)

// DiffEngine computes the three-layer diff between two document versions:
// textual opcodes per section, structural section movement, and an
// LLM-written semantic analysis. Results are cached by (old, new) pair.
type DiffEngine struct {
	docs   repository.DocumentRepository
	chunks repository.ChunkRepository
	diffs  repository.VersionDiffRepository
	main   llm.LLM
	logger *slog.Logger
}

// NewDiffEngine creates a diff engine.
func NewDiffEngine(docs repository.DocumentRepository, chunks repository.ChunkRepository, diffs repository.VersionDiffRepository, main llm.LLM, logger *slog.Logger) *DiffEngine {
	return &DiffEngine{docs: docs, chunks: chunks, diffs: diffs, main: main, logger: logger}
}

// Compare returns the diff between the two versions, computing and caching it
// on first request. Repeated calls for the same pair return the stored result.
func (e *DiffEngine) Compare(ctx context.Context, oldID, newID uuid.UUID) (*repository.VersionDiff, error) {
	if cached, err := e.diffs.GetByPair(ctx, oldID, newID); err == nil {
		return cached, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("diff cache lookup: %w", err)
	}

	oldSections, err := e.sectionContents(ctx, oldID)
	if err != nil {
		return nil, err
	}
	newSections, err := e.sectionContents(ctx, newID)
	if err != nil {
		return nil, err
	}

	diff := &repository.VersionDiff{
		ID:            uuid.New(),
		OldDocumentID: oldID,
		NewDocumentID: newID,
		CreatedAt:     time.Now(),
	}

	diff.TextualDiff = textualDiff(oldSections, newSections)
	diff.StructuralDiff = structuralDiff(oldSections, newSections)

	// Layer 3 is best-effort: an LLM failure still yields a usable diff.
	if err := e.semanticAnalysis(ctx, diff, oldSections, newSections); err != nil {
		e.logger.Warn("semantic diff analysis failed",
			"old_id", oldID, "new_id", newID, "error", err)
	}

	if err := e.diffs.Create(ctx, diff); err != nil {
		return nil, fmt.Errorf("storing diff: %w", err)
	}
	return diff, nil
}

// sectionContents loads a document's text chunks grouped by section path, in
// chunk order within each section.
func (e *DiffEngine) sectionContents(ctx context.Context, docID uuid.UUID) (map[string]string, error) {
	chunks, err := e.chunks.GetByDocument(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("loading chunks for %s: %w", docID, err)
	}
	grouped := make(map[string][]string)
	for _, c := range chunks {
		if c.ChunkType != repository.ChunkTypeText {
			continue
		}
		grouped[c.SectionPath] = append(grouped[c.SectionPath], c.Content)
	}
	sections := make(map[string]string, len(grouped))
	for path, parts := range grouped {
		sections[path] = strings.Join(parts, "\n")
	}
	return sections, nil
}

// textualDiff computes per-section opcode edits and a unified diff preview.
func textualDiff(oldSections, newSections map[string]string) repository.TextualDiff {
	var out repository.TextualDiff

	for _, path := range sortedKeys(oldSections) {
		newContent, ok := newSections[path]
		if !ok {
			out.Sections = append(out.Sections, repository.SectionChange{
				SectionPath: path,
				ChangeType:  "deleted",
			})
			out.Stats.Deleted++
			continue
		}
		oldContent := oldSections[path]
		if oldContent == newContent {
			out.Stats.Unchanged++
			continue
		}
		out.Sections = append(out.Sections, modifiedSection(path, oldContent, newContent))
		out.Stats.Modified++
	}

	for _, path := range sortedKeys(newSections) {
		if _, ok := oldSections[path]; ok {
			continue
		}
		out.Sections = append(out.Sections, repository.SectionChange{
			SectionPath: path,
			ChangeType:  "added",
		})
		out.Stats.Added++
	}

	return out
}

func modifiedSection(path, oldContent, newContent string) repository.SectionChange {
	oldLines := difflib.SplitLines(oldContent)
	newLines := difflib.SplitLines(newContent)
	matcher := difflib.NewMatcher(oldLines, newLines)

	var changes []repository.TextChange
	for _, op := range matcher.GetOpCodes() {
		if op.Tag == 'e' {
			continue
		}
		if len(changes) >= maxOpcodesPerSection {
			break
		}
		tc := repository.TextChange{Operation: opName(op.Tag)}
		if op.Tag == 'r' || op.Tag == 'd' {
			tc.OldText = clipSnippet(strings.Join(oldLines[op.I1:op.I2], ""))
		}
		if op.Tag == 'r' || op.Tag == 'i' {
			tc.NewText = clipSnippet(strings.Join(newLines[op.J1:op.J2], ""))
		}
		changes = append(changes, tc)
	}

	preview, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        oldLines,
		B:        newLines,
		FromFile: "old/" + path,
		ToFile:   "new/" + path,
		Context:  3,
	})
	if err == nil {
		preview = clipLines(preview, previewLines)
	} else {
		preview = ""
	}

	return repository.SectionChange{
		SectionPath: path,
		ChangeType:  "modified",
		Changes:     changes,
		DiffPreview: preview,
	}
}

func opName(tag byte) string {
	switch tag {
	case 'r':
		return "replace"
	case 'd':
		return "delete"
	case 'i':
		return "insert"
	}
	return "equal"
}

// structuralDiff classifies section movement between versions and pairs up
// likely renames among the deleted and added sections by content similarity.
func structuralDiff(oldSections, newSections map[string]string) repository.StructuralDiff {
	var out repository.StructuralDiff

	var deleted []string
	for _, path := range sortedKeys(oldSections) {
		if _, ok := newSections[path]; ok {
			out.CommonSections = append(out.CommonSections, path)
		} else {
			deleted = append(deleted, path)
		}
	}
	var added []string
	for _, path := range sortedKeys(newSections) {
		if _, ok := oldSections[path]; !ok {
			added = append(added, path)
		}
	}

	// Greedy pairing: each deleted section takes the most similar unclaimed
	// added section above the threshold.
	claimed := make(map[string]bool)
	for _, oldPath := range deleted {
		bestRatio := renameRatioThreshold
		bestPath := ""
		for _, newPath := range added {
			if claimed[newPath] {
				continue
			}
			m := difflib.NewMatcher(
				difflib.SplitLines(oldSections[oldPath]),
				difflib.SplitLines(newSections[newPath]),
			)
			if r := m.Ratio(); r > bestRatio {
				bestRatio = r
				bestPath = newPath
			}
		}
		if bestPath != "" {
			claimed[bestPath] = true
			out.RenamedSections = append(out.RenamedSections, repository.RenamedSection{
				OldPath: oldPath,
				NewPath: bestPath,
			})
		} else {
			out.DeletedSections = append(out.DeletedSections, oldPath)
		}
	}
	for _, path := range added {
		if !claimed[path] {
			out.AddedSections = append(out.AddedSections, path)
		}
	}

	return out
}

type semanticResponse struct {
	ChangeSummary  string                    `json:"change_summary"`
	ChangeDetails  []repository.ChangeDetail `json:"change_details"`
	ImpactAnalysis string                    `json:"impact_analysis"`
}

// semanticAnalysis fills the layer-3 fields from the main LLM's reading of
// the most significant modified sections.
func (e *DiffEngine) semanticAnalysis(ctx context.Context, diff *repository.VersionDiff, oldSections, newSections map[string]string) error {
	var b strings.Builder
	count := 0
	for _, sc := range diff.TextualDiff.Sections {
		if count >= semanticSectionLimit {
			break
		}
		switch sc.ChangeType {
		case "modified":
			fmt.Fprintf(&b, "## Modified: %s\n%s\n\n", sc.SectionPath, clip(sc.DiffPreview, semanticSnippetLimit))
		case "added":
			fmt.Fprintf(&b, "## Added: %s\n%s\n\n", sc.SectionPath, clip(newSections[sc.SectionPath], semanticSnippetLimit))
		case "deleted":
			fmt.Fprintf(&b, "## Deleted: %s\n%s\n\n", sc.SectionPath, clip(oldSections[sc.SectionPath], semanticSnippetLimit))
		}
		count++
	}
	if b.Len() == 0 {
		diff.ChangeSummary = "No textual changes between the two versions."
		return nil
	}

	prompt := fmt.Sprintf(`Two versions of a document differ as follows:

%s

Analyze the changes. Respond with a JSON object:
{
  "change_summary": "<100-200 character overall summary>",
  "change_details": [
    {"category": "<substantive|wording|format|added_content|deleted_content>",
     "description": "...", "location": "<section path>",
     "business_impact": "..."}
  ],
  "impact_analysis": "<who is affected and how>"
}
Include at most 10 change_details entries, most important first.`, b.String())

	raw, err := e.main.Generate(ctx, prompt, llm.GenerateOptions{Temperature: 0.2, MaxTokens: 2000})
	if err != nil {
		return fmt.Errorf("semantic analysis generation: %w", err)
	}
	obj, err := llm.ExtractJSON(raw)
	if err != nil {
		return fmt.Errorf("semantic analysis response: %w", err)
	}
	var resp semanticResponse
	if err := json.Unmarshal([]byte(obj), &resp); err != nil {
		return fmt.Errorf("semantic analysis parse: %w", err)
	}

	if len(resp.ChangeDetails) > semanticSectionLimit {
		resp.ChangeDetails = resp.ChangeDetails[:semanticSectionLimit]
	}
	diff.ChangeSummary = resp.ChangeSummary
	diff.ChangeDetails = resp.ChangeDetails
	diff.ImpactAnalysis = resp.ImpactAnalysis
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clipSnippet(s string) string {
	return clip(s, snippetLimit)
}

func clip(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}

func clipLines(s string, n int) string {
	lines := strings.SplitAfter(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[:n], "")
}
