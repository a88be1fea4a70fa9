// Package agent implements the tool-using reasoning loop for complex queries.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/docai-platform/docai/internal/generation"
	"github.com/docai-platform/docai/internal/lexical"
	"github.com/docai-platform/docai/internal/repository"
	"github.com/docai-platform/docai/internal/retrieval"
	"github.com/docai-platform/docai/internal/versioning"
)

const (
	// listDocumentsMaxLimit caps the list_documents page size.
	listDocumentsMaxLimit = 50

	// detailChunkLimit caps chunks returned by read_document_detail.
	detailChunkLimit = 20
)

// Tools executes the agent's tool calls against the retrieval and document
// subsystems. Every tool returns a plain-text observation.
type Tools struct {
	retriever  *retrieval.Retriever
	docs       repository.DocumentRepository
	sections   repository.SectionSummaryRepository
	lex        lexical.Store
	diffEngine *versioning.DiffEngine
	generator  *generation.Generator
}

// NewTools creates the agent tool set.
func NewTools(retriever *retrieval.Retriever, docs repository.DocumentRepository, sections repository.SectionSummaryRepository, lex lexical.Store, diffEngine *versioning.DiffEngine, generator *generation.Generator) *Tools {
	return &Tools{
		retriever:  retriever,
		docs:       docs,
		sections:   sections,
		lex:        lex,
		diffEngine: diffEngine,
		generator:  generator,
	}
}

// Catalogue describes the tools for the agent system prompt.
func (t *Tools) Catalogue() string {
	return `- search_documents(query, doc_id?, doc_type?, group_id?, top_k?, version_mode?): search the document collection
- read_document_summary(doc_id, section_path?): document summary and entities, or one section's summary
- read_document_detail(doc_id, section_path?, page_range?): raw chunk contents in order; page_range like "3" or "2-5"
- list_documents(doc_type?, group_id?, tags?, status?, limit?): enumerate ready documents
- compare_versions(doc_id, other_doc_id): diff two document versions
- get_version_history(doc_id): all versions in the document's chain
- cross_document_analysis(doc_ids, analysis_topic, analysis_type?): doc_ids is comma-separated, at least two; synthesize across them`
}

// Execute runs one named tool. Unknown tool names return an error string as
// the observation so the loop can correct itself.
func (t *Tools) Execute(ctx context.Context, name string, input map[string]any, accessible []string) (string, error) {
	switch name {
	case "search_documents":
		return t.searchDocuments(ctx, input, accessible)
	case "read_document_summary":
		return t.readDocumentSummary(ctx, input)
	case "read_document_detail":
		return t.readDocumentDetail(ctx, input)
	case "list_documents":
		return t.listDocuments(ctx, input)
	case "compare_versions":
		return t.compareVersions(ctx, input)
	case "get_version_history":
		return t.versionHistory(ctx, input)
	case "cross_document_analysis":
		return t.crossDocumentAnalysis(ctx, input, accessible)
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

func (t *Tools) searchDocuments(ctx context.Context, input map[string]any, accessible []string) (string, error) {
	query := stringArg(input, "query")
	if query == "" {
		return "", fmt.Errorf("search_documents requires a query")
	}
	filters := make(map[string]string)
	for _, k := range []string{"doc_id", "doc_type", "group_id"} {
		if v := stringArg(input, k); v != "" {
			filters[k] = v
		}
	}
	chunks, err := t.retriever.Retrieve(ctx, query, retrieval.Options{
		TopK:             intArg(input, "top_k"),
		Filters:          filters,
		VersionMode:      stringArg(input, "version_mode"),
		AccessibleDocIDs: accessible,
	})
	if err != nil {
		return "", fmt.Errorf("search_documents: %w", err)
	}
	if len(chunks) == 0 {
		return "No matching chunks found.", nil
	}
	var b strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&b, "[%d] 《%s》[%s] (%s)\n%s\n\n",
			i+1, c.DocTitle, c.SectionPath, formatPages(c.PageNumbers), c.Content)
	}
	return b.String(), nil
}

func (t *Tools) readDocumentSummary(ctx context.Context, input map[string]any) (string, error) {
	docID, err := uuidArg(input, "doc_id")
	if err != nil {
		return "", err
	}
	if path := stringArg(input, "section_path"); path != "" {
		ss, err := t.sections.GetBySection(ctx, docID, path)
		if err != nil {
			return "", fmt.Errorf("read_document_summary: %w", err)
		}
		out := fmt.Sprintf("Section %s:\n%s", ss.SectionPath, ss.Summary)
		if len(ss.KeyPoints) > 0 {
			out += "\nKey points:\n- " + strings.Join(ss.KeyPoints, "\n- ")
		}
		return out, nil
	}

	doc, err := t.docs.GetByID(ctx, docID)
	if err != nil {
		return "", fmt.Errorf("read_document_summary: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "《%s》 (%s, %s)\n%s\n", doc.Title, doc.DocType, doc.VersionNumber, doc.Summary)
	for _, kind := range sortedEntityKinds(doc.KeyEntities) {
		fmt.Fprintf(&b, "%s: %s\n", kind, strings.Join(doc.KeyEntities[kind], ", "))
	}
	return b.String(), nil
}

func (t *Tools) readDocumentDetail(ctx context.Context, input map[string]any) (string, error) {
	docID, err := uuidArg(input, "doc_id")
	if err != nil {
		return "", err
	}
	pages, err := parsePageRange(stringArg(input, "page_range"))
	if err != nil {
		return "", err
	}
	hits, err := t.lex.ChunksByDocument(ctx, docID.String(), stringArg(input, "section_path"), pages, detailChunkLimit)
	if err != nil {
		return "", fmt.Errorf("read_document_detail: %w", err)
	}
	if len(hits) == 0 {
		return "No chunks match.", nil
	}
	var b strings.Builder
	for _, h := range hits {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", h.Doc.SectionPath, h.Doc.Content)
	}
	return b.String(), nil
}

func (t *Tools) listDocuments(ctx context.Context, input map[string]any) (string, error) {
	limit := intArg(input, "limit")
	if limit <= 0 || limit > listDocumentsMaxLimit {
		limit = listDocumentsMaxLimit
	}
	status := stringArg(input, "status")
	if status == "" {
		status = repository.StatusReady
	}
	var tags []string
	if raw := stringArg(input, "tags"); raw != "" {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	docs, total, err := t.docs.List(ctx, repository.ListFilter{
		DocType: stringArg(input, "doc_type"),
		GroupID: stringArg(input, "group_id"),
		Status:  status,
		Tags:    tags,
		Limit:   limit,
	})
	if err != nil {
		return "", fmt.Errorf("list_documents: %w", err)
	}
	if len(docs) == 0 {
		return "No documents match.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d documents (%d total):\n", len(docs), total)
	for _, d := range docs {
		fmt.Fprintf(&b, "- %s 《%s》 type=%s version=%s latest=%t\n",
			d.ID, d.Title, d.DocType, d.VersionNumber, d.IsLatest)
	}
	return b.String(), nil
}

func (t *Tools) compareVersions(ctx context.Context, input map[string]any) (string, error) {
	docID, err := uuidArg(input, "doc_id")
	if err != nil {
		return "", err
	}
	otherID, err := uuidArg(input, "other_doc_id")
	if err != nil {
		return "", err
	}
	diff, err := t.diffEngine.Compare(ctx, docID, otherID)
	if err != nil {
		return "", fmt.Errorf("compare_versions: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Summary: %s\n", diff.ChangeSummary)
	fmt.Fprintf(&b, "Sections: %d added, %d deleted, %d modified, %d unchanged\n",
		diff.TextualDiff.Stats.Added, diff.TextualDiff.Stats.Deleted,
		diff.TextualDiff.Stats.Modified, diff.TextualDiff.Stats.Unchanged)
	for _, cd := range diff.ChangeDetails {
		fmt.Fprintf(&b, "- [%s] %s (%s)\n", cd.Category, cd.Description, cd.Location)
	}
	if diff.ImpactAnalysis != "" {
		fmt.Fprintf(&b, "Impact: %s\n", diff.ImpactAnalysis)
	}
	return b.String(), nil
}

func (t *Tools) versionHistory(ctx context.Context, input map[string]any) (string, error) {
	docID, err := uuidArg(input, "doc_id")
	if err != nil {
		return "", err
	}

	chain, err := versioning.History(ctx, t.docs, docID)
	if err != nil {
		return "", fmt.Errorf("get_version_history: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d versions:\n", len(chain))
	for _, d := range chain {
		fmt.Fprintf(&b, "- %s 《%s》 %s status=%s latest=%t uploaded=%s\n",
			d.ID, d.Title, d.VersionNumber, d.VersionStatus, d.IsLatest,
			d.CreatedAt.Format("2006-01-02"))
	}
	return b.String(), nil
}

func (t *Tools) crossDocumentAnalysis(ctx context.Context, input map[string]any, accessible []string) (string, error) {
	raw := stringArg(input, "doc_ids")
	topic := stringArg(input, "analysis_topic")
	if topic == "" {
		topic = stringArg(input, "query")
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) < 2 {
		return "", fmt.Errorf("cross_document_analysis requires at least two doc_ids")
	}
	if topic == "" {
		return "", fmt.Errorf("cross_document_analysis requires an analysis_topic")
	}

	var all []repository.RetrievedChunk
	for _, id := range ids {
		chunks, err := t.retriever.Retrieve(ctx, topic, retrieval.Options{
			Filters:          map[string]string{"doc_id": id},
			VersionMode:      retrieval.VersionSpecific,
			AccessibleDocIDs: accessible,
		})
		if err != nil {
			return "", fmt.Errorf("cross_document_analysis retrieve %s: %w", id, err)
		}
		all = append(all, chunks...)
	}
	if len(all) == 0 {
		return "No relevant content found in the given documents.", nil
	}

	answer, err := t.generator.CrossDocument(ctx, topic, all)
	if err != nil {
		return "", fmt.Errorf("cross_document_analysis: %w", err)
	}
	out := answer.Text
	if len(answer.Citations) > 0 {
		var cites []string
		for _, c := range answer.Citations {
			cites = append(cites, fmt.Sprintf("《%s》[%s]", c.DocTitle, c.SectionPath))
		}
		out += "\nSources: " + strings.Join(cites, "; ")
	}
	return out, nil
}

func stringArg(input map[string]any, key string) string {
	switch v := input[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func intArg(input map[string]any, key string) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(v))
		return n
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

func uuidArg(input map[string]any, key string) (uuid.UUID, error) {
	raw := stringArg(input, key)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("missing %s", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q", key, raw)
	}
	return id, nil
}

// parsePageRange expands "N" or "N-M" into a page list.
func parsePageRange(raw string) ([]int, error) {
	if raw == "" {
		return nil, nil
	}
	lo, hi, found := strings.Cut(raw, "-")
	start, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return nil, fmt.Errorf("invalid page_range %q", raw)
	}
	end := start
	if found {
		end, err = strconv.Atoi(strings.TrimSpace(hi))
		if err != nil || end < start {
			return nil, fmt.Errorf("invalid page_range %q", raw)
		}
	}
	pages := make([]int, 0, end-start+1)
	for p := start; p <= end; p++ {
		pages = append(pages, p)
	}
	return pages, nil
}

func sortedEntityKinds(entities map[string][]string) []string {
	kinds := make([]string, 0, len(entities))
	for k := range entities {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func formatPages(pages []int) string {
	if len(pages) == 0 {
		return "-"
	}
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}
