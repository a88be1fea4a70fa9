package versioning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/docai-platform/docai/internal/embedder"
	"github.com/docai-platform/docai/internal/lexical"
	"github.com/docai-platform/docai/internal/llm"
	"github.com/docai-platform/docai/internal/repository"
	"github.com/docai-platform/docai/internal/vectorstore"
)

const (
	// titleSimilarityThreshold is the pg_trgm cutoff for title candidates.
	titleSimilarityThreshold = 0.4

	// contentSimilarityThreshold is the cosine cutoff for summary candidates.
	contentSimilarityThreshold = 0.75

	// confirmThreshold is the minimum LLM confidence to accept a match.
	confirmThreshold = 0.8

	// candidateLimit caps candidates from each similarity source.
	candidateLimit = 5

	// summaryEmbedLimit caps the summary prefix embedded for content
	// similarity, in chars.
	summaryEmbedLimit = 2000
)

// Match is the outcome of version detection for a newly ingested document.
type Match struct {
	Found           bool
	MatchedDocID    uuid.UUID
	Confidence      float64
	Reason          string
	NewIsNewer      bool
	DetectedVersion string
}

// LinkResult describes an established version link. IsLatest is the flag the
// new document's chunks must be written with.
type LinkResult struct {
	Linked   bool
	IsLatest bool
	OlderID  uuid.UUID
	NewerID  uuid.UUID
}

// Detector finds likely predecessor documents by title and content
// similarity and verifies the relationship via the light LLM.
type Detector struct {
	docs   repository.DocumentRepository
	vs     vectorstore.VectorStore
	lex    lexical.Store
	embed  embedder.Embedder
	light  llm.LLM
	logger *slog.Logger
}

// NewDetector creates a version detector.
func NewDetector(docs repository.DocumentRepository, vs vectorstore.VectorStore, lex lexical.Store, embed embedder.Embedder, light llm.LLM, logger *slog.Logger) *Detector {
	return &Detector{docs: docs, vs: vs, lex: lex, embed: embed, light: light, logger: logger}
}

type verifyResponse struct {
	IsNewVersion    bool    `json:"is_new_version"`
	MatchedDocID    string  `json:"matched_doc_id"`
	Confidence      float64 `json:"confidence"`
	Reason          string  `json:"reason"`
	NewIsNewer      bool    `json:"new_is_newer"`
	DetectedVersion string  `json:"detected_version"`
}

// Detect returns the best predecessor match for the document, or a non-found
// Match when no candidate clears the confidence threshold.
func (d *Detector) Detect(ctx context.Context, doc *repository.Document) (*Match, error) {
	candidates, err := d.collectCandidates(ctx, doc)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &Match{}, nil
	}

	resp, err := d.verify(ctx, doc, candidates)
	if err != nil {
		return nil, err
	}
	if !resp.IsNewVersion || resp.Confidence < confirmThreshold {
		return &Match{}, nil
	}

	matchedID, ok := resolveCandidateID(resp.MatchedDocID, candidates)
	if !ok {
		d.logger.Warn("version detector returned unknown candidate id",
			"doc_id", doc.ID, "matched_doc_id", resp.MatchedDocID)
		return &Match{}, nil
	}

	return &Match{
		Found:           true,
		MatchedDocID:    matchedID,
		Confidence:      resp.Confidence,
		Reason:          resp.Reason,
		NewIsNewer:      resp.NewIsNewer,
		DetectedVersion: NormalizeVersion(resp.DetectedVersion),
	}, nil
}

// collectCandidates merges title-similarity and content-similarity candidates,
// deduplicated by document ID, excluding the document itself.
func (d *Detector) collectCandidates(ctx context.Context, doc *repository.Document) ([]*repository.Document, error) {
	seen := map[uuid.UUID]bool{doc.ID: true}
	var candidates []*repository.Document

	addByID := func(id uuid.UUID) {
		if seen[id] {
			return
		}
		seen[id] = true
		cand, err := d.docs.GetByID(ctx, id)
		if err != nil {
			d.logger.Warn("failed to load version candidate", "doc_id", id, "error", err)
			return
		}
		candidates = append(candidates, cand)
	}

	titleMatches, err := d.docs.FindSimilarTitles(ctx, doc.Title, titleSimilarityThreshold, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("title similarity lookup: %w", err)
	}
	for _, m := range titleMatches {
		addByID(m.ID)
	}

	// Content similarity against doc_summary chunks of latest documents.
	if doc.Summary != "" {
		vec, err := d.embed.Embed(ctx, truncateChars(doc.Summary, summaryEmbedLimit))
		if err != nil {
			d.logger.Warn("failed to embed summary for version detection", "doc_id", doc.ID, "error", err)
		} else {
			hits, err := d.vs.Search(ctx, vec, vectorstore.Filter{
				ChunkType:  repository.ChunkTypeDocSummary,
				LatestOnly: true,
			}, candidateLimit, contentSimilarityThreshold)
			if err != nil {
				d.logger.Warn("content similarity search failed", "doc_id", doc.ID, "error", err)
			} else {
				for _, hit := range hits {
					id, err := uuid.Parse(hit.Payload.DocID)
					if err != nil {
						continue
					}
					addByID(id)
				}
			}
		}
	}

	return candidates, nil
}

func (d *Detector) verify(ctx context.Context, doc *repository.Document, candidates []*repository.Document) (*verifyResponse, error) {
	var b strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. id=%s title=%q version=%s summary=%s\n",
			i+1, c.ID, c.Title, c.VersionNumber, truncateChars(c.Summary, 500))
	}

	prompt := fmt.Sprintf(`A document was just uploaded:
title: %q
type: %s
summary: %s

Existing documents that look similar:
%s

Is the uploaded document a new version of one of the candidates?
Judge "new_is_newer" from version numbers, dates, and content extent: true if
the uploaded document is the more recent version, false if it is an older
version of the match. If a version string appears in the uploaded document,
report it in "detected_version".

Respond with a JSON object:
{"is_new_version": bool, "matched_doc_id": "<candidate id or empty>",
 "confidence": 0.0-1.0, "reason": "<short rationale>",
 "new_is_newer": bool, "detected_version": "<e.g. v2.0 or empty>"}`,
		doc.Title, doc.DocType, truncateChars(doc.Summary, summaryEmbedLimit), b.String())

	raw, err := d.light.Generate(ctx, prompt, llm.GenerateOptions{Temperature: 0.1, MaxTokens: 500})
	if err != nil {
		return nil, fmt.Errorf("version verification: %w", err)
	}
	obj, err := llm.ExtractJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("version verification response: %w", err)
	}
	var resp verifyResponse
	if err := json.Unmarshal([]byte(obj), &resp); err != nil {
		return nil, fmt.Errorf("version verification parse: %w", err)
	}
	return &resp, nil
}

// resolveCandidateID matches the LLM-reported ID against the candidate set,
// completing truncated IDs by prefix.
func resolveCandidateID(reported string, candidates []*repository.Document) (uuid.UUID, bool) {
	reported = strings.TrimSpace(reported)
	if reported == "" {
		return uuid.Nil, false
	}
	if id, err := uuid.Parse(reported); err == nil {
		for _, c := range candidates {
			if c.ID == id {
				return id, true
			}
		}
	}
	for _, c := range candidates {
		if strings.HasPrefix(c.ID.String(), reported) {
			return c.ID, true
		}
	}
	return uuid.Nil, false
}

// Link establishes the version chain between the new document and its match.
// The new document's own fields are mutated in place; the caller persists
// them with its final update. The matched document and its chunk flags are
// updated here.
func (d *Detector) Link(ctx context.Context, doc *repository.Document, m *Match) (*LinkResult, error) {
	matched, err := d.docs.GetByID(ctx, m.MatchedDocID)
	if err != nil {
		return nil, fmt.Errorf("loading matched document: %w", err)
	}

	if m.NewIsNewer {
		// Ordinary case: the upload supersedes the match.
		doc.ParentVersionID = &matched.ID
		doc.VersionNumber = IncrementVersion(matched.VersionNumber)
		doc.VersionStatus = repository.VersionActive
		doc.IsLatest = true

		if err := d.docs.Supersede(ctx, matched.ID); err != nil {
			return nil, fmt.Errorf("superseding old version: %w", err)
		}
		if err := d.vs.SetLatest(ctx, matched.ID.String(), false); err != nil {
			return nil, fmt.Errorf("flipping vector is_latest: %w", err)
		}
		if err := d.lex.SetLatest(ctx, matched.ID.String(), false); err != nil {
			return nil, fmt.Errorf("flipping lexical is_latest: %w", err)
		}

		return &LinkResult{Linked: true, IsLatest: true, OlderID: matched.ID, NewerID: doc.ID}, nil
	}

	// The upload is an older version inserted behind the match: it inherits
	// the match's previous parent and the match now points at it.
	doc.ParentVersionID = matched.ParentVersionID
	doc.IsLatest = false
	doc.VersionStatus = repository.VersionSuperseded
	if m.DetectedVersion != "" {
		doc.VersionNumber = m.DetectedVersion
	} else {
		doc.VersionNumber = DecrementVersion(matched.VersionNumber)
	}

	if err := d.docs.SetParentVersion(ctx, matched.ID, &doc.ID); err != nil {
		return nil, fmt.Errorf("repointing matched parent: %w", err)
	}

	return &LinkResult{Linked: true, IsLatest: false, OlderID: doc.ID, NewerID: matched.ID}, nil
}

func truncateChars(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
