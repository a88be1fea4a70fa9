// Package retrieval implements hybrid dense+lexical retrieval with rank
// fusion, reranking, and context expansion, plus the LLM query router.
package retrieval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/docai-platform/docai/internal/embedder"
	"github.com/docai-platform/docai/internal/lexical"
	"github.com/docai-platform/docai/internal/repository"
	"github.com/docai-platform/docai/internal/reranker"
	"github.com/docai-platform/docai/internal/vectorstore"
)

// Version modes control which document versions are searched.
const (
	VersionLatestOnly  = "latest_only"
	VersionAllVersions = "all_versions"
	VersionSpecific    = "specific"
)

// ErrAllStoresFailed is returned when neither search backend produced results.
var ErrAllStoresFailed = errors.New("all search backends failed")

// Config holds retrieval tuning.
type Config struct {
	TopKVector    int
	TopKBM25      int
	RRFK          int
	FinalTopK     int
	ContextWindow int
	RerankEnabled bool
}

// Options narrows one retrieval call.
type Options struct {
	// TopK overrides the configured final result count when positive.
	TopK int

	// Filters holds metadata constraints: doc_id, doc_type, chunk_type,
	// group_id. Unknown keys are ignored.
	Filters map[string]string

	// VersionMode defaults to latest_only.
	VersionMode string

	// AccessibleDocIDs is the caller's permission set. nil means
	// unconstrained; empty non-nil means the caller can see nothing.
	AccessibleDocIDs []string
}

// Retriever runs hybrid retrieval: dense and BM25 searches fused with
// reciprocal rank fusion, optionally reranked, and expanded with neighboring
// chunks for context.
type Retriever struct {
	vs     vectorstore.VectorStore
	lex    lexical.Store
	embed  embedder.Embedder
	rerank reranker.Reranker
	cfg    Config
	logger *slog.Logger
}

// NewRetriever creates a retriever. rerank may be nil to disable reranking.
func NewRetriever(vs vectorstore.VectorStore, lex lexical.Store, embed embedder.Embedder, rerank reranker.Reranker, cfg Config, logger *slog.Logger) *Retriever {
	if cfg.TopKVector <= 0 {
		cfg.TopKVector = 20
	}
	if cfg.TopKBM25 <= 0 {
		cfg.TopKBM25 = 20
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = 60
	}
	if cfg.FinalTopK <= 0 {
		cfg.FinalTopK = 5
	}
	if cfg.ContextWindow < 0 {
		cfg.ContextWindow = 0
	}
	return &Retriever{vs: vs, lex: lex, embed: embed, rerank: rerank, cfg: cfg, logger: logger}
}

// Retrieve returns the top chunks for the query. One failing backend degrades
// to the other's results; both failing is an error.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) ([]repository.RetrievedChunk, error) {
	// An empty permission set can match nothing; skip the stores entirely.
	if opts.AccessibleDocIDs != nil && len(opts.AccessibleDocIDs) == 0 {
		return nil, nil
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = r.cfg.FinalTopK
	}

	vsFilter, lexFilter := r.buildFilters(opts)

	var denseIDs, lexIDs []string
	byID := make(map[string]repository.RetrievedChunk)
	denseOK, lexOK := false, false

	vec, err := r.embed.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("query embedding failed, dense search skipped", "error", err)
	} else {
		hits, serr := r.vs.Search(ctx, vec, vsFilter, r.cfg.TopKVector, 0)
		if serr != nil {
			r.logger.Warn("dense search failed", "error", serr)
		} else {
			denseOK = true
			for _, h := range hits {
				denseIDs = append(denseIDs, h.ID)
				if _, ok := byID[h.ID]; !ok {
					byID[h.ID] = fromVectorHit(h)
				}
			}
		}
	}

	lexHits, err := r.lex.Search(ctx, query, lexFilter, r.cfg.TopKBM25)
	if err != nil {
		r.logger.Warn("lexical search failed", "error", err)
	} else {
		lexOK = true
		for _, h := range lexHits {
			lexIDs = append(lexIDs, h.ID)
			if _, ok := byID[h.ID]; !ok {
				byID[h.ID] = fromLexicalHit(h)
			}
		}
	}

	if !denseOK && !lexOK {
		return nil, ErrAllStoresFailed
	}
	if len(byID) == 0 {
		return nil, nil
	}

	fusedIDs := fuse(denseIDs, lexIDs, r.cfg.RRFK)
	fused := make([]repository.RetrievedChunk, 0, len(fusedIDs))
	for _, f := range fusedIDs {
		c := byID[f.id]
		c.Score = f.score
		fused = append(fused, c)
	}

	results := r.applyRerank(ctx, query, fused, topK)
	if len(results) > topK {
		results = results[:topK]
	}

	r.expandContext(ctx, results)
	return results, nil
}

func (r *Retriever) buildFilters(opts Options) (vectorstore.Filter, lexical.Filter) {
	f := vectorstore.Filter{
		DocID:            opts.Filters["doc_id"],
		DocType:          opts.Filters["doc_type"],
		ChunkType:        opts.Filters["chunk_type"],
		GroupID:          opts.Filters["group_id"],
		AccessibleDocIDs: opts.AccessibleDocIDs,
	}
	switch opts.VersionMode {
	case VersionAllVersions:
	case VersionSpecific:
		// The doc_id filter pins the version; is_latest stays unconstrained.
	default:
		f.LatestOnly = true
	}
	return f, lexical.Filter{
		DocID:            f.DocID,
		DocType:          f.DocType,
		ChunkType:        f.ChunkType,
		GroupID:          f.GroupID,
		LatestOnly:       f.LatestOnly,
		AccessibleDocIDs: f.AccessibleDocIDs,
	}
}

type fusedID struct {
	id    string
	score float64
}

// fuse merges two ranked ID lists with reciprocal rank fusion: each list
// contributes 1/(k+rank) with rank starting at 1.
func fuse(dense, lex []string, k int) []fusedID {
	scores := make(map[string]float64)
	order := make(map[string]int)
	next := 0
	note := func(id string) {
		if _, ok := order[id]; !ok {
			order[id] = next
			next++
		}
	}
	for rank, id := range dense {
		scores[id] += 1.0 / float64(k+rank+1)
		note(id)
	}
	for rank, id := range lex {
		scores[id] += 1.0 / float64(k+rank+1)
		note(id)
	}

	out := make([]fusedID, 0, len(scores))
	for id, s := range scores {
		out = append(out, fusedID{id: id, score: s})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return order[out[i].id] < order[out[j].id]
	})
	return out
}

// applyRerank rescores the top candidates with the cross-encoder. Failures
// fall back to the fused order.
func (r *Retriever) applyRerank(ctx context.Context, query string, fused []repository.RetrievedChunk, topK int) []repository.RetrievedChunk {
	if r.rerank == nil || !r.cfg.RerankEnabled || len(fused) == 0 {
		return fused
	}
	n := 3 * topK
	if n > len(fused) {
		n = len(fused)
	}
	candidates := fused[:n]

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Content
	}
	scores, err := r.rerank.Score(ctx, query, docs)
	if err != nil || len(scores) != len(candidates) {
		r.logger.Warn("rerank failed, keeping fused order", "error", err)
		return fused
	}

	reranked := make([]repository.RetrievedChunk, len(candidates))
	copy(reranked, candidates)
	for i := range reranked {
		reranked[i].Score = scores[i]
	}
	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].Score > reranked[j].Score
	})
	return reranked
}

// expandContext widens each text chunk with its neighbors by sequence index.
// The anchor's metadata and score are kept; only the content grows.
func (r *Retriever) expandContext(ctx context.Context, results []repository.RetrievedChunk) {
	if r.cfg.ContextWindow <= 0 {
		return
	}
	for i := range results {
		c := &results[i]
		if c.ChunkType != repository.ChunkTypeText {
			continue
		}
		var indices []int
		for d := -r.cfg.ContextWindow; d <= r.cfg.ContextWindow; d++ {
			if idx := c.ChunkIndex + d; idx >= 0 {
				indices = append(indices, idx)
			}
		}
		hits, err := r.lex.Neighbors(ctx, c.DocumentID.String(), indices)
		if err != nil {
			r.logger.Warn("context expansion failed", "doc_id", c.DocumentID, "error", err)
			continue
		}
		if len(hits) <= 1 {
			continue
		}
		parts := make([]string, 0, len(hits))
		for _, h := range hits {
			if h.Doc.ChunkIndex == c.ChunkIndex {
				parts = append(parts, c.Content)
			} else {
				parts = append(parts, h.Doc.Content)
			}
		}
		c.Content = strings.Join(parts, "\n")
	}
}

func fromVectorHit(h vectorstore.Result) repository.RetrievedChunk {
	chunkID, _ := uuid.Parse(h.ID)
	docID, _ := uuid.Parse(h.Payload.DocID)
	return repository.RetrievedChunk{
		ChunkID:     chunkID,
		DocumentID:  docID,
		DocTitle:    h.Payload.DocTitle,
		SectionPath: h.Payload.SectionPath,
		PageNumbers: h.Payload.PageNumbers,
		ChunkIndex:  h.Payload.ChunkIndex,
		ChunkType:   h.Payload.ChunkType,
		Content:     h.Payload.Content,
		Score:       h.Score,
	}
}

func fromLexicalHit(h lexical.Hit) repository.RetrievedChunk {
	chunkID, _ := uuid.Parse(h.ID)
	docID, _ := uuid.Parse(h.Doc.DocID)
	return repository.RetrievedChunk{
		ChunkID:     chunkID,
		DocumentID:  docID,
		DocTitle:    h.Doc.DocTitle,
		SectionPath: h.Doc.SectionPath,
		PageNumbers: h.Doc.PageNumbers,
		ChunkIndex:  h.Doc.ChunkIndex,
		ChunkType:   h.Doc.ChunkType,
		Content:     h.Doc.Content,
		Score:       h.Score,
	}
}
