// Package service orchestrates the query and document lifecycles over the
// retrieval, generation, agent, and ingestion subsystems.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/docai-platform/docai/internal/agent"
	"github.com/docai-platform/docai/internal/cache"
	"github.com/docai-platform/docai/internal/generation"
	"github.com/docai-platform/docai/internal/repository"
	"github.com/docai-platform/docai/internal/retrieval"
)

// QueryInput is one question with its caller context.
type QueryInput struct {
	Question         string            `json:"question"`
	Filters          map[string]string `json:"filters,omitempty"`
	VersionMode      string            `json:"version_mode,omitempty"`
	TopK             int               `json:"top_k,omitempty"`
	AccessibleDocIDs []string          `json:"-"`
}

// QueryResult is a completed answer with its routing and provenance.
type QueryResult struct {
	Answer     string                `json:"answer"`
	Citations  []generation.Citation `json:"citations"`
	Confidence float64               `json:"confidence"`
	Route      string                `json:"route"`
	QueryType  string                `json:"query_type"`
	Steps      []agent.Step          `json:"steps,omitempty"`
	Cached     bool                  `json:"cached,omitempty"`
}

// StreamEvents carries the streaming callbacks for QueryStream. Any callback
// may be nil.
type StreamEvents struct {
	OnRouteInfo func(route, queryType string)
	OnSources   func([]generation.Citation)
	OnToken     func(string)
	OnAgentStep func(agent.Step)
}

// QueryService answers questions: it routes, retrieves, and dispatches to
// the simple, enhanced, or agent pipeline. Completed non-agent answers are
// cached; streaming and agent responses bypass the cache.
type QueryService struct {
	router    *retrieval.Router
	retriever *retrieval.Retriever
	generator *generation.Generator
	agent     *agent.Agent
	cache     *cache.QueryCache
	logger    *slog.Logger
}

// NewQueryService creates a query service. cache may be nil to disable
// answer caching.
func NewQueryService(router *retrieval.Router, retriever *retrieval.Retriever, generator *generation.Generator, ag *agent.Agent, qc *cache.QueryCache, logger *slog.Logger) *QueryService {
	return &QueryService{
		router:    router,
		retriever: retriever,
		generator: generator,
		agent:     ag,
		cache:     qc,
		logger:    logger,
	}
}

// Query answers a question synchronously.
func (s *QueryService) Query(ctx context.Context, in QueryInput) (*QueryResult, error) {
	if in.Question == "" {
		return nil, fmt.Errorf("question is required")
	}

	plan := s.router.Analyze(ctx, in.Question, in.Filters)

	key := cache.Key(in.Question, plan.MetadataFilters)
	if s.cache != nil && plan.Route != retrieval.RouteAgent {
		var cached QueryResult
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			cached.Cached = true
			return &cached, nil
		} else if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("query cache lookup failed", "error", err)
		}
	}

	var result *QueryResult
	var err error
	switch plan.Route {
	case retrieval.RouteAgent:
		result, err = s.runAgent(ctx, in, agent.Events{})
	case retrieval.RouteEnhancedRAG:
		result, err = s.runRAG(ctx, in, plan, true, nil)
	default:
		result, err = s.runRAG(ctx, in, plan, false, nil)
	}
	if err != nil {
		return nil, err
	}
	result.QueryType = plan.QueryType

	if s.cache != nil && plan.Route != retrieval.RouteAgent {
		if cerr := s.cache.Set(ctx, key, result); cerr != nil {
			s.logger.Warn("query cache store failed", "error", cerr)
		}
	}
	return result, nil
}

// QueryStream answers a question incrementally via the event callbacks and
// returns the assembled result. The cache is bypassed.
func (s *QueryService) QueryStream(ctx context.Context, in QueryInput, ev StreamEvents) (*QueryResult, error) {
	if in.Question == "" {
		return nil, fmt.Errorf("question is required")
	}

	plan := s.router.Analyze(ctx, in.Question, in.Filters)
	if ev.OnRouteInfo != nil {
		ev.OnRouteInfo(plan.Route, plan.QueryType)
	}

	var result *QueryResult
	var err error
	switch plan.Route {
	case retrieval.RouteAgent:
		result, err = s.runAgent(ctx, in, agent.Events{OnStep: ev.OnAgentStep, OnToken: ev.OnToken})
	case retrieval.RouteEnhancedRAG:
		result, err = s.runRAG(ctx, in, plan, true, &ev)
	default:
		result, err = s.runRAG(ctx, in, plan, false, &ev)
	}
	if err != nil {
		return nil, err
	}
	result.QueryType = plan.QueryType
	return result, nil
}

// runRAG retrieves with each planned search query, merges, and generates.
// Zero results with inferred filters trigger one retry without them.
func (s *QueryService) runRAG(ctx context.Context, in QueryInput, plan *retrieval.Plan, crossDoc bool, ev *StreamEvents) (*QueryResult, error) {
	opts := retrieval.Options{
		TopK:             in.TopK,
		Filters:          plan.MetadataFilters,
		VersionMode:      in.VersionMode,
		AccessibleDocIDs: in.AccessibleDocIDs,
	}

	chunks, err := s.retrieve(ctx, plan.SearchQueries, opts)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 && len(plan.MetadataFilters) > 0 {
		opts.Filters = nil
		chunks, err = s.retrieve(ctx, plan.SearchQueries, opts)
		if err != nil {
			return nil, err
		}
	}

	var answer *generation.Answer
	switch {
	case crossDoc:
		answer, err = s.generator.CrossDocument(ctx, in.Question, chunks)
		if err == nil && ev != nil {
			if ev.OnSources != nil {
				ev.OnSources(answer.Citations)
			}
			if ev.OnToken != nil {
				ev.OnToken(answer.Text)
			}
		}
	case ev != nil:
		// Sources stream first so clients can render provenance while
		// tokens arrive.
		if ev.OnSources != nil {
			ev.OnSources(sourcesFor(chunks))
		}
		onToken := ev.OnToken
		if onToken == nil {
			onToken = func(string) {}
		}
		answer, err = s.generator.GenerateStream(ctx, in.Question, chunks, onToken)
	default:
		answer, err = s.generator.Generate(ctx, in.Question, chunks)
	}
	if err != nil {
		return nil, err
	}

	route := retrieval.RouteSimpleRAG
	if crossDoc {
		route = retrieval.RouteEnhancedRAG
	}
	return &QueryResult{
		Answer:     answer.Text,
		Citations:  answer.Citations,
		Confidence: answer.Confidence,
		Route:      route,
	}, nil
}

func (s *QueryService) retrieve(ctx context.Context, queries []string, opts retrieval.Options) ([]repository.RetrievedChunk, error) {
	seen := make(map[string]bool)
	var merged []repository.RetrievedChunk
	for _, q := range queries {
		chunks, err := s.retriever.Retrieve(ctx, q, opts)
		if err != nil {
			return nil, fmt.Errorf("retrieval: %w", err)
		}
		for _, c := range chunks {
			id := c.ChunkID.String()
			if seen[id] {
				continue
			}
			seen[id] = true
			merged = append(merged, c)
		}
	}
	return merged, nil
}

func (s *QueryService) runAgent(ctx context.Context, in QueryInput, ev agent.Events) (*QueryResult, error) {
	res, err := s.agent.Run(ctx, in.Question, in.AccessibleDocIDs, ev)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}
	return &QueryResult{
		Answer:     res.Answer,
		Citations:  res.Citations,
		Confidence: 0.7,
		Route:      retrieval.RouteAgent,
		Steps:      res.Steps,
	}, nil
}

func sourcesFor(chunks []repository.RetrievedChunk) []generation.Citation {
	out := make([]generation.Citation, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, generation.Citation{
			ChunkID:     c.ChunkID,
			DocID:       c.DocumentID,
			DocTitle:    c.DocTitle,
			SectionPath: c.SectionPath,
			PageNumbers: c.PageNumbers,
		})
	}
	return out
}
