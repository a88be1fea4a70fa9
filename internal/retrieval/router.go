package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docai-platform/docai/internal/llm"
)

// Query routes.
const (
	RouteSimpleRAG   = "simple_rag"
	RouteEnhancedRAG = "enhanced_rag"
	RouteAgent       = "agent"
)

// Query types reported by the router.
const (
	QueryFactual         = "factual"
	QuerySummary         = "summary"
	QueryComparison      = "comparison"
	QueryVersionDiff     = "version_diff"
	QueryComplexAnalysis = "complex_analysis"
)

// Plan is the router's analysis of one question.
type Plan struct {
	QueryType       string            `json:"query_type"`
	SearchQueries   []string          `json:"search_queries"`
	MetadataFilters map[string]string `json:"metadata_filters"`
	NeedsMultiDoc   bool              `json:"needs_multi_doc"`
	EstimatedScope  string            `json:"estimated_scope"`
	Route           string            `json:"route"`
}

// Router classifies questions with the light LLM and derives the execution
// route. A router failure degrades to simple RAG over the original question.
type Router struct {
	light  llm.LLM
	logger *slog.Logger
}

// NewRouter creates a query router on the light model.
func NewRouter(light llm.LLM, logger *slog.Logger) *Router {
	return &Router{light: light, logger: logger}
}

// Analyze produces the execution plan for a question. callerFilters are
// merged into the plan's filters, winning on conflict.
func (r *Router) Analyze(ctx context.Context, question string, callerFilters map[string]string) *Plan {
	plan, err := r.classify(ctx, question)
	if err != nil {
		r.logger.Warn("query routing failed, falling back to simple rag", "error", err)
		plan = &Plan{
			QueryType:     QueryFactual,
			SearchQueries: []string{question},
		}
	}

	if len(plan.SearchQueries) == 0 {
		plan.SearchQueries = []string{question}
	}
	if len(plan.SearchQueries) > 2 {
		plan.SearchQueries = plan.SearchQueries[:2]
	}

	if plan.MetadataFilters == nil {
		plan.MetadataFilters = make(map[string]string)
	}
	for k, v := range callerFilters {
		plan.MetadataFilters[k] = v
	}
	for k, v := range plan.MetadataFilters {
		if strings.TrimSpace(v) == "" {
			delete(plan.MetadataFilters, k)
		}
	}

	switch plan.Route {
	case RouteSimpleRAG, RouteEnhancedRAG, RouteAgent:
	default:
		plan.Route = deriveRoute(plan)
	}
	return plan
}

func (r *Router) classify(ctx context.Context, question string) (*Plan, error) {
	prompt := fmt.Sprintf(`Classify this question about a document collection.

Question: %s

Respond with a JSON object:
{
  "query_type": "<factual|summary|comparison|version_diff|complex_analysis>",
  "search_queries": ["<1-2 reformulated search queries>"],
  "metadata_filters": {"doc_type": "<only if clearly implied, else omit>"},
  "needs_multi_doc": <true if the answer spans multiple documents>,
  "estimated_scope": "<narrow|medium|broad>",
  "route": "<simple_rag|enhanced_rag|agent>"
}`, question)

	raw, err := r.light.Generate(ctx, prompt, llm.GenerateOptions{Temperature: 0.1, MaxTokens: 400})
	if err != nil {
		return nil, fmt.Errorf("query classification: %w", err)
	}
	obj, err := llm.ExtractJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("query classification response: %w", err)
	}
	var plan Plan
	if err := json.Unmarshal([]byte(obj), &plan); err != nil {
		return nil, fmt.Errorf("query classification parse: %w", err)
	}
	return &plan, nil
}

// deriveRoute maps the classification to an execution route. Complex queries
// go to the agent, multi-document summaries get the enhanced pipeline, and
// everything else takes plain retrieve-and-generate.
func deriveRoute(plan *Plan) string {
	switch plan.QueryType {
	case QueryComplexAnalysis, QueryVersionDiff, QueryComparison:
		return RouteAgent
	case QuerySummary:
		if plan.NeedsMultiDoc {
			return RouteEnhancedRAG
		}
	}
	return RouteSimpleRAG
}
