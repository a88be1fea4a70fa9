package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/docai-platform/docai/internal/generation"
	"github.com/docai-platform/docai/internal/llm"
)

const (
	// maxSteps caps the reasoning loop.
	maxSteps = 8

	// observationLimit caps tool observations fed back to the LLM, in chars.
	observationLimit = 3000

	// maxCitations caps citations extracted from search observations.
	maxCitations = 10
)

// Step records one loop iteration for the client's step trace.
type Step struct {
	Thought     string `json:"thought"`
	Action      string `json:"action,omitempty"`
	ActionInput string `json:"action_input,omitempty"`
	Observation string `json:"observation,omitempty"`
}

// Result is the agent's final output.
type Result struct {
	Answer    string                `json:"answer"`
	Citations []generation.Citation `json:"citations"`
	Steps     []Step                `json:"steps"`
}

// Events carries the caller's streaming callbacks. Either may be nil.
type Events struct {
	// OnStep fires after each completed loop iteration.
	OnStep func(Step)

	// OnToken fires for each token of the final answer.
	OnToken func(string)
}

// Agent runs a bounded tool-using loop: the main LLM alternates between tool
// calls and, eventually, a final answer.
type Agent struct {
	main   llm.LLM
	tools  *Tools
	logger *slog.Logger
}

// New creates an agent.
func New(main llm.LLM, tools *Tools, logger *slog.Logger) *Agent {
	return &Agent{main: main, tools: tools, logger: logger}
}

type agentResponse struct {
	Thought     string          `json:"thought"`
	Action      string          `json:"action"`
	ActionInput map[string]any  `json:"action_input"`
	FinalAnswer json.RawMessage `json:"final_answer"`
}

func (a *Agent) systemPrompt() string {
	return fmt.Sprintf(`You are a document analysis agent. Answer the user's
question by calling tools and reading their observations.

Available tools:
%s

At each turn respond with exactly one JSON object, either
{"thought": "...", "action": "<tool name>", "action_input": {...}}
to call a tool, or
{"thought": "...", "final_answer": "..."}
to finish. No text outside the JSON object.`, a.tools.Catalogue())
}

// Run answers the question within the step cap. accessible is the caller's
// permission set (nil means unconstrained).
func (a *Agent) Run(ctx context.Context, question string, accessible []string, ev Events) (*Result, error) {
	messages := []llm.Message{{Role: llm.RoleUser, Content: question}}
	var steps []Step
	var searchObservations []string

	emit := func(s Step) {
		steps = append(steps, s)
		if ev.OnStep != nil {
			ev.OnStep(s)
		}
	}

	for len(steps) < maxSteps {
		raw, err := a.main.Chat(ctx, messages, llm.GenerateOptions{
			SystemPrompt: a.systemPrompt(),
			Temperature:  0.2,
			MaxTokens:    1500,
		})
		if err != nil {
			return nil, fmt.Errorf("agent step %d: %w", len(steps)+1, err)
		}

		resp, perr := parseResponse(raw)
		if perr != nil {
			// The model leaked prose with no JSON object; take it as the answer.
			a.logger.Warn("agent response not parseable, treating as final answer", "error", perr)
			return a.finish(raw, steps, searchObservations, ev), nil
		}

		if resp.Action == "" {
			final := decodeFinalAnswer(resp.FinalAnswer)
			emit(Step{Thought: resp.Thought})
			return a.finish(final, steps, searchObservations, ev), nil
		}

		obs, err := a.tools.Execute(ctx, resp.Action, resp.ActionInput, accessible)
		if err != nil {
			obs = "Tool error: " + err.Error()
		}
		if resp.Action == "search_documents" {
			searchObservations = append(searchObservations, obs)
		}
		obs = truncateObservation(obs)

		inputJSON, _ := json.Marshal(resp.ActionInput)
		emit(Step{
			Thought:     resp.Thought,
			Action:      resp.Action,
			ActionInput: string(inputJSON),
			Observation: obs,
		})

		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: raw},
			llm.Message{Role: llm.RoleUser, Content: "Observation:\n" + obs},
		)
	}

	// Step cap reached: force a streamed answer without further tool calls.
	messages = append(messages, llm.Message{
		Role:    llm.RoleUser,
		Content: "You have used all available tool calls. Answer the question now from what you have learned, without calling any tools. Respond in plain text.",
	})
	stream, err := a.main.ChatStream(ctx, messages, llm.GenerateOptions{
		SystemPrompt: a.systemPrompt(),
		Temperature:  0.2,
		MaxTokens:    2000,
	})
	if err != nil {
		return nil, fmt.Errorf("agent forced termination: %w", err)
	}
	var b strings.Builder
	for chunk := range stream {
		if chunk.Error != nil {
			return nil, fmt.Errorf("agent forced termination stream: %w", chunk.Error)
		}
		if chunk.Token != "" {
			b.WriteString(chunk.Token)
			if ev.OnToken != nil {
				ev.OnToken(chunk.Token)
			}
		}
	}
	return &Result{
		Answer:    b.String(),
		Citations: extractCitations(searchObservations),
		Steps:     steps,
	}, nil
}

func (a *Agent) finish(answer string, steps []Step, searchObservations []string, ev Events) *Result {
	if ev.OnToken != nil {
		ev.OnToken(answer)
	}
	return &Result{
		Answer:    answer,
		Citations: extractCitations(searchObservations),
		Steps:     steps,
	}
}

// parseResponse extracts the agent's JSON decision from a possibly noisy
// model response.
func parseResponse(raw string) (*agentResponse, error) {
	obj, err := llm.ExtractJSON(raw)
	if err != nil {
		return nil, err
	}
	var resp agentResponse
	if err := json.Unmarshal([]byte(obj), &resp); err != nil {
		return nil, err
	}
	if resp.Action == "" && len(resp.FinalAnswer) == 0 {
		return nil, fmt.Errorf("response has neither action nor final_answer")
	}
	return &resp, nil
}

// decodeFinalAnswer handles final_answer arriving as either a string or a
// nested object.
func decodeFinalAnswer(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func truncateObservation(obs string) string {
	if len(obs) <= observationLimit {
		return obs
	}
	cut := observationLimit
	for cut > 0 && obs[cut]&0xC0 == 0x80 {
		cut--
	}
	return obs[:cut]
}

// citationLine matches the source header lines of search_documents
// observations: [N] 《title》[section] (pages).
var citationLine = regexp.MustCompile(`\[\d+\] 《(.+?)》\[(.*?)\] \((.*?)\)`)

// extractCitations recovers citations from search observations, deduplicated
// by (title, section).
func extractCitations(observations []string) []generation.Citation {
	var out []generation.Citation
	seen := make(map[string]bool)
	for _, obs := range observations {
		for _, m := range citationLine.FindAllStringSubmatch(obs, -1) {
			title, section, pages := m[1], m[2], m[3]
			key := title + "\x00" + section
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, generation.Citation{
				DocTitle:    title,
				SectionPath: section,
				PageNumbers: parsePageList(pages),
			})
			if len(out) >= maxCitations {
				return out
			}
		}
	}
	return out
}

func parsePageList(raw string) []int {
	var pages []int
	for _, part := range strings.Split(raw, ",") {
		var p int
		if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &p); err == nil {
			pages = append(pages, p)
		}
	}
	return pages
}
