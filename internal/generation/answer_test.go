package generation

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/docai-platform/docai/internal/llm"
	"github.com/docai-platform/docai/internal/repository"
)

type wordTokenizer struct{}

func (wordTokenizer) Count(text string) int {
	return len(strings.Fields(text))
}

func (wordTokenizer) Suffix(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return text
	}
	return strings.Join(words[len(words)-n:], " ")
}

func (wordTokenizer) Split(text string, maxTokens int) []string {
	words := strings.Fields(text)
	var out []string
	for len(words) > 0 {
		n := maxTokens
		if n > len(words) {
			n = len(words)
		}
		out = append(out, strings.Join(words[:n], " "))
		words = words[n:]
	}
	return out
}

type fixedLLM struct {
	response string
}

func (f *fixedLLM) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	return f.response, nil
}

func (f *fixedLLM) GenerateStream(ctx context.Context, prompt string, opts llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	ch := make(chan llm.StreamChunk, len(f.response)+1)
	for _, r := range f.response {
		ch <- llm.StreamChunk{Token: string(r)}
	}
	ch <- llm.StreamChunk{Done: true}
	close(ch)
	return ch, nil
}

func (f *fixedLLM) Chat(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (string, error) {
	return f.response, nil
}

func (f *fixedLLM) ChatStream(ctx context.Context, messages []llm.Message, opts llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	return f.GenerateStream(ctx, "", opts)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chunk(title, section, content string, score float64) repository.RetrievedChunk {
	return repository.RetrievedChunk{
		ChunkID:     uuid.New(),
		DocumentID:  uuid.New(),
		DocTitle:    title,
		SectionPath: section,
		Content:     content,
		Score:       score,
	}
}

func wordText(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "w"
	}
	return strings.Join(parts, " ")
}

func TestBuildContextPacksByScore(t *testing.T) {
	g := NewGenerator(&fixedLLM{}, wordTokenizer{}, 100, discardLogger())
	chunks := []repository.RetrievedChunk{
		chunk("Doc A", "S1", wordText(40), 0.2),
		chunk("Doc B", "S2", wordText(40), 0.9),
		chunk("Doc C", "S3", wordText(40), 0.5),
	}

	used, text := g.buildContext(chunks)
	if len(used) != 2 {
		t.Fatalf("expected 2 chunks within the 100-token budget, got %d", len(used))
	}
	if used[0].DocTitle != "Doc B" || used[1].DocTitle != "Doc C" {
		t.Errorf("budget should prefer high scores, got %s then %s", used[0].DocTitle, used[1].DocTitle)
	}
	if !strings.Contains(text, "《Doc B》") {
		t.Errorf("source block missing title markers: %q", text)
	}
}

func TestBuildContextTruncatesOversizedFirstChunk(t *testing.T) {
	g := NewGenerator(&fixedLLM{}, wordTokenizer{}, 10, discardLogger())
	chunks := []repository.RetrievedChunk{chunk("Doc A", "S", wordText(50), 1.0)}

	used, _ := g.buildContext(chunks)
	if len(used) != 1 {
		t.Fatalf("expected the oversized chunk to survive truncated, got %d chunks", len(used))
	}
	if got := (wordTokenizer{}).Count(used[0].Content); got > 10 {
		t.Errorf("truncated chunk has %d tokens, want <= 10", got)
	}
}

func TestBuildContextSkipsWhenBudgetSpent(t *testing.T) {
	g := NewGenerator(&fixedLLM{}, wordTokenizer{}, 50, discardLogger())
	chunks := []repository.RetrievedChunk{
		chunk("Doc A", "S", wordText(40), 0.9),
		chunk("Doc B", "S", wordText(40), 0.8), // does not fit
		chunk("Doc C", "S", wordText(5), 0.7),  // fits in the remainder
	}

	used, _ := g.buildContext(chunks)
	if len(used) != 2 {
		t.Fatalf("expected 2 used chunks, got %d", len(used))
	}
	if used[1].DocTitle != "Doc C" {
		t.Errorf("second used chunk = %s, want Doc C", used[1].DocTitle)
	}
}

func TestExtractCitationsAlwaysIncludesTopChunks(t *testing.T) {
	var used []repository.RetrievedChunk
	for i := 0; i < 5; i++ {
		used = append(used, chunk("T", "S", "content", float64(5-i)))
	}
	cites := extractCitations("an answer naming no source", used)
	if len(cites) != alwaysCiteTop {
		t.Errorf("citations = %d, want the top %d", len(cites), alwaysCiteTop)
	}
}

func TestExtractCitationsByTitleMatchBeyondTop(t *testing.T) {
	used := []repository.RetrievedChunk{
		chunk("Doc A", "S1", "a", 0.9),
		chunk("Doc B", "S2", "b", 0.8),
		chunk("Doc C", "S3", "c", 0.7),
		chunk("Employee Handbook", "Leave", "vacation policy", 0.6),
		chunk("Security Policy", "Access", "badge rules", 0.5),
	}
	text := "According to the Employee Handbook, vacation accrues monthly."

	cites := extractCitations(text, used)
	if len(cites) != 4 {
		t.Fatalf("expected top 3 plus the title match, got %d citations", len(cites))
	}
	if cites[3].DocTitle != "Employee Handbook" {
		t.Errorf("fourth citation = %q, want Employee Handbook", cites[3].DocTitle)
	}
	for _, c := range cites {
		if c.DocTitle == "Security Policy" {
			t.Error("unreferenced low-scored chunk should not be cited")
		}
	}
}

func TestExtractCitationsByPageReference(t *testing.T) {
	paged := chunk("Manual", "Install", "steps", 0.5)
	paged.PageNumbers = []int{12}
	used := []repository.RetrievedChunk{
		chunk("Doc A", "S1", "a", 0.9),
		chunk("Doc B", "S2", "b", 0.8),
		chunk("Doc C", "S3", "c", 0.7),
		chunk("Doc D", "S4", "d", 0.6),
		paged,
	}

	for _, text := range []string{
		"安装步骤见第12页。",
		"See p12 for the installation steps.",
	} {
		cites := extractCitations(text, used)
		if len(cites) != 4 {
			t.Fatalf("%q: expected top 3 plus the page match, got %d citations", text, len(cites))
		}
		if cites[3].DocTitle != "Manual" {
			t.Errorf("%q: fourth citation = %q, want Manual", text, cites[3].DocTitle)
		}
	}
}

func TestExtractCitationsDedupes(t *testing.T) {
	c := chunk("Doc", "S", "content", 1.0)
	used := []repository.RetrievedChunk{c, c}
	cites := extractCitations("the Doc says so", used)
	if len(cites) != 1 {
		t.Errorf("expected duplicate chunk collapsed, got %d citations", len(cites))
	}
}

func TestEstimateConfidence(t *testing.T) {
	strong := []repository.RetrievedChunk{
		chunk("A", "S", "c", 0.9),
		chunk("B", "S", "c", 0.8),
		chunk("C", "S", "c", 0.7),
	}

	if got := estimateConfidence("anything", nil); got != 0 {
		t.Errorf("no sources: confidence = %v, want 0", got)
	}

	hedged := estimateConfidence("I could not find this in the sources.", strong)
	confident := estimateConfidence("The policy allows 20 days.", strong)
	if !(hedged < confident) {
		t.Errorf("hedged (%v) should score below confident (%v)", hedged, confident)
	}
	if hedged != 0.3 {
		t.Errorf("hedged with full coverage = %v, want 0.3", hedged)
	}
	if confident != 0.94 {
		// avg top3 = 0.8 -> 0.5 + 0.24 + 0.2 = 0.94
		t.Errorf("confident = %v, want 0.94", confident)
	}
	if confident > 1.0 {
		t.Errorf("confidence exceeds 1.0: %v", confident)
	}
}

func TestEstimateConfidenceCoverageScales(t *testing.T) {
	one := []repository.RetrievedChunk{chunk("A", "S", "c", 0.9)}
	three := []repository.RetrievedChunk{
		chunk("A", "S", "c", 0.9),
		chunk("B", "S", "c", 0.9),
		chunk("C", "S", "c", 0.9),
	}
	if estimateConfidence("answer", one) >= estimateConfidence("answer", three) {
		t.Error("more sources at equal scores should not lower confidence")
	}
}

func TestGenerateEmptyChunks(t *testing.T) {
	g := NewGenerator(&fixedLLM{response: "should not be called"}, wordTokenizer{}, 100, discardLogger())
	a, err := g.Generate(context.Background(), "q", nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", a.Confidence)
	}
	if !strings.Contains(a.Text, "could not find") {
		t.Errorf("unexpected refusal text: %q", a.Text)
	}
}

func TestGenerateStreamAssemblesTokens(t *testing.T) {
	g := NewGenerator(&fixedLLM{response: "hi"}, wordTokenizer{}, 100, discardLogger())
	chunks := []repository.RetrievedChunk{chunk("Doc", "S", "content", 0.9)}

	var streamed strings.Builder
	a, err := g.GenerateStream(context.Background(), "q", chunks, func(tok string) {
		streamed.WriteString(tok)
	})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	if a.Text != "hi" || streamed.String() != "hi" {
		t.Errorf("assembled %q, streamed %q, want hi", a.Text, streamed.String())
	}
}
