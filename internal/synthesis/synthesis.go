// Package synthesis implements the Synthesis Agent (§4.8): it composes
// the final prose answer with citation markers from the settled
// SubQuery results, computes confidence, and renders an HTML view of
// the answer the way the teacher's deerflow showcase renders its
// ReporterNode output — markdown generated by the LLM, converted with
// gomarkdown, with math left in its ```math/$$ fencing for the client
// to render.
package synthesis

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"

	"github.com/corpusqa/corpusqa/internal/llmclient"
	"github.com/corpusqa/corpusqa/internal/state"
)

// citationMarker matches a bracketed chunk UID the LLM was instructed
// to cite with, e.g. "[1607.12]" or "[table-1607.9.1]".
var citationMarker = regexp.MustCompile(`\[([A-Za-z0-9._\-]+)\]`)

const synthesisSystemPrompt = `You are a building-code research assistant. Compose a structured answer from the supplied sub-query results:
1. A direct conclusion first.
2. Supporting details organized by topic.
3. Any calculation, shown with units and the originating formula.
4. Clearly label any section where information is missing rather than inventing it.
Cite every factual claim with the chunk identifier in square brackets, e.g. [1607.12]. Use only identifiers that appear in the provided context.`

// Synthesizer composes the final answer for a turn.
type Synthesizer struct {
	LLM llmclient.Client
}

// Result is everything the Synthesis Agent contributes to State.
type Result struct {
	FinalAnswer string
	Citations   []state.Citation
	Confidence  float64
	Metadata    map[string]string
}

// Synthesize implements §4.8: compose prose + citations + confidence
// from the ordered, settled SubQuery answers.
func (s *Synthesizer) Synthesize(ctx context.Context, userQuery string, subQueryAnswers []state.SubQuery) (Result, error) {
	chunksByUID := make(map[string]state.RetrievedChunk)
	var contextBuilder strings.Builder
	sourceTags := make(map[state.SourceTag]bool)

	for _, sq := range subQueryAnswers {
		if sq.Status != state.SubQueryOK {
			continue
		}
		contextBuilder.WriteString("Sub-query: " + sq.Text + "\n")
		for _, c := range sq.Result {
			chunksByUID[c.UID] = c
			sourceTags[c.SourceTag] = true
			contextBuilder.WriteString(fmt.Sprintf("[%s] %s: %s\n", c.UID, c.Title, c.Text))
		}
		contextBuilder.WriteString("\n")
	}

	if len(chunksByUID) == 0 {
		return Result{}, fmt.Errorf("synthesis: no settled sub-query results to synthesize from")
	}

	userPrompt := fmt.Sprintf("User question: %s\n\nResearch context:\n%s", userQuery, contextBuilder.String())
	answer, err := s.LLM.Generate(ctx, llmclient.QUALITY, synthesisSystemPrompt+"\n\n"+userPrompt)
	if err != nil {
		return Result{}, fmt.Errorf("synthesis: generate: %w", err)
	}
	answer = strings.TrimSpace(answer)

	citations := extractCitations(answer, chunksByUID)
	confidence := computeConfidence(answer, len(sourceTags), len(citations))

	return Result{
		FinalAnswer: answer,
		Citations:   citations,
		Confidence:  confidence,
		Metadata: map[string]string{
			"html":            RenderHTML(answer),
			"sub_query_count": fmt.Sprintf("%d", len(subQueryAnswers)),
		},
	}, nil
}

func extractCitations(answer string, chunks map[string]state.RetrievedChunk) []state.Citation {
	seen := make(map[string]bool)
	var out []state.Citation
	for _, m := range citationMarker.FindAllStringSubmatch(answer, -1) {
		uid := m[1]
		if seen[uid] {
			continue
		}
		chunk, ok := chunks[uid]
		if !ok {
			continue
		}
		seen[uid] = true
		out = append(out, state.Citation{SourceTag: chunk.SourceTag, UID: chunk.UID, Title: chunk.Title})
	}
	return out
}

// computeConfidence implements the §4.8 design-level formula.
func computeConfidence(answer string, distinctSources, citationCount int) float64 {
	confidence := 0.5
	if distinctSources >= 3 {
		confidence += 0.2
	}
	if len(strings.Fields(answer)) >= 100 {
		confidence += 0.15
	}
	if citationCount >= 1 {
		confidence += 0.15
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

// RenderHTML converts markdown prose to sanitizer-ready HTML, grounded
// on the teacher's ReporterNode markdown-to-HTML pipeline.
func RenderHTML(markdownText string) string {
	extensions := parser.CommonExtensions | parser.AutoHeadingIDs
	p := parser.NewWithExtensions(extensions)
	doc := p.Parse([]byte(markdownText))

	opts := html.RendererOptions{Flags: html.CommonFlags | html.HrefTargetBlank}
	renderer := html.NewRenderer(opts)
	return string(markdown.Render(doc, renderer))
}
