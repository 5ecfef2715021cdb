// Package research implements the Research Orchestrator (§4.6): the
// concurrent per-SubQuery retrieval pipeline with strategy selection,
// optional reranking, validation, fallback, and math-content expansion.
// Concurrency is grounded on golang.org/x/sync/errgroup, the same
// cooperative-fan-out primitive the pack's RAG handler example uses for
// parallel cache-check/embedding work.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corpusqa/corpusqa/internal/llmclient"
	"github.com/corpusqa/corpusqa/internal/retrieval/embedding"
	"github.com/corpusqa/corpusqa/internal/retrieval/graphstore"
	"github.com/corpusqa/corpusqa/internal/retrieval/reranker"
	"github.com/corpusqa/corpusqa/internal/state"
	"github.com/corpusqa/corpusqa/internal/validate"
)

// WebSearcher is the web-search fallback provider (§6 "Web search").
type WebSearcher interface {
	Search(ctx context.Context, query string) ([]state.RetrievedChunk, error)
}

// Config bounds the orchestrator's concurrency and quality-gate knobs.
type Config struct {
	ValidationThreshold int
	UseReranker         bool
	RerankerPoolSize    int
	RerankerTopN        int
	SubqueryBudget      time.Duration
}

// Orchestrator executes a ResearchPlan's SubQueries concurrently.
type Orchestrator struct {
	Graph    graphstore.GraphStore
	Web      WebSearcher
	Rerank   reranker.Reranker
	Embedder embedding.Embedder
	LLM      llmclient.Client
	Config   Config
}

// ErrRetrievalExhausted is returned (as part of State's error_state,
// never a Go error escaping the node) when zero SubQueries reach `ok`.
var ErrRetrievalExhausted = fmt.Errorf("research: zero sub-queries reached validation threshold")

// Run executes every SubQuery in plan concurrently and returns the
// settled list in original plan order (§4.6 "Aggregation"). Results are
// written into a pre-sized slice indexed by position so concurrent
// completion in any order never races: goroutine i only ever touches
// results[i]. webOnly restricts every SubQuery to the web-search
// provider alone, skipping the graph-store strategy chain entirely; the
// Error Handler sets this for retrieval_exhausted's one permitted retry
// (§4.10).
func (o *Orchestrator) Run(ctx context.Context, plan *state.ResearchPlan, webOnly bool) ([]state.SubQuery, error) {
	results := make([]state.SubQuery, len(plan.SubQueries))
	copy(results, plan.SubQueries)

	g, gctx := errgroup.WithContext(ctx)
	for i := range plan.SubQueries {
		i := i
		sq := plan.SubQueries[i]
		g.Go(func() error {
			budget := o.Config.SubqueryBudget
			if budget <= 0 {
				budget = 45 * time.Second
			}
			subCtx, cancel := context.WithTimeout(gctx, budget)
			defer cancel()

			var settled state.SubQuery
			var err error
			if webOnly {
				settled, err = o.runWebOnly(subCtx, sq)
			} else {
				settled, err = o.runOne(subCtx, sq)
			}
			if err != nil {
				// A single SubQuery's failure must never mutate another's
				// state (§3.2); record it as failed and move on.
				settled = sq
				settled.Status = state.SubQueryFailed
			}
			results[i] = settled
			return nil
		})
	}
	_ = g.Wait()

	okCount := 0
	for _, r := range results {
		if r.Status == state.SubQueryOK {
			okCount++
		}
	}
	if okCount == 0 {
		return results, ErrRetrievalExhausted
	}
	return results, nil
}

func (o *Orchestrator) runOne(ctx context.Context, sq state.SubQuery) (state.SubQuery, error) {
	primary, hintID := selectStrategy(sq)
	if sq.EntityHint != "" && hintID == "" {
		hintID = extractEntityID(sq.EntityHint)
	}
	primary = o.refineStrategy(ctx, sq, primary)
	sq.Strategy = primary
	sq.HasStrategy = true

	chunks, err := o.retrieve(ctx, primary, sq, hintID)
	tried := []state.Strategy{primary}
	if err == nil {
		chunks = o.expandMath(ctx, sq, chunks)
		chunks = o.applyRerank(ctx, sq.Text, chunks)
	}

	v, ok := o.validateChunks(ctx, sq.Text, chunks)
	if ok {
		sq.Result = chunks
		sq.Validation = &v
		sq.Status = state.SubQueryOK
		return sq, nil
	}

	// Fallback chain (§4.6 step 5): try the remaining strategies in the
	// primary's designated order, then web search as the last resort.
	sq.UsedFallback = true
	for _, next := range fallbackChain(primary) {
		tried = append(tried, next)
		candidate, err := o.retrieve(ctx, next, sq, hintID)
		if err != nil {
			continue
		}
		candidate = o.expandMath(ctx, sq, candidate)
		candidate = o.applyRerank(ctx, sq.Text, candidate)
		v, ok := o.validateChunks(ctx, sq.Text, candidate)
		if ok {
			sq.Result = candidate
			sq.Validation = &v
			sq.Status = state.SubQueryOK
			sq.FallbackPath = tried
			return sq, nil
		}
	}

	if o.Web != nil {
		webChunks, err := o.Web.Search(ctx, sq.Text)
		if err == nil {
			v, ok := o.validateChunks(ctx, sq.Text, webChunks)
			if ok {
				sq.Result = webChunks
				sq.Validation = &v
				sq.Status = state.SubQueryOK
				sq.FallbackPath = append(tried, "web")
				return sq, nil
			}
		}
	}

	sq.Status = state.SubQueryFailed
	sq.FallbackPath = tried
	return sq, nil
}

// runWebOnly is the restricted retrieval path used for
// retrieval_exhausted's one web-only retry (§4.10): it never touches the
// graph store, so a corpus-side outage that caused the original
// exhaustion can't repeat it.
func (o *Orchestrator) runWebOnly(ctx context.Context, sq state.SubQuery) (state.SubQuery, error) {
	sq.UsedFallback = true
	sq.FallbackPath = []state.Strategy{"web"}
	if o.Web == nil {
		sq.Status = state.SubQueryFailed
		return sq, nil
	}
	chunks, err := o.Web.Search(ctx, sq.Text)
	if err != nil {
		sq.Status = state.SubQueryFailed
		return sq, nil
	}
	v, ok := o.validateChunks(ctx, sq.Text, chunks)
	if !ok {
		sq.Status = state.SubQueryFailed
		return sq, nil
	}
	sq.Result = chunks
	sq.Validation = &v
	sq.Status = state.SubQueryOK
	return sq, nil
}

func (o *Orchestrator) retrieve(ctx context.Context, strategy state.Strategy, sq state.SubQuery, hintID string) ([]state.RetrievedChunk, error) {
	pool := o.Config.RerankerPoolSize
	if pool <= 0 {
		pool = 20
	}
	switch strategy {
	case state.StrategyDirect:
		id := hintID
		if id == "" {
			id = extractEntityID(sq.Text)
		}
		if id == "" {
			return nil, fmt.Errorf("research: direct strategy with no resolvable entity id")
		}
		return o.Graph.DirectLookup(ctx, id)
	case state.StrategyKeyword:
		return o.Graph.KeywordSearch(ctx, o.buildBooleanQuery(ctx, sq.Text), pool)
	default:
		text := sq.HydeDocument
		if text == "" {
			text = sq.Text
		}
		if o.Embedder == nil {
			return nil, fmt.Errorf("research: no embedder configured")
		}
		vec, err := o.Embedder.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		return o.Graph.VectorSearch(ctx, vec, pool)
	}
}

// refineStrategy asks the LLM to confirm or override the rule-based
// pick; on any failure the rule-based choice stands unchanged (§4.6
// step 1).
func (o *Orchestrator) refineStrategy(ctx context.Context, sq state.SubQuery, ruleBased state.Strategy) state.Strategy {
	if o.LLM == nil {
		return ruleBased
	}
	prompt := fmt.Sprintf(`Sub-query: %q
Rule-based retrieval strategy: %q
Respond with a JSON object {"strategy": "vector"|"direct"|"keyword"} for the best retrieval strategy.`, sq.Text, ruleBased)
	raw, err := o.LLM.GenerateJSON(ctx, llmclient.FAST, "You pick the best retrieval strategy for a sub-query.", prompt)
	if err != nil {
		return ruleBased
	}
	var parsed struct {
		Strategy string `json:"strategy"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed); err != nil {
		return ruleBased
	}
	switch state.Strategy(parsed.Strategy) {
	case state.StrategyVector, state.StrategyDirect, state.StrategyKeyword:
		return state.Strategy(parsed.Strategy)
	default:
		return ruleBased
	}
}

func (o *Orchestrator) applyRerank(ctx context.Context, query string, chunks []state.RetrievedChunk) []state.RetrievedChunk {
	if !o.Config.UseReranker || o.Rerank == nil || len(chunks) == 0 {
		return chunks
	}
	reordered, err := o.Rerank.Rerank(ctx, query, chunks)
	if err != nil {
		// Reranker failure falls back to original order (§4.6 step 3).
		return reranker.TopN(chunks, o.Config.RerankerTopN)
	}
	return reranker.TopN(reordered, o.Config.RerankerTopN)
}

func (o *Orchestrator) validateChunks(ctx context.Context, query string, chunks []state.RetrievedChunk) (state.Validation, bool) {
	if len(chunks) == 0 {
		return state.Validation{}, false
	}
	merged := mergeChunkText(chunks)
	threshold := o.Config.ValidationThreshold
	if threshold <= 0 {
		threshold = 6
	}
	v, err := validate.Validate(ctx, o.LLM, query, merged)
	if err != nil {
		return state.Validation{}, false
	}
	return v, v.Passes(threshold)
}

// expandMath fetches sibling sections for equation references per §4.6
// step 6, merging their children into the candidate chunk set before
// validation.
func (o *Orchestrator) expandMath(ctx context.Context, sq state.SubQuery, chunks []state.RetrievedChunk) []state.RetrievedChunk {
	chapter := extractEquationChapter(sq.Text)
	if chapter == "" {
		for _, c := range chunks {
			if ch := extractEquationChapter(c.Text); ch != "" {
				chapter = ch
				break
			}
		}
	}
	if chapter == "" {
		return chunks
	}
	for _, sectionID := range siblingSectionsForChapter(chapter) {
		children, err := o.Graph.Children(ctx, sectionID)
		if err != nil {
			continue
		}
		chunks = append(chunks, children...)
	}
	return chunks
}

func mergeChunkText(chunks []state.RetrievedChunk) string {
	var sb strings.Builder
	for _, c := range chunks {
		if c.Title != "" {
			sb.WriteString(c.Title)
			sb.WriteString(": ")
		}
		sb.WriteString(c.Text)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// buildBooleanQuery asks the LLM to craft a full-text boolean query
// (required/excluded terms) for the keyword strategy (§4.6 step 2),
// mirroring refineStrategy's ask-then-fall-back-to-the-plain-text
// pattern: any failure or malformed response just searches on the raw
// sub-query text.
func (o *Orchestrator) buildBooleanQuery(ctx context.Context, text string) string {
	if o.LLM == nil {
		return text
	}
	prompt := fmt.Sprintf(`Sub-query: %q
Craft a boolean full-text search query: terms that must appear, optionally prefixed with - for terms to exclude.
Respond with a JSON object {"query": "..."}.`, text)
	raw, err := o.LLM.GenerateJSON(ctx, llmclient.FAST, "You craft full-text boolean search queries for a keyword search index.", prompt)
	if err != nil {
		return text
	}
	var parsed struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed); err != nil || strings.TrimSpace(parsed.Query) == "" {
		return text
	}
	return parsed.Query
}
