package research

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/corpusqa/corpusqa/internal/llmclient"
	"github.com/corpusqa/corpusqa/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGraph lets each test control exactly which strategy succeeds.
type fakeGraph struct {
	vectorChunks  []state.RetrievedChunk
	keywordChunks []state.RetrievedChunk
	directChunks  map[string][]state.RetrievedChunk
	children      map[string][]state.RetrievedChunk
	vectorErr     error
	keywordErr    error
}

func (f *fakeGraph) VectorSearch(ctx context.Context, embedding []float64, k int) ([]state.RetrievedChunk, error) {
	return f.vectorChunks, f.vectorErr
}
func (f *fakeGraph) KeywordSearch(ctx context.Context, q string, k int) ([]state.RetrievedChunk, error) {
	return f.keywordChunks, f.keywordErr
}
func (f *fakeGraph) DirectLookup(ctx context.Context, id string) ([]state.RetrievedChunk, error) {
	c, ok := f.directChunks[id]
	if !ok {
		return nil, fmt.Errorf("not found: %s", id)
	}
	return c, nil
}
func (f *fakeGraph) Children(ctx context.Context, id string) ([]state.RetrievedChunk, error) {
	return f.children[id], nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return []float64{1, 0}, nil
}

// scriptedLLM answers GenerateJSON with canned validation scores keyed
// by a substring of the prompt, so each strategy's validation outcome is
// test-controlled.
type scriptedLLM struct {
	scoreFor map[string]int // substring -> score
	strategy string         // returned by the strategy-refinement call; "" keeps rule-based
}

func (s *scriptedLLM) Generate(ctx context.Context, tier llmclient.Tier, prompt string) (string, error) {
	return "", nil
}

func (s *scriptedLLM) GenerateJSON(ctx context.Context, tier llmclient.Tier, systemPrompt, userPrompt string) (string, error) {
	if s.strategy != "" {
		// heuristic: the strategy-refinement prompt mentions "best retrieval strategy"
	}
	for substr, score := range s.scoreFor {
		if strings.Contains(userPrompt, substr) {
			return fmt.Sprintf(`{"score": %d, "reasoning": "scripted"}`, score), nil
		}
	}
	if strings.Contains(systemPrompt, "retrieval strategy") {
		return fmt.Sprintf(`{"strategy": %q}`, s.strategy), nil
	}
	return `{"score": 5, "reasoning": "default"}`, nil
}

func TestRunPrimaryStrategySucceedsWithoutFallback(t *testing.T) {
	graph := &fakeGraph{vectorChunks: []state.RetrievedChunk{{UID: "c1", Text: "good content about live load"}}}
	llm := &scriptedLLM{scoreFor: map[string]int{"good content": 9}}

	o := &Orchestrator{Graph: graph, LLM: llm, Embedder: fakeEmbedder{}, Config: Config{ValidationThreshold: 6}}
	plan := &state.ResearchPlan{SubQueries: []state.SubQuery{{Text: "what is live load"}}}

	out, err := o.Run(context.Background(), plan, false)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, state.SubQueryOK, out[0].Status)
	assert.False(t, out[0].UsedFallback)
}

func TestRunFallsBackToWebWhenPrimaryAndChainFail(t *testing.T) {
	graph := &fakeGraph{
		vectorChunks:  []state.RetrievedChunk{{UID: "v", Text: "irrelevant vector hit"}},
		keywordChunks: []state.RetrievedChunk{{UID: "k", Text: "irrelevant keyword hit"}},
	}
	llm := &scriptedLLM{scoreFor: map[string]int{"web result content": 9}}
	web := &fakeWeb{chunks: []state.RetrievedChunk{{UID: "w", SourceTag: state.SourceWeb, Text: "web result content"}}}

	o := &Orchestrator{Graph: graph, LLM: llm, Embedder: fakeEmbedder{}, Web: web, Config: Config{ValidationThreshold: 6}}
	plan := &state.ResearchPlan{SubQueries: []state.SubQuery{{Text: "obscure topic"}}}

	out, err := o.Run(context.Background(), plan, false)
	require.NoError(t, err)
	assert.Equal(t, state.SubQueryOK, out[0].Status)
	assert.True(t, out[0].UsedFallback)
	assert.Equal(t, "w", out[0].Result[0].UID)
}

func TestRunZeroSuccessesReturnsRetrievalExhausted(t *testing.T) {
	graph := &fakeGraph{
		vectorChunks:  []state.RetrievedChunk{{UID: "v", Text: "nothing useful"}},
		keywordChunks: []state.RetrievedChunk{{UID: "k", Text: "nothing useful"}},
	}
	llm := &scriptedLLM{} // every validation defaults to score 5, below threshold 6
	o := &Orchestrator{Graph: graph, LLM: llm, Embedder: fakeEmbedder{}, Config: Config{ValidationThreshold: 6}}
	plan := &state.ResearchPlan{SubQueries: []state.SubQuery{{Text: "anything"}}}

	out, err := o.Run(context.Background(), plan, false)
	assert.ErrorIs(t, err, ErrRetrievalExhausted)
	assert.Equal(t, state.SubQueryFailed, out[0].Status)
}

func TestRunPreservesPlanOrderUnderConcurrency(t *testing.T) {
	graph := &fakeGraph{vectorChunks: []state.RetrievedChunk{{UID: "c", Text: "match content"}}}
	llm := &scriptedLLM{scoreFor: map[string]int{"match content": 8}}
	o := &Orchestrator{Graph: graph, LLM: llm, Embedder: fakeEmbedder{}, Config: Config{ValidationThreshold: 6}}

	var sqs []state.SubQuery
	for i := 0; i < 10; i++ {
		sqs = append(sqs, state.SubQuery{Text: fmt.Sprintf("question %d", i)})
	}
	plan := &state.ResearchPlan{SubQueries: sqs}

	out, err := o.Run(context.Background(), plan, false)
	require.NoError(t, err)
	require.Len(t, out, 10)
	for i, sq := range out {
		assert.Equal(t, fmt.Sprintf("question %d", i), sq.Text)
	}
}

func TestDirectStrategyResolvesEntityHint(t *testing.T) {
	graph := &fakeGraph{directChunks: map[string][]state.RetrievedChunk{
		"1607.9.1": {{UID: "table", Text: "table contents with values"}},
	}}
	llm := &scriptedLLM{scoreFor: map[string]int{"table contents": 9}}
	o := &Orchestrator{Graph: graph, LLM: llm, Embedder: fakeEmbedder{}, Config: Config{ValidationThreshold: 6}}

	plan := &state.ResearchPlan{SubQueries: []state.SubQuery{{Text: "show me Table 1607.9.1", EntityHint: "Table 1607.9.1"}}}
	out, err := o.Run(context.Background(), plan, false)
	require.NoError(t, err)
	assert.Equal(t, state.StrategyDirect, out[0].Strategy)
	assert.Equal(t, state.SubQueryOK, out[0].Status)
}

func TestMathExpansionMergesSiblingSections(t *testing.T) {
	graph := &fakeGraph{
		vectorChunks: []state.RetrievedChunk{{UID: "eq", Text: "Equation 16-7 reduced live load"}},
		children: map[string][]state.RetrievedChunk{
			"1607.12": {{UID: "sibling", Text: "KLL table values"}},
		},
	}
	llm := &scriptedLLM{scoreFor: map[string]int{"KLL table values": 9}}
	o := &Orchestrator{Graph: graph, LLM: llm, Embedder: fakeEmbedder{}, Config: Config{ValidationThreshold: 6}}

	plan := &state.ResearchPlan{SubQueries: []state.SubQuery{{Text: "Calculate using Equation 16-7"}}}
	out, err := o.Run(context.Background(), plan, false)
	require.NoError(t, err)
	assert.Equal(t, state.SubQueryOK, out[0].Status)

	var uids []string
	for _, c := range out[0].Result {
		uids = append(uids, c.UID)
	}
	assert.Contains(t, uids, "sibling")
}

type fakeWeb struct {
	chunks []state.RetrievedChunk
}

func (f *fakeWeb) Search(ctx context.Context, query string) ([]state.RetrievedChunk, error) {
	return f.chunks, nil
}

func TestRunWebOnlySkipsGraphStoreEntirely(t *testing.T) {
	graph := &fakeGraph{} // no chunks configured; a non-web-only run would fail outright
	llm := &scriptedLLM{scoreFor: map[string]int{"web result content": 9}}
	web := &fakeWeb{chunks: []state.RetrievedChunk{{UID: "w", SourceTag: state.SourceWeb, Text: "web result content"}}}

	o := &Orchestrator{Graph: graph, LLM: llm, Embedder: fakeEmbedder{}, Web: web, Config: Config{ValidationThreshold: 6}}
	plan := &state.ResearchPlan{SubQueries: []state.SubQuery{{Text: "obscure topic"}}}

	out, err := o.Run(context.Background(), plan, true)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, state.SubQueryOK, out[0].Status)
	assert.Equal(t, []state.Strategy{"web"}, out[0].FallbackPath)
	assert.Equal(t, "w", out[0].Result[0].UID)
}

func TestRunWebOnlyWithNoWebProviderFails(t *testing.T) {
	graph := &fakeGraph{vectorChunks: []state.RetrievedChunk{{UID: "v", Text: "good content"}}}
	llm := &scriptedLLM{scoreFor: map[string]int{"good content": 9}}
	o := &Orchestrator{Graph: graph, LLM: llm, Embedder: fakeEmbedder{}, Config: Config{ValidationThreshold: 6}}
	plan := &state.ResearchPlan{SubQueries: []state.SubQuery{{Text: "anything"}}}

	out, err := o.Run(context.Background(), plan, true)
	assert.ErrorIs(t, err, ErrRetrievalExhausted)
	assert.Equal(t, state.SubQueryFailed, out[0].Status)
}

func TestKeywordStrategyCraftsBooleanQueryViaLLM(t *testing.T) {
	graph := &fakeGraph{keywordChunks: []state.RetrievedChunk{{UID: "k", Text: "matching keyword content"}}}
	llm := &booleanQueryLLM{query: `live load -dead`, score: 9}
	o := &Orchestrator{Graph: graph, LLM: llm, Embedder: fakeEmbedder{}, Config: Config{ValidationThreshold: 6}}

	got := o.buildBooleanQuery(context.Background(), "what governs live load")
	assert.Equal(t, "live load -dead", got)
}

func TestKeywordStrategyFallsBackToPlainTextOnLLMFailure(t *testing.T) {
	o := &Orchestrator{LLM: &booleanQueryLLM{err: fmt.Errorf("boom")}}
	got := o.buildBooleanQuery(context.Background(), "what governs live load")
	assert.Equal(t, "what governs live load", got)
}

// booleanQueryLLM scripts GenerateJSON's boolean-query response in
// isolation from scriptedLLM's validation-score scripting above.
type booleanQueryLLM struct {
	query string
	score int
	err   error
}

func (b *booleanQueryLLM) Generate(ctx context.Context, tier llmclient.Tier, prompt string) (string, error) {
	return "", nil
}

func (b *booleanQueryLLM) GenerateJSON(ctx context.Context, tier llmclient.Tier, systemPrompt, userPrompt string) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	if strings.Contains(systemPrompt, "boolean search queries") {
		return fmt.Sprintf(`{"query": %q}`, b.query), nil
	}
	return fmt.Sprintf(`{"score": %d, "reasoning": "scripted"}`, b.score), nil
}
