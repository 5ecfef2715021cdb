package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusqa/corpusqa/internal/answercache"
	"github.com/corpusqa/corpusqa/internal/convmemory"
	"github.com/corpusqa/corpusqa/internal/engine"
	"github.com/corpusqa/corpusqa/internal/llmclient"
	"github.com/corpusqa/corpusqa/internal/research"
	"github.com/corpusqa/corpusqa/internal/retrieval/embedding"
	"github.com/corpusqa/corpusqa/internal/retrieval/graphstore"
	"github.com/corpusqa/corpusqa/internal/state"
)

type scriptedLLM struct{}

func (scriptedLLM) Generate(ctx context.Context, tier llmclient.Tier, prompt string) (string, error) {
	return "a synthesized answer citing [1607.12] that is long enough to pass the quality gate easily, twice over in fact.", nil
}

func (scriptedLLM) GenerateJSON(ctx context.Context, tier llmclient.Tier, systemPrompt, userPrompt string) (string, error) {
	if strings.Contains(systemPrompt, "Classify the user's question") {
		return `{"triage_class":"engage","triage_reason":"needs research"}`, nil
	}
	if strings.Contains(systemPrompt, "Decompose the user's question") {
		return `{"reasoning":"r","plan_classification":"engage","mode":"strategist","plan":[{"sub_query":"what governs live loads"}]}`, nil
	}
	return `{"score":8,"reasoning":"ok"}`, nil
}

type fakeWeb struct{}

func (fakeWeb) Search(ctx context.Context, query string) ([]state.RetrievedChunk, error) {
	return nil, nil
}

func buildTestServer(t *testing.T) (*Server, *answercache.Cache) {
	t.Helper()

	mr := miniredis.RunT(t)
	cache := answercache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), answercache.Options{})

	store := graphstore.NewMemoryGraphStore([]graphstore.Entity{
		{ID: "1607.12", Type: "section", Title: "Live loads", Text: "minimum uniformly distributed live loads for floors", Embedding: []float64{1, 0}},
	}, embedding.NewHashingEmbedder(64))

	orchestrator := &research.Orchestrator{
		Graph:    store,
		Web:      fakeWeb{},
		Embedder: embedding.NewHashingEmbedder(64),
		LLM:      scriptedLLM{},
		Config:   research.Config{ValidationThreshold: 6},
	}

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec(".*").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(".*").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	memStore := convmemory.NewStore(mock, convmemory.Options{})

	eng, err := engine.Build(engine.Deps{
		LLM:          scriptedLLM{},
		Cache:        cache,
		Orchestrator: orchestrator,
		MemoryStore:  memStore,
		MaxRetries:   3,
	})
	require.NoError(t, err)

	return &Server{Engine: eng, Cache: cache}, cache
}

func TestCacheStatsReturnsEmptyStatsOnFreshCache(t *testing.T) {
	srv, _ := buildTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/cache/stats", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var stats answercache.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.Entries)
}

func TestCacheClearRequiresConfirmParam(t *testing.T) {
	srv, _ := buildTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/cache/clear", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCacheClearSucceedsWithConfirm(t *testing.T) {
	srv, _ := buildTestServer(t)

	req := httptest.NewRequest(http.MethodDelete, "/cache/clear?confirm=true", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCacheClearRejectsNonDeleteMethod(t *testing.T) {
	srv, _ := buildTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/cache/clear?confirm=true", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCacheSearchReturnsEmptyListWhenNothingCached(t *testing.T) {
	srv, _ := buildTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/cache/search?q=live+loads", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var results []answercache.SearchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	assert.Empty(t, results)
}

func TestHandleTurnRejectsEmptyQuery(t *testing.T) {
	srv, _ := buildTestServer(t)

	body := strings.NewReader(`{"session_id":"s1","query":""}`)
	req := httptest.NewRequest(http.MethodPost, "/turn", body)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleTurnRejectsNonPostMethod(t *testing.T) {
	srv, _ := buildTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/turn", nil)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleTurnGeneratesSessionIDWhenOmitted(t *testing.T) {
	srv, _ := buildTestServer(t)

	body := strings.NewReader(`{"query":"what governs floor live loads in general"}`)
	req := httptest.NewRequest(http.MethodPost, "/turn", body)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.Contains(t, out, "event: metadata")
	assert.NotContains(t, out, `"session_id":""`)
}

func TestHandleTurnStreamsTraceAndResultEvents(t *testing.T) {
	srv, _ := buildTestServer(t)

	body := strings.NewReader(`{"session_id":"s1","query":"what governs floor live loads in general"}`)
	req := httptest.NewRequest(http.MethodPost, "/turn", body)
	rec := httptest.NewRecorder()
	srv.Mux().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.Contains(t, out, "event: result")
	assert.Contains(t, out, "event: done")
}
