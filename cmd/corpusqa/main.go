// Command corpusqa runs the HTTP surface over the multi-agent turn
// engine: it loads configuration, wires every collaborator (LLM,
// answer cache, conversation memory, knowledge-graph store, research
// orchestrator), builds the compiled workflow graph, and serves §6's
// HTTP endpoints. Wiring shape — flag-parsed entrypoint, stdlib
// net/http server with explicit timeouts, kataras/golog for process
// logging — follows the teacher's showcases/chat/main.go and
// showcases/ai-pdf-chatbot/backend/main.go.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/kataras/golog"
	"github.com/redis/go-redis/v9"
	"github.com/sashabaranov/go-openai"
	langchainopenai "github.com/tmc/langchaingo/llms/openai"

	"github.com/corpusqa/corpusqa/internal/answercache"
	"github.com/corpusqa/corpusqa/internal/api"
	"github.com/corpusqa/corpusqa/internal/config"
	"github.com/corpusqa/corpusqa/internal/convmemory"
	"github.com/corpusqa/corpusqa/internal/engine"
	"github.com/corpusqa/corpusqa/internal/llmclient"
	"github.com/corpusqa/corpusqa/internal/research"
	"github.com/corpusqa/corpusqa/internal/retrieval/embedding"
	"github.com/corpusqa/corpusqa/internal/retrieval/graphstore"
	"github.com/corpusqa/corpusqa/internal/retrieval/websearch"
	"github.com/corpusqa/corpusqa/log"
)

func main() {
	configPath := flag.String("config", "corpusqa.yaml", "path to the YAML configuration file")
	corpusPath := flag.String("corpus", "", "path to a JSON file of corpus entities (graphstore.Entity array); empty runs against an empty graph")
	httpAddr := flag.String("addr", "", "override the configured http_addr")
	flag.Parse()

	glog := golog.New()
	glog.SetPrefix("[corpusqa] ")
	logger := log.NewGologLogger(glog)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config: %v", err)
		os.Exit(1)
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}

	ctx := context.Background()

	eng, cache, err := build(ctx, cfg, *corpusPath, logger)
	if err != nil {
		logger.Error("failed to build engine: %v", err)
		os.Exit(1)
	}

	srv := &api.Server{Engine: eng, Cache: cache, Logger: logger}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.TurnBudget() + 10*time.Second,
	}

	logger.Info("corpusqa listening on %s", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server stopped: %v", err)
		os.Exit(1)
	}
}

// build wires every collaborator into a compiled Engine. Split out from
// main so the wiring itself stays testable-by-reading even though this
// binary's own tests live one level down, in the packages it wires.
func build(ctx context.Context, cfg *config.Config, corpusPath string, logger log.Logger) (*engine.Engine, *answercache.Cache, error) {
	llm, err := buildLLMClient(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("llm client: %w", err)
	}

	cache := answercache.New(redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}), answercache.Options{
		Prefix: cfg.Redis.Prefix,
		TTL:    cfg.CacheTTL(),
		Gate: answercache.QualityGate{
			MinAnswerLen:  cfg.QualityMinAnswerLen,
			MinConfidence: cfg.QualityMinConfidence,
		},
	})

	memStore, err := convmemory.Connect(ctx, cfg.Postgres.DSN, convmemory.Options{})
	if err != nil {
		return nil, nil, fmt.Errorf("conversation memory: %w", err)
	}

	entities, err := loadCorpus(corpusPath)
	if err != nil {
		return nil, nil, fmt.Errorf("corpus: %w", err)
	}
	embedder := embedding.NewHashingEmbedder(128)
	graph := graphstore.NewMemoryGraphStore(entities, embedder)

	orchestrator := &research.Orchestrator{
		Graph:    graph,
		Web:      websearch.NewProvider(disabledSearchClient{}, 5),
		Embedder: embedder,
		LLM:      llm,
		Config: research.Config{
			ValidationThreshold: cfg.ValidationThresholdSubquery,
			UseReranker:         cfg.UseReranker,
			RerankerPoolSize:    cfg.RerankerPoolSize,
			RerankerTopN:        cfg.RerankerTopN,
			SubqueryBudget:      cfg.SubqueryBudget(),
		},
	}

	eng, err := engine.Build(engine.Deps{
		LLM:          llm,
		Cache:        cache,
		Orchestrator: orchestrator,
		MemoryStore:  memStore,
		MaxRetries:   cfg.MaxRetries,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("engine: %w", err)
	}
	return eng, cache, nil
}

func buildLLMClient(cfg *config.Config) (*llmclient.OpenAIClient, error) {
	opts := []langchainopenai.Option{
		langchainopenai.WithModel(cfg.LLM.QualityModel),
		langchainopenai.WithToken(cfg.LLM.APIKey),
	}
	if cfg.LLM.BaseURL != "" {
		opts = append(opts, langchainopenai.WithBaseURL(cfg.LLM.BaseURL))
	}
	prose, err := langchainopenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("langchaingo openai model: %w", err)
	}

	rawCfg := openai.DefaultConfig(cfg.LLM.APIKey)
	if cfg.LLM.BaseURL != "" {
		rawCfg.BaseURL = cfg.LLM.BaseURL
	}
	raw := openai.NewClientWithConfig(rawCfg)

	client := llmclient.NewOpenAIClient(prose, raw, llmclient.Models{
		QualityModel: cfg.LLM.QualityModel,
		FastModel:    cfg.LLM.FastModel,
	})
	client.CallTimeout = cfg.LLMTimeout()
	return client, nil
}

// loadCorpus reads the JSON array of entities the graph store serves
// from; an empty path is valid and starts the process with an empty
// graph (useful for a first smoke run before the corpus is loaded).
func loadCorpus(path string) ([]graphstore.Entity, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entities []graphstore.Entity
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, fmt.Errorf("parse corpus json: %w", err)
	}
	return entities, nil
}

// disabledSearchClient is the websearch.SearchClient used until a real
// search provider is configured: it returns no results rather than
// erroring, so the fallback chain degrades to "no web results" instead
// of failing the whole sub-query.
type disabledSearchClient struct{}

func (disabledSearchClient) Search(ctx context.Context, query string) ([]websearch.SearchResult, error) {
	return nil, nil
}
