// Package config declares the recognized runtime options (§6) and loads
// them from YAML, matching the teacher's preference for yaml.v3-tagged
// structs over hand-rolled flag parsing for anything beyond the CLI
// entrypoint's own switches.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized option from §6.
type Config struct {
	ParallelResearch bool `yaml:"parallel_research"`
	UseReranker      bool `yaml:"use_reranker"`

	CacheTTLDays int `yaml:"cache_ttl_days"`
	MaxRetries   int `yaml:"max_retries"`

	ValidationThresholdCache    int `yaml:"validation_threshold_cache"`
	ValidationThresholdSubquery int `yaml:"validation_threshold_subquery"`

	QualityMinAnswerLen   int     `yaml:"quality_min_answer_len"`
	QualityMinConfidence  float64 `yaml:"quality_min_confidence"`

	LLMTimeoutSeconds       int `yaml:"llm_timeout_s"`
	RetrievalTimeoutSeconds int `yaml:"retrieval_timeout_s"`
	WebTimeoutSeconds       int `yaml:"web_timeout_s"`
	SubqueryBudgetSeconds   int `yaml:"subquery_budget_s"`
	TurnBudgetSeconds       int `yaml:"turn_budget_s"`

	RerankerPoolSize int `yaml:"reranker_pool_size"`
	RerankerTopN     int `yaml:"reranker_top_n"`

	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	LLM      LLMConfig      `yaml:"llm"`
	HTTPAddr string         `yaml:"http_addr"`
}

// RedisConfig configures the answer cache backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// PostgresConfig configures the conversation memory backend.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// LLMConfig configures the provider client.
type LLMConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	QualityModel string `yaml:"quality_model"`
	FastModel    string `yaml:"fast_model"`
}

// Default returns the documented defaults from §6.
func Default() *Config {
	return &Config{
		ParallelResearch: true,
		UseReranker:      false,

		CacheTTLDays: 30,
		MaxRetries:   3,

		ValidationThresholdCache:    7,
		ValidationThresholdSubquery: 6,

		QualityMinAnswerLen:  100,
		QualityMinConfidence: 0.7,

		LLMTimeoutSeconds:       30,
		RetrievalTimeoutSeconds: 15,
		WebTimeoutSeconds:       20,
		SubqueryBudgetSeconds:   45,
		TurnBudgetSeconds:       120,

		RerankerPoolSize: 20,
		RerankerTopN:     5,

		Redis:    RedisConfig{Addr: "localhost:6379", Prefix: "corpusqa:"},
		Postgres: PostgresConfig{DSN: "postgres://localhost:5432/corpusqa"},
		LLM:      LLMConfig{QualityModel: "gpt-4o", FastModel: "gpt-4o-mini"},
		HTTPAddr: ":8080",
	}
}

// Load reads YAML from path, applying it on top of Default(); a missing
// file is not an error — callers run on defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLDays) * 24 * time.Hour
}

func (c *Config) LLMTimeout() time.Duration       { return time.Duration(c.LLMTimeoutSeconds) * time.Second }
func (c *Config) RetrievalTimeout() time.Duration { return time.Duration(c.RetrievalTimeoutSeconds) * time.Second }
func (c *Config) WebTimeout() time.Duration       { return time.Duration(c.WebTimeoutSeconds) * time.Second }
func (c *Config) SubqueryBudget() time.Duration   { return time.Duration(c.SubqueryBudgetSeconds) * time.Second }
func (c *Config) TurnBudget() time.Duration       { return time.Duration(c.TurnBudgetSeconds) * time.Second }
