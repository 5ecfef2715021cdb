package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateJSONUsesFastModelForFastTier(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel = req.Model
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Content: `{"ok":true}`},
			}},
		})
	}))
	defer srv.Close()

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL
	raw := openai.NewClientWithConfig(cfg)

	c := NewOpenAIClient(nil, raw, Models{QualityModel: "gpt-4o", FastModel: "gpt-4o-mini"})

	out, err := c.GenerateJSON(context.Background(), FAST, "system", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Equal(t, "gpt-4o-mini", gotModel)
}

func TestGenerateJSONEmptyChoicesIsErrEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{})
	}))
	defer srv.Close()

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL
	raw := openai.NewClientWithConfig(cfg)

	c := NewOpenAIClient(nil, raw, DefaultModels())
	_, err := c.GenerateJSON(context.Background(), QUALITY, "s", "u")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestGenerateWithoutProseModelErrors(t *testing.T) {
	c := NewOpenAIClient(nil, nil, DefaultModels())
	_, err := c.Generate(context.Background(), QUALITY, "hi")
	assert.Error(t, err)
}
