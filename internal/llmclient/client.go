// Package llmclient is the provider-agnostic text-generation interface
// consumed by the agents, with two capability tiers. It wraps two
// concrete providers from the pack: langchaingo's llms.Model for
// free-text generation (synthesis, HyDE prose, contextual answers) and
// sashabaranov/go-openai directly for calls that need a raw chat
// completion with a JSON-biased response format (triage, planning,
// validation, strategy refinement).
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/tmc/langchaingo/llms"
)

// Tier selects which model a call is routed to. QUALITY is reserved for
// planning and synthesis; FAST backs triage, validation, strategy
// selection, and memory summarization.
type Tier string

const (
	QUALITY Tier = "quality"
	FAST    Tier = "fast"
)

// ErrEmptyResponse is returned when a provider call succeeds but yields
// no usable text.
var ErrEmptyResponse = errors.New("llmclient: empty response")

// Client is the interface agents depend on; it never leaks provider
// types so agents stay swappable between the langchaingo and raw
// go-openai backends.
type Client interface {
	// Generate produces free-text completion for prompt at the given
	// tier.
	Generate(ctx context.Context, tier Tier, prompt string) (string, error)
	// GenerateJSON asks for a response biased toward a JSON object and
	// returns the raw text for the caller to parse; callers must treat
	// parse failure as a normal, non-fatal condition per §4.2/§4.3/§4.5.
	GenerateJSON(ctx context.Context, tier Tier, systemPrompt, userPrompt string) (string, error)
}

// Models names the concrete model identifier used per tier and per
// backend call shape.
type Models struct {
	QualityModel string
	FastModel    string
}

// DefaultModels mirrors common OpenAI-compatible defaults; override via
// configuration for a different provider.
func DefaultModels() Models {
	return Models{QualityModel: "gpt-4o", FastModel: "gpt-4o-mini"}
}

// OpenAIClient implements Client atop both a langchaingo llms.Model
// (used for prose generation, matching the teacher's getLLM()+
// GenerateFromSinglePrompt pattern) and a raw *openai.Client (used for
// JSON-format chat completions, where the structured response_format
// field the go-openai SDK exposes is more direct than langchaingo's).
type OpenAIClient struct {
	prose  llms.Model
	raw    *openai.Client
	models Models
	// CallTimeout bounds each individual provider call; a zero value
	// disables the bound and leaves cancellation entirely to ctx.
	CallTimeout time.Duration
}

// NewOpenAIClient builds a Client from an already-constructed
// langchaingo model (used for Generate) and go-openai client
// (used for GenerateJSON). Passing nil for either disables that half of
// the interface; callers get a "not configured" error instead of a panic.
func NewOpenAIClient(prose llms.Model, raw *openai.Client, models Models) *OpenAIClient {
	return &OpenAIClient{prose: prose, raw: raw, models: models, CallTimeout: 30 * time.Second}
}

var _ Client = (*OpenAIClient)(nil)

func (c *OpenAIClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.CallTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.CallTimeout)
}

func (c *OpenAIClient) modelFor(tier Tier) string {
	if tier == QUALITY {
		return c.models.QualityModel
	}
	return c.models.FastModel
}

// Generate implements Client using the langchaingo model.
func (c *OpenAIClient) Generate(ctx context.Context, tier Tier, prompt string) (string, error) {
	if c.prose == nil {
		return "", fmt.Errorf("llmclient: no prose model configured")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	text, err := llms.GenerateFromSinglePrompt(ctx, c.prose, prompt,
		llms.WithModel(c.modelFor(tier)),
		llms.WithTemperature(temperatureFor(tier)),
	)
	if err != nil {
		return "", fmt.Errorf("llmclient: generate: %w", err)
	}
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// GenerateJSON implements Client using the raw go-openai chat
// completion call with a JSON object response format.
func (c *OpenAIClient) GenerateJSON(ctx context.Context, tier Tier, systemPrompt, userPrompt string) (string, error) {
	if c.raw == nil {
		return "", fmt.Errorf("llmclient: no raw client configured")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	resp, err := c.raw.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.modelFor(tier),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature:    float32(temperatureFor(tier)),
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return "", fmt.Errorf("llmclient: generate json: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

func temperatureFor(tier Tier) float64 {
	if tier == QUALITY {
		return 0.4
	}
	return 0.0
}
