package agents

import (
	"context"
	"time"

	"github.com/corpusqa/corpusqa/internal/convmemory"
	"github.com/corpusqa/corpusqa/internal/llmclient"
	"github.com/corpusqa/corpusqa/internal/state"
)

const summarizeSystemPrompt = `Update the running memory of this conversation given the latest turn. Keep it short: a handful of goals, facts, and unresolved questions, not a transcript.
Return JSON: {"goals": ["..."], "facts": ["..."], "unresolved": ["..."], "summary": "one short paragraph"}`

// maxSummaryContextChars caps the prior-turn context fed into the
// summarization call, keeping it within a small token budget per §4.9.
const maxSummaryContextChars = 4000

// Memory implements §4.9: append the turn to ConversationHistory,
// refresh StructuredMemory via an LLM summarization call, persist. A
// failure here never fails the turn — only a warning is recorded.
type Memory struct {
	Store *convmemory.Store
	LLM   llmclient.Client
}

type summaryResponse struct {
	Goals      []string `json:"goals"`
	Facts      []string `json:"facts"`
	Unresolved []string `json:"unresolved"`
	Summary    string   `json:"summary"`
}

// Run implements the Memory node.
func (m *Memory) Run(ctx context.Context, s *state.State) (*state.State, error) {
	now := time.Now()

	if err := m.Store.Append(ctx, s.SessionID, "user", s.OriginalQuery, now); err != nil {
		s.ThinkingTrace = append(s.ThinkingTrace, warnEvent(state.StepMemory, "failed to append user turn: "+err.Error()))
		return s, nil
	}
	if err := m.Store.Append(ctx, s.SessionID, "assistant", s.FinalAnswer, now); err != nil {
		s.ThinkingTrace = append(s.ThinkingTrace, warnEvent(state.StepMemory, "failed to append assistant turn: "+err.Error()))
		return s, nil
	}

	prior, err := m.Store.ContextPayload(ctx, s.SessionID, 10)
	if err != nil {
		s.ThinkingTrace = append(s.ThinkingTrace, warnEvent(state.StepMemory, "failed to load prior context for summarization: "+err.Error()))
		return s, nil
	}
	if len(prior) > maxSummaryContextChars {
		prior = prior[len(prior)-maxSummaryContextChars:]
	}

	raw, err := m.LLM.GenerateJSON(ctx, llmclient.FAST, summarizeSystemPrompt, prior)
	if err != nil {
		s.ThinkingTrace = append(s.ThinkingTrace, warnEvent(state.StepMemory, "structured memory summarization failed: "+err.Error()))
		return s, nil
	}

	var resp summaryResponse
	if err := decodeJSON(raw, &resp); err != nil {
		s.ThinkingTrace = append(s.ThinkingTrace, warnEvent(state.StepMemory, "structured memory response did not parse"))
		return s, nil
	}

	mem := convmemory.StructuredMemory{Goals: resp.Goals, Facts: resp.Facts, Unresolved: resp.Unresolved}
	if err := m.Store.UpdateStructuredMemory(ctx, s.SessionID, mem, resp.Summary, now); err != nil {
		s.ThinkingTrace = append(s.ThinkingTrace, warnEvent(state.StepMemory, "failed to persist structured memory: "+err.Error()))
	}
	return s, nil
}
