// Package validate implements the Validation Agent (§4.5): a single LLM
// rubric call shared by cache re-validation and the per-SubQuery gate
// inside the Research Orchestrator. It is a leaf package — no other
// internal package depends on it depending back on them — so both
// Triage (for cache re-validation) and the orchestrator can import it
// without a cycle.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/corpusqa/corpusqa/internal/llmclient"
	"github.com/corpusqa/corpusqa/internal/state"
)

const rubricSystemPrompt = `You score how well a piece of context answers a query, on a fixed rubric:
10 = exact match, all variables and values are defined
9-7 = sufficient to answer completely, minor gaps
6 = sufficient to answer the core question
5 = partially relevant but missing key facts
4-2 = mostly irrelevant
1 = wrong or unrelated
Respond with a JSON object: {"score": <integer 1-10>, "reasoning": "<one sentence>"}`

type rubricResponse struct {
	Score     int    `json:"score"`
	Reasoning string `json:"reasoning"`
}

// NeutralScore is returned whenever the LLM response fails to parse;
// §4.5 calls this out explicitly as a non-fatal default.
const NeutralScore = 5

// Validate implements validate(query, context) -> {score, reasoning}
// against llm's FAST tier.
func Validate(ctx context.Context, llm llmclient.Client, query, context_ string) (state.Validation, error) {
	userPrompt := fmt.Sprintf("Query: %s\n\nContext:\n%s", query, context_)

	raw, err := llm.GenerateJSON(ctx, llmclient.FAST, rubricSystemPrompt, userPrompt)
	if err != nil {
		return state.Validation{Score: NeutralScore, Reasoning: "validation call failed; defaulted to neutral score"}, nil
	}

	var parsed rubricResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed); err != nil {
		return state.Validation{Score: NeutralScore, Reasoning: "validation response did not parse; defaulted to neutral score"}, nil
	}
	if parsed.Score < 1 || parsed.Score > 10 {
		return state.Validation{Score: NeutralScore, Reasoning: "validation score out of range; defaulted to neutral score"}, nil
	}
	return state.Validation{Score: parsed.Score, Reasoning: parsed.Reasoning}, nil
}
