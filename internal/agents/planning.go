package agents

import (
	"context"
	"regexp"
	"strings"

	"github.com/corpusqa/corpusqa/internal/llmclient"
	"github.com/corpusqa/corpusqa/internal/state"
)

const planningSystemPrompt = `Decompose the user's question into a research plan.
Detect "calculation intent": does the question require locating a formula, extracting numeric values, and computing a result? If so use specialist mode with 6-8 granular steps (locate formula, define variables, extract values, look up tables, compute, validate against limits). Otherwise use strategist mode with 2-4 consolidated steps spanning chapters or themes.
If the question cannot be planned because it is too ambiguous, return plan_classification "clarify" with a user-facing message in "final_answer". If it is off-topic or disallowed, return "reject" the same way.
Return JSON: {"reasoning": "...", "plan_classification": "engage|clarify|reject", "final_answer": "", "mode": "strategist|specialist", "plan": [{"sub_query": "...", "hint": "..."}]}`

// calculationIntentPattern flags keyword + numeric-with-unit phrasings
// that push Planning into specialist mode.
var calculationIntentPattern = regexp.MustCompile(`(?i)\b(calculate|compute|determine the (load|capacity|force|stress)|how many|what is the (required|minimum|maximum))\b`)
var numericWithUnitPattern = regexp.MustCompile(`\b\d+(\.\d+)?\s*(psf|psi|ksi|lbs?|ft|in|kips?|mph|sq\s*ft)\b`)

// Planning implements §4.3.
type Planning struct {
	LLM llmclient.Client
}

type planningResponse struct {
	Reasoning          string            `json:"reasoning"`
	PlanClassification string            `json:"plan_classification"`
	FinalAnswer        string            `json:"final_answer"`
	Mode               string            `json:"mode"`
	Plan               []planStepJSON    `json:"plan"`
}

type planStepJSON struct {
	SubQuery string `json:"sub_query"`
	Hint     string `json:"hint"`
}

// Run implements the Planning node.
func (p *Planning) Run(ctx context.Context, s *state.State) (*state.State, error) {
	defaultMode := state.PlanModeStrategist
	if detectsCalculationIntent(s.UserQuery) {
		defaultMode = state.PlanModeSpecialist
	}

	raw, err := p.LLM.GenerateJSON(ctx, llmclient.QUALITY, planningSystemPrompt, s.UserQuery)
	if err != nil {
		s.Plan = SingleStepPlan(s.UserQuery, defaultMode)
		s.ThinkingTrace = append(s.ThinkingTrace, warnEvent(state.StepPlanning, "planning LLM call failed; falling back to single-step plan"))
		return s, nil
	}

	var resp planningResponse
	if err := decodeJSON(raw, &resp); err != nil || len(resp.Plan) == 0 {
		s.Plan = SingleStepPlan(s.UserQuery, defaultMode)
		s.ThinkingTrace = append(s.ThinkingTrace, warnEvent(state.StepPlanning, "planning response did not parse or was empty; falling back to single-step plan"))
		return s, nil
	}

	switch resp.PlanClassification {
	case "clarify":
		s.Plan = &state.ResearchPlan{Mode: defaultMode, Classification: state.PlanClarify, Reasoning: resp.Reasoning}
		s.FinalAnswer = resp.FinalAnswer
		return s, nil
	case "reject":
		s.Plan = &state.ResearchPlan{Mode: defaultMode, Classification: state.PlanReject, Reasoning: resp.Reasoning}
		s.FinalAnswer = resp.FinalAnswer
		return s, nil
	}

	mode := defaultMode
	if resp.Mode == string(state.PlanModeSpecialist) {
		mode = state.PlanModeSpecialist
	} else if resp.Mode == string(state.PlanModeStrategist) {
		mode = state.PlanModeStrategist
	}

	subQueries := make([]state.SubQuery, 0, len(resp.Plan))
	for _, step := range resp.Plan {
		if strings.TrimSpace(step.SubQuery) == "" {
			continue
		}
		subQueries = append(subQueries, state.SubQuery{Text: step.SubQuery, EntityHint: step.Hint, Status: state.SubQueryPending})
	}
	if len(subQueries) == 0 {
		s.Plan = SingleStepPlan(s.UserQuery, defaultMode)
		s.ThinkingTrace = append(s.ThinkingTrace, warnEvent(state.StepPlanning, "planning response had no usable sub-queries; falling back to single-step plan"))
		return s, nil
	}

	s.Plan = &state.ResearchPlan{
		SubQueries:     subQueries,
		Mode:           mode,
		Classification: state.PlanEngage,
		Reasoning:      resp.Reasoning,
	}
	return s, nil
}

func detectsCalculationIntent(query string) bool {
	return calculationIntentPattern.MatchString(query) || numericWithUnitPattern.MatchString(query)
}

// SingleStepPlan builds the one-subquery fallback plan §4.3's contract
// requires on parse failure, also reused by the Error Handler's planning
// degradation and by the engine's direct_retrieval short-circuit.
func SingleStepPlan(userQuery string, mode state.PlanMode) *state.ResearchPlan {
	return &state.ResearchPlan{
		SubQueries:     []state.SubQuery{{Text: userQuery, Status: state.SubQueryPending}},
		Mode:           mode,
		Classification: state.PlanEngage,
		Reasoning:      "fallback single-step plan",
	}
}
