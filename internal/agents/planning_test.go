package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corpusqa/corpusqa/internal/state"
)

func TestPlanningParsesValidJSONPlan(t *testing.T) {
	p := &Planning{LLM: &scriptedLLM{json: `{
		"reasoning": "two themes",
		"plan_classification": "engage",
		"mode": "strategist",
		"plan": [{"sub_query": "what governs live loads"}, {"sub_query": "what governs wind loads"}]
	}`}}
	s := state.New("s1", "what governs live and wind loads", "", 3)

	got, err := p.Run(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, got.Plan)
	assert.Equal(t, state.PlanModeStrategist, got.Plan.Mode)
	assert.Len(t, got.Plan.SubQueries, 2)
}

func TestPlanningDetectsCalculationIntentWhenLLMOmitsMode(t *testing.T) {
	p := &Planning{LLM: &scriptedLLM{json: `{
		"reasoning": "numeric",
		"plan_classification": "engage",
		"plan": [{"sub_query": "locate the formula"}]
	}`}}
	s := state.New("s1", "calculate the required live load in psf for this floor", "", 3)

	got, err := p.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, state.PlanModeSpecialist, got.Plan.Mode)
}

func TestPlanningParseFailureFallsBackToSingleStep(t *testing.T) {
	p := &Planning{LLM: &scriptedLLM{json: "not json"}}
	s := state.New("s1", "what is section 1607", "", 3)

	got, err := p.Run(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, got.Plan)
	assert.Len(t, got.Plan.SubQueries, 1)
	assert.Equal(t, "what is section 1607", got.Plan.SubQueries[0].Text)
	assert.NotEmpty(t, got.ThinkingTrace)
}

func TestPlanningEmptyPlanFallsBackToSingleStep(t *testing.T) {
	p := &Planning{LLM: &scriptedLLM{json: `{"reasoning":"x","plan_classification":"engage","plan":[]}`}}
	s := state.New("s1", "what is section 1607", "", 3)

	got, err := p.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Len(t, got.Plan.SubQueries, 1)
}

func TestPlanningClarifyClassificationSetsFinalAnswer(t *testing.T) {
	p := &Planning{LLM: &scriptedLLM{json: `{"reasoning":"too vague","plan_classification":"clarify","final_answer":"which building type do you mean?","plan":[{"sub_query":"x"}]}`}}
	s := state.New("s1", "what about the load", "", 3)

	got, err := p.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, state.PlanClarify, got.Plan.Classification)
	assert.Equal(t, "which building type do you mean?", got.FinalAnswer)
}

func TestPlanningLLMCallFailureFallsBackToSingleStep(t *testing.T) {
	p := &Planning{LLM: &scriptedLLM{jerr: assert.AnError}}
	s := state.New("s1", "what is section 1607", "", 3)

	got, err := p.Run(context.Background(), s)
	require.NoError(t, err)
	assert.Len(t, got.Plan.SubQueries, 1)
}
