package agents

import (
	"context"
	"fmt"

	"github.com/corpusqa/corpusqa/internal/state"
)

// ErrorHandler implements §4.10: classify error_state, retry
// recoverable errors up to max_retries, and otherwise substitute a
// degraded response per originating agent.
type ErrorHandler struct{}

// Run implements the error node. It never itself errors; a State
// arriving with no error_state set passes through unchanged (the
// engine only routes here when error_state is non-nil, but a defensive
// no-op keeps this node safe to call directly in tests).
func (h *ErrorHandler) Run(ctx context.Context, s *state.State) (*state.State, error) {
	if s.ErrorState == nil {
		return s, nil
	}
	es := s.ErrorState

	// retrieval_exhausted gets exactly one retry, restricted to web
	// search: whatever starved the graph-store strategies the first
	// time would starve them identically on a bare re-run (§4.10).
	if es.Kind == state.ErrRetrievalExhausted && !s.WebOnlyRetryUsed && s.RetryCount < s.MaxRetries {
		s.RetryCount++
		s.ErrorState = nil
		s.CurrentStep = es.OriginStep
		s.WorkflowStatus = state.StatusRetry
		s.WebOnlyRetry = true
		s.WebOnlyRetryUsed = true
		return s, nil
	}

	if es.Kind.Recoverable() && es.Kind != state.ErrRetrievalExhausted && s.RetryCount < s.MaxRetries {
		s.RetryCount++
		s.ErrorState = nil
		s.CurrentStep = es.OriginStep
		s.WorkflowStatus = state.StatusRetry
		return s, nil
	}

	if es.Kind.Recoverable() {
		h.degrade(s, es)
		return s, nil
	}

	s.FinalAnswer = "I wasn't able to complete this request: " + userFacingMessage(es.Kind)
	s.WorkflowStatus = state.StatusFailed
	s.CurrentStep = state.StepFinish
	return s, nil
}

// degrade substitutes a partial result for the originating agent so the
// turn still completes, per §4.10's per-agent degraded-substitute list.
func (h *ErrorHandler) degrade(s *state.State, es *state.ErrorState) {
	switch es.OriginStep {
	case state.StepPlanning:
		s.Plan = SingleStepPlan(s.UserQuery, state.PlanModeStrategist)
	case state.StepResearch:
		s.FinalAnswer = "I could not retrieve enough supporting material to fully answer this question. " +
			"Here is what partial research was gathered before the retrieval budget was exhausted."
	case state.StepSynthesis:
		s.FinalAnswer = concatenateSubQuerySummaries(s.Plan) +
			"\n\n(This answer was assembled from partial research results after synthesis failed; treat it as a rough summary, not a final citation-backed answer.)"
	}
	s.ErrorState = nil
	s.WorkflowStatus = state.StatusCompleted
	s.CurrentStep = state.StepFinish
}

func concatenateSubQuerySummaries(plan *state.ResearchPlan) string {
	if plan == nil {
		return "No research results are available."
	}
	out := "Partial findings:\n"
	for _, sq := range plan.SubQueries {
		if sq.Status != state.SubQueryOK {
			continue
		}
		out += fmt.Sprintf("- %s: ", sq.Text)
		for i, c := range sq.Result {
			if i > 0 {
				out += "; "
			}
			out += c.Title
		}
		out += "\n"
	}
	return out
}

func userFacingMessage(kind state.ErrorKind) string {
	switch kind {
	case state.ErrAuth:
		return "there was an authentication problem reaching a required service."
	case state.ErrConfig:
		return "the service is misconfigured."
	case state.ErrMissingData:
		return "the information needed isn't available in the corpus."
	default:
		return "an unexpected error occurred."
	}
}
