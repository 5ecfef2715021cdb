// Package agents holds the small, mostly-LLM-driven nodes of the
// workflow graph: Triage, Planning, HyDE, and the Error Handler. Each
// is a thin struct exposing a method shaped like workflow.Node so the
// engine package can wire it in directly.
package agents

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/corpusqa/corpusqa/internal/answercache"
	"github.com/corpusqa/corpusqa/internal/llmclient"
	"github.com/corpusqa/corpusqa/internal/state"
	"github.com/corpusqa/corpusqa/internal/validate"
)

const triageSystemPrompt = `Classify the user's question into exactly one of: simple, contextual, direct_retrieval, engage, clarify, reject.
- simple: a fact trivially answerable without research.
- contextual: answerable from the conversation context alone, no new research needed.
- direct_retrieval: names a specific section/table/equation id.
- engage: needs the full research pipeline.
- clarify: too ambiguous to answer; ask the user a follow-up.
- reject: off-topic or disallowed.
If clarify or reject, put a short user-facing message in "final_answer" (e.g. a follow-up question, or an explanation of why the question is out of scope); leave it empty otherwise.
Return JSON: {"triage_class": "...", "triage_reason": "...", "final_answer": "...", "confidence": 0.0}`

// cannedEmptyQueryMessage is the terminal message for §8's empty-query
// boundary case: reject deterministically, no LLM round trip needed.
const cannedEmptyQueryMessage = "I didn't receive a question to answer. Could you ask again with what you'd like to know?"

// directRetrievalPattern matches common "Section 1607", "Table 16-3",
// "Equation 12-7" phrasings so Triage can skip the LLM call entirely.
var directRetrievalPattern = regexp.MustCompile(`(?i)\b(section|table|equation|chapter)\s+[\w.\-]+`)

// Triage implements §4.2.
type Triage struct {
	LLM   llmclient.Client
	Cache *answercache.Cache
}

type triageResponse struct {
	TriageClass string  `json:"triage_class"`
	TriageReason string `json:"triage_reason"`
	FinalAnswer  string  `json:"final_answer"`
	Confidence   float64 `json:"confidence"`
}

var validTriageClasses = map[string]state.TriageClass{
	"simple":           state.TriageSimple,
	"contextual":       state.TriageContextual,
	"direct_retrieval": state.TriageDirectRetrieval,
	"engage":           state.TriageEngage,
	"clarify":          state.TriageClarify,
	"reject":           state.TriageReject,
}

// Run implements the Triage node.
func (t *Triage) Run(ctx context.Context, s *state.State) (*state.State, error) {
	if strings.TrimSpace(s.UserQuery) == "" {
		s.TriageClass = state.TriageReject
		s.TriageReason = "empty query"
		s.FinalAnswer = cannedEmptyQueryMessage
		return s, nil
	}

	normalized := answercache.Normalize(s.UserQuery)

	if t.Cache != nil {
		if hit, err := t.Cache.Lookup(ctx, normalized); err == nil && hit != nil {
			v, verr := validate.Validate(ctx, t.LLM, s.UserQuery, hit.Answer)
			if verr == nil && v.Passes(7) {
				s.FinalAnswer = hit.Answer
				s.Citations = hit.Citations
				s.Confidence = hit.Confidence
				s.TriageClass = state.TriageSimple
				s.TriageReason = "answered from cache after re-validation"
				s.WorkflowStatus = state.StatusCompleted
				s.ServedFromCache = true
				if regErr := t.Cache.RegisterHit(ctx, hit, time.Now()); regErr != nil {
					s.ThinkingTrace = append(s.ThinkingTrace, state.ThinkingEvent{
						Step: state.StepTriage, Message: "cache hit registration failed: " + regErr.Error(), At: time.Now(),
					})
				}
				return s, nil
			}
		}
	}

	if loc := directRetrievalPattern.FindString(s.UserQuery); loc != "" {
		s.TriageClass = state.TriageDirectRetrieval
		s.TriageReason = "matched direct-retrieval phrasing: " + loc
		return s, nil
	}

	raw, err := t.LLM.GenerateJSON(ctx, llmclient.FAST, triageSystemPrompt, s.UserQuery)
	if err != nil {
		s.TriageClass = state.TriageEngage
		s.TriageReason = "triage LLM call failed; defaulting to engage"
		return s, nil
	}

	var resp triageResponse
	if err := decodeJSON(raw, &resp); err != nil {
		s.TriageClass = state.TriageEngage
		s.TriageReason = "triage response did not parse; defaulting to engage"
		return s, nil
	}

	class, ok := validTriageClasses[resp.TriageClass]
	if !ok {
		s.TriageClass = state.TriageEngage
		s.TriageReason = "triage response named an unrecognized class; defaulting to engage"
		return s, nil
	}

	s.TriageClass = class
	s.TriageReason = resp.TriageReason
	if class == state.TriageClarify || class == state.TriageReject {
		s.FinalAnswer = resp.FinalAnswer
	}
	return s, nil
}
