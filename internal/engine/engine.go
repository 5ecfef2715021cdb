// Package engine wires every agent into the workflow graph that §4.1
// describes and exposes a single turn-execution entry point. It owns no
// domain logic of its own beyond routing: every node body lives in
// internal/agents, internal/research, or internal/synthesis.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/corpusqa/corpusqa/internal/agents"
	"github.com/corpusqa/corpusqa/internal/answercache"
	"github.com/corpusqa/corpusqa/internal/convmemory"
	"github.com/corpusqa/corpusqa/internal/llmclient"
	"github.com/corpusqa/corpusqa/internal/research"
	"github.com/corpusqa/corpusqa/internal/state"
	"github.com/corpusqa/corpusqa/internal/synthesis"
	"github.com/corpusqa/corpusqa/internal/workflow"
)

// Deps are every collaborator the graph's nodes close over.
type Deps struct {
	LLM          llmclient.Client
	Cache        *answercache.Cache
	Orchestrator *research.Orchestrator
	MemoryStore  *convmemory.Store
	Tracer       workflow.Tracer
	MaxRetries   int
}

const contextualSystemPrompt = `Answer the user's question using only the conversation context already available. Do not invent facts beyond it. If the context is insufficient, say so plainly.`

// Engine drives one turn through the compiled graph.
type Engine struct {
	compiled *workflow.Compiled[*state.State]
	cache    *answercache.Cache
}

// Build wires the §4.1 graph: triage's routing fan-out, the short-
// circuit for direct_retrieval straight into research, the hyde/
// research/synthesis/memory spine, and the global error-routing
// override.
func Build(deps Deps) (*Engine, error) {
	triage := &agents.Triage{LLM: deps.LLM, Cache: deps.Cache}
	planning := &agents.Planning{LLM: deps.LLM}
	hyde := &agents.HyDE{LLM: deps.LLM}
	errorHandler := &agents.ErrorHandler{}
	synthesizer := &synthesis.Synthesizer{LLM: deps.LLM}
	memory := &agents.Memory{Store: deps.MemoryStore, LLM: deps.LLM}

	g := workflow.NewStateGraph[*state.State]()
	if deps.Tracer != nil {
		g.SetTracer(deps.Tracer)
	}

	g.AddNode(string(state.StepTriage), nodeFunc(triage.Run))
	g.AddNode(string(state.StepContextual), contextualNode(deps.LLM))
	g.AddNode(string(state.StepPlanning), nodeFunc(planning.Run))
	g.AddNode(string(state.StepHyDE), nodeFunc(hyde.Run))
	g.AddNode(string(state.StepResearch), researchNode(deps.Orchestrator))
	g.AddNode(string(state.StepSynthesis), synthesisNode(synthesizer, deps.Cache))
	g.AddNode(string(state.StepMemory), nodeFunc(memory.Run))
	g.AddNode(string(state.StepError), nodeFunc(errorHandler.Run))

	g.SetEntryPoint(string(state.StepTriage))

	g.AddConditionalEdge(string(state.StepTriage), func(s *state.State) string {
		switch s.TriageClass {
		case state.TriageSimple, state.TriageClarify, state.TriageReject:
			s.WorkflowStatus = state.StatusCompleted
			return workflow.End
		case state.TriageContextual:
			return string(state.StepContextual)
		case state.TriageDirectRetrieval:
			if s.Plan == nil {
				s.Plan = agents.SingleStepPlan(s.UserQuery, state.PlanModeStrategist)
			}
			return string(state.StepResearch)
		default:
			return string(state.StepPlanning)
		}
	})

	g.AddEdge(string(state.StepContextual), workflow.End)

	g.AddConditionalEdge(string(state.StepPlanning), func(s *state.State) string {
		if s.Plan == nil {
			s.WorkflowStatus = state.StatusCompleted
			return workflow.End
		}
		switch s.Plan.Classification {
		case state.PlanClarify, state.PlanReject:
			s.WorkflowStatus = state.StatusCompleted
			return workflow.End
		}
		if needsHyDE(s.Plan) {
			return string(state.StepHyDE)
		}
		return string(state.StepResearch)
	})

	g.AddEdge(string(state.StepHyDE), string(state.StepResearch))

	g.AddEdge(string(state.StepResearch), string(state.StepSynthesis))
	g.AddEdge(string(state.StepSynthesis), string(state.StepMemory))
	g.AddEdge(string(state.StepMemory), workflow.End)

	g.AddConditionalEdge(string(state.StepError), func(s *state.State) string {
		switch s.WorkflowStatus {
		case state.StatusRetry:
			return string(s.CurrentStep)
		default:
			return workflow.End
		}
	})

	g.SetErrorRouting(string(state.StepError), func(s *state.State) bool {
		return s.ErrorState != nil
	})

	compiled, err := g.Compile()
	if err != nil {
		return nil, fmt.Errorf("engine: compile: %w", err)
	}
	return &Engine{compiled: compiled, cache: deps.Cache}, nil
}

// nodeFunc adapts an agent's Run method to workflow.Node[*state.State].
func nodeFunc(run func(context.Context, *state.State) (*state.State, error)) workflow.Node[*state.State] {
	return run
}

// needsHyDE applies part of the HyDE agent's skip rule at the routing
// level: if every subquery already carries a direct strategy, HyDE is
// skipped. Unlike HyDE's per-sub-query rule, it does not check the
// entity hint against confidentEntityHint.
func needsHyDE(plan *state.ResearchPlan) bool {
	for _, sq := range plan.SubQueries {
		if !(sq.HasStrategy && sq.Strategy == state.StrategyDirect) {
			return true
		}
	}
	return false
}

// contextualNode answers directly from context_payload with no new
// research, per §4.1's "contextual -> finish | error".
func contextualNode(llm llmclient.Client) workflow.Node[*state.State] {
	return func(ctx context.Context, s *state.State) (*state.State, error) {
		answer, err := llm.Generate(ctx, llmclient.FAST, contextualSystemPrompt+"\n\nContext:\n"+s.ContextPayload+"\n\nQuestion: "+s.UserQuery)
		if err != nil {
			s.ErrorState = &state.ErrorState{Kind: state.ErrTransient, Message: err.Error(), OriginStep: state.StepContextual, Recoverable: true}
			return s, nil
		}
		s.FinalAnswer = answer
		s.WorkflowStatus = state.StatusCompleted
		return s, nil
	}
}

// researchNode runs the orchestrator and folds a zero-success outcome
// into error_state per §4.6's aggregation rule. A state arriving with
// WebOnlyRetry set (granted by the Error Handler for a retrieval_exhausted
// turn's one permitted retry, §4.10) is consumed here and restricts this
// run to the web-search provider alone.
func researchNode(o *research.Orchestrator) workflow.Node[*state.State] {
	return func(ctx context.Context, s *state.State) (*state.State, error) {
		webOnly := s.WebOnlyRetry
		s.WebOnlyRetry = false

		answers, err := o.Run(ctx, s.Plan, webOnly)
		s.SubQueryAnswers = answers
		if err != nil {
			s.ErrorState = &state.ErrorState{
				Kind:        state.ErrRetrievalExhausted,
				Message:     err.Error(),
				OriginStep:  state.StepResearch,
				Recoverable: true,
			}
			return s, nil
		}
		return s, nil
	}
}

// synthesisNode composes the final answer and, on success, offers it to
// the Answer Cache's admission gate (§4.7); a rejected or failed
// admission never fails the turn.
func synthesisNode(s0 *synthesis.Synthesizer, cache *answercache.Cache) workflow.Node[*state.State] {
	return func(ctx context.Context, s *state.State) (*state.State, error) {
		result, err := s0.Synthesize(ctx, s.UserQuery, s.SubQueryAnswers)
		if err != nil {
			s.ErrorState = &state.ErrorState{
				Kind:        state.ErrTransient,
				Message:     err.Error(),
				OriginStep:  state.StepSynthesis,
				Recoverable: true,
			}
			return s, nil
		}
		s.FinalAnswer = result.FinalAnswer
		s.Citations = result.Citations
		s.Confidence = result.Confidence
		s.SynthesisMetadata = result.Metadata
		s.WorkflowStatus = state.StatusCompleted

		if cache != nil {
			entry := &state.CacheEntry{
				Fingerprint:     answercache.Fingerprint(s.UserQuery),
				NormalizedQuery: answercache.Normalize(s.UserQuery),
				Answer:          result.FinalAnswer,
				Citations:       result.Citations,
				Confidence:      result.Confidence,
				CreatedAt:       time.Now(),
			}
			hasCitationMarker := len(result.Citations) > 0
			_ = cache.Admit(ctx, entry, hasCitationMarker, s.ServedFromCache, s.ErrorState != nil)
		}
		return s, nil
	}
}

// Run drives a fresh turn through the compiled graph.
func (e *Engine) Run(ctx context.Context, sessionID, userQuery, contextPayload string, maxRetries int) (*state.State, error) {
	initial := state.New(sessionID, userQuery, contextPayload, maxRetries)
	return e.compiled.Invoke(ctx, initial)
}
