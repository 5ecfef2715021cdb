package agents

import (
	"context"
	"regexp"
	"strings"

	"github.com/corpusqa/corpusqa/internal/llmclient"
	"github.com/corpusqa/corpusqa/internal/state"
)

const hydeSystemPrompt = `Write a short hypothetical passage, in the style of a building-code section, that would plausibly answer the question below. Do not add disclaimers. Output only the passage.`

// confidentEntityHint matches a bare entity id hint (an optional letter
// followed by dotted digits, e.g. "1607.12"); HyDE treats a direct
// sub-query with such a hint as a confident lookup and skips it.
var confidentEntityHint = regexp.MustCompile(`^[A-Za-z]?\d+(\.\d+)*$`)

// HyDE implements §4.4: populate hyde_document for each SubQuery that
// needs a hypothetical-document embedding to improve vector search.
type HyDE struct {
	LLM llmclient.Client
}

// Run implements the HyDE node.
func (h *HyDE) Run(ctx context.Context, s *state.State) (*state.State, error) {
	if s.Plan == nil {
		return s, nil
	}
	for i := range s.Plan.SubQueries {
		sq := &s.Plan.SubQueries[i]
		if skipHyDE(sq) {
			continue
		}
		doc, err := h.LLM.Generate(ctx, llmclient.FAST, hydeSystemPrompt+"\n\nQuestion: "+sq.Text)
		if err != nil {
			s.ThinkingTrace = append(s.ThinkingTrace, warnEvent(state.StepHyDE, "hyde generation failed for sub-query, leaving hyde_document empty: "+err.Error()))
			continue
		}
		sq.HydeDocument = strings.TrimSpace(doc)
	}
	return s, nil
}

func skipHyDE(sq *state.SubQuery) bool {
	return sq.HasStrategy && sq.Strategy == state.StrategyDirect && confidentEntityHint.MatchString(strings.TrimSpace(sq.EntityHint))
}
