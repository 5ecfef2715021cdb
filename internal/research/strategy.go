package research

import (
	"regexp"
	"strings"

	"github.com/corpusqa/corpusqa/internal/state"
)

// entityIDPattern matches the structured entity identifiers the
// strategy-selection rules key off: "Section 1607.12", "Table
// 1607.9.1", "Equation 16-7". (Triage's fast path uses its own
// directRetrievalPattern.)
var entityIDPattern = regexp.MustCompile(`(?i)\b(section|table|equation|eq\.?)\s*([0-9]+(?:[.\-][0-9]+)*)\b`)

// equationPattern recognizes the "N-M" equation numbering used for the
// math sibling-section inference in §4.6 step 6.
var equationPattern = regexp.MustCompile(`\bequation\s+([0-9]+)-([0-9]+)\b|\beq\.?\s*([0-9]+)-([0-9]+)\b`)

// extractEntityID pulls a canonical entity id out of free text, or
// returns "" if none is present.
func extractEntityID(text string) string {
	m := entityIDPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[2])
}

// extractEquationChapter returns the chapter number prefix of an
// "Equation N-M" reference, or "" if none is present. This is the
// explicit, documented rule for the heuristic inference called out as
// an open question in the source material: chapter N implies sibling
// sections "N07" and "N07.12", the typical location of load-combination
// tables referenced by load equations in this corpus. A miss here is an
// ordinary validation failure, never an error.
func extractEquationChapter(text string) string {
	m := equationPattern.FindStringSubmatch(strings.ToLower(text))
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1]
	}
	return m[3]
}

func siblingSectionsForChapter(chapter string) []string {
	return []string{chapter + "07", chapter + "07.12"}
}

var rareTermPattern = regexp.MustCompile(`[A-Za-z]{8,}`)

// selectStrategy applies the §4.6 step 1 rule-based ordering: hint with
// an entity id wins first, then quoted-phrase/rare-term queries prefer
// keyword search, otherwise vector search.
func selectStrategy(sq state.SubQuery) (state.Strategy, string) {
	if id := extractEntityID(sq.EntityHint); id != "" {
		return state.StrategyDirect, id
	}
	if id := extractEntityID(sq.Text); id != "" {
		return state.StrategyDirect, id
	}
	if strings.Contains(sq.Text, `"`) {
		return state.StrategyKeyword, ""
	}
	if len(rareTermPattern.FindAllString(sq.Text, -1)) >= 2 {
		return state.StrategyKeyword, ""
	}
	return state.StrategyVector, ""
}

// fallbackChain returns the ordered list of graph-store strategies to
// try after primary fails validation, per §4.6 step 5. Web search is not
// in the list; runOne tries it after the whole chain has failed.
func fallbackChain(primary state.Strategy) []state.Strategy {
	switch primary {
	case state.StrategyVector:
		return []state.Strategy{state.StrategyKeyword, state.StrategyDirect}
	case state.StrategyDirect:
		return []state.Strategy{state.StrategyVector, state.StrategyKeyword}
	case state.StrategyKeyword:
		return []state.Strategy{state.StrategyDirect, state.StrategyVector}
	default:
		return nil
	}
}
