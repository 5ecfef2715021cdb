package agents

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/corpusqa/corpusqa/internal/state"
)

// warnEvent builds a ThinkingEvent for a non-fatal degraded path, the
// way each agent's "Errors" clause calls for logging a warning rather
// than failing the turn.
func warnEvent(step state.Step, message string) state.ThinkingEvent {
	return state.ThinkingEvent{Step: step, Message: message, At: time.Now()}
}

// decodeJSON unmarshals a trimmed LLM response shared by every agent's
// JSON-with-fallback parse path.
func decodeJSON(raw string, v any) error {
	return json.Unmarshal([]byte(strings.TrimSpace(raw)), v)
}
