// Package graphstore is the knowledge-graph retrieval provider: vector,
// direct-lookup, and keyword search over corpus entities, plus the
// sibling/child expansion the Research Orchestrator needs for
// mathematical content (§4.6 step 6). The spec treats the graph store
// as an external collaborator with a defined interface; this package
// supplies a concrete in-memory implementation (entities + an adjacency
// index) in the teacher's knowledge-graph-store idiom, but — unlike the
// teacher's MemoryGraph — with its own Entity/Relationship types
// actually declared here, since the pack's equivalent types were never
// defined anywhere reachable.
package graphstore

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/corpusqa/corpusqa/internal/retrieval/embedding"
	"github.com/corpusqa/corpusqa/internal/state"
)

// Entity is one node in the corpus knowledge graph: a section, table,
// equation, or diagram.
type Entity struct {
	ID         string
	Type       string // "section", "table", "equation", "diagram"
	Title      string
	Text       string
	ParentID   string
	ChildIDs   []string
	Embedding  []float64
	Keywords   []string
}

// Relationship links two entities (e.g. a table to its owning section).
type Relationship struct {
	ID     string
	Source string
	Target string
	Type   string
}

// GraphStore is the retrieval contract the Research Orchestrator calls
// against for the vector/direct/keyword strategies (§6 "Graph store").
type GraphStore interface {
	VectorSearch(ctx context.Context, embedding []float64, k int) ([]state.RetrievedChunk, error)
	DirectLookup(ctx context.Context, entityID string) ([]state.RetrievedChunk, error)
	KeywordSearch(ctx context.Context, booleanQuery string, k int) ([]state.RetrievedChunk, error)
	// Children returns the immediate child entities of entityID (tables,
	// equations, diagrams owned by a section) — the same children
	// DirectLookup includes in its subtree — and is used for the
	// math-content sibling expansion in §4.6 step 6.
	Children(ctx context.Context, entityID string) ([]state.RetrievedChunk, error)
}

// MemoryGraphStore is an in-memory GraphStore over a fixed entity set,
// grounded on the teacher's MemoryGraph (entities map + type index) but
// generalized to the RetrievedChunk contract and cosine-similarity
// vector search instead of entity-type filtering.
type MemoryGraphStore struct {
	mu       sync.RWMutex
	entities map[string]Entity
	embedder embedding.Embedder
}

// NewMemoryGraphStore builds a store from a fixed entity set.
func NewMemoryGraphStore(entities []Entity, embedder embedding.Embedder) *MemoryGraphStore {
	idx := make(map[string]Entity, len(entities))
	for _, e := range entities {
		idx[e.ID] = e
	}
	return &MemoryGraphStore{entities: idx, embedder: embedder}
}

var _ GraphStore = (*MemoryGraphStore)(nil)

func toChunk(e Entity, tag state.SourceTag, score float64, hasScore bool) state.RetrievedChunk {
	return state.RetrievedChunk{
		UID:       e.ID,
		SourceTag: tag,
		Title:     e.Title,
		Text:      e.Text,
		Score:     score,
		HasScore:  hasScore,
		Metadata:  map[string]string{"type": e.Type, "parent_id": e.ParentID},
	}
}

// VectorSearch returns the top-k entities by cosine similarity to the
// given query embedding.
func (m *MemoryGraphStore) VectorSearch(ctx context.Context, query []float64, k int) ([]state.RetrievedChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type scored struct {
		e     Entity
		score float64
	}
	var scoredAll []scored
	for _, e := range m.entities {
		if len(e.Embedding) == 0 {
			continue
		}
		scoredAll = append(scoredAll, scored{e: e, score: embedding.CosineSimilarity(query, e.Embedding)})
	}
	sort.Slice(scoredAll, func(i, j int) bool { return scoredAll[i].score > scoredAll[j].score })

	if k > len(scoredAll) {
		k = len(scoredAll)
	}
	out := make([]state.RetrievedChunk, 0, k)
	for _, s := range scoredAll[:k] {
		out = append(out, toChunk(s.e, state.SourceVector, s.score, true))
	}
	return out, nil
}

// DirectLookup resolves entityID to its entity plus its immediate
// children (the "subtree" of §4.6 step 2): entities listed in its
// ChildIDs and entities whose ParentID names it.
func (m *MemoryGraphStore) DirectLookup(ctx context.Context, entityID string) ([]state.RetrievedChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[entityID]
	if !ok {
		return nil, fmt.Errorf("graphstore: entity %q not found", entityID)
	}
	out := []state.RetrievedChunk{toChunk(e, state.SourceDirect, 0, false)}
	seen := make(map[string]bool, len(e.ChildIDs))
	for _, childID := range e.ChildIDs {
		if child, ok := m.entities[childID]; ok {
			seen[childID] = true
			out = append(out, toChunk(child, state.SourceDirect, 0, false))
		}
	}
	for id, other := range m.entities {
		if other.ParentID == entityID && !seen[id] {
			out = append(out, toChunk(other, state.SourceDirect, 0, false))
		}
	}
	return out, nil
}

// Children returns entityID's immediate children only (no self entity),
// used for the math sibling-section expansion.
func (m *MemoryGraphStore) Children(ctx context.Context, entityID string) ([]state.RetrievedChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[entityID]
	if !ok {
		return nil, nil
	}
	out := make([]state.RetrievedChunk, 0, len(e.ChildIDs))
	seen := make(map[string]bool, len(e.ChildIDs))
	for _, childID := range e.ChildIDs {
		if child, ok := m.entities[childID]; ok {
			seen[childID] = true
			out = append(out, toChunk(child, state.SourceDirect, 0, false))
		}
	}
	for id, other := range m.entities {
		if other.ParentID == entityID && !seen[id] {
			out = append(out, toChunk(other, state.SourceDirect, 0, false))
		}
	}
	return out, nil
}

var wordRe = regexp.MustCompile(`[A-Za-z0-9]+`)

// KeywordSearch runs a simple boolean-AND full-text match: every
// non-negated term in booleanQuery must appear in the entity's text or
// keyword list; terms prefixed with '-' must be absent.
func (m *MemoryGraphStore) KeywordSearch(ctx context.Context, booleanQuery string, k int) ([]state.RetrievedChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var required, excluded []string
	for _, term := range strings.Fields(booleanQuery) {
		if strings.HasPrefix(term, "-") {
			excluded = append(excluded, strings.ToLower(strings.TrimPrefix(term, "-")))
		} else {
			required = append(required, strings.ToLower(strings.Trim(term, `"`)))
		}
	}

	type scored struct {
		e     Entity
		hits  int
	}
	var matches []scored
	for _, e := range m.entities {
		haystack := strings.ToLower(e.Text + " " + e.Title + " " + strings.Join(e.Keywords, " "))
		tokens := wordRe.FindAllString(haystack, -1)
		tokenSet := make(map[string]bool, len(tokens))
		for _, t := range tokens {
			tokenSet[t] = true
		}

		skip := false
		for _, term := range excluded {
			if tokenSet[term] {
				skip = true
				break
			}
		}
		if skip {
			continue
		}

		hits := 0
		for _, term := range required {
			if strings.Contains(haystack, term) {
				hits++
			}
		}
		if hits < len(required) {
			continue
		}
		matches = append(matches, scored{e: e, hits: hits})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].hits > matches[j].hits })
	if k > len(matches) {
		k = len(matches)
	}
	out := make([]state.RetrievedChunk, 0, k)
	for _, s := range matches[:k] {
		out = append(out, toChunk(s.e, state.SourceKeyword, float64(s.hits), true))
	}
	return out, nil
}
