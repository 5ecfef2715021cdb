// Package reranker implements the optional rerank step of §4.6 step 3,
// grounded on the teacher's SimpleReranker: a term-frequency scorer
// blended with each chunk's original retrieval score.
package reranker

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/corpusqa/corpusqa/internal/state"
)

// Reranker reorders a candidate chunk set for a query; a failing
// reranker must never abort retrieval (§4.6 step 3 — fall back to
// original order).
type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []state.RetrievedChunk) ([]state.RetrievedChunk, error)
}

var wordRe = regexp.MustCompile(`[A-Za-z0-9]+`)

// TermFrequencyReranker blends 70% of a chunk's original score with 30%
// of a term-overlap score against the query, same weighting as the
// teacher's SimpleReranker.
type TermFrequencyReranker struct {
	OriginalWeight float64
	TermWeight     float64
}

// NewTermFrequencyReranker returns the default 70/30 blend.
func NewTermFrequencyReranker() *TermFrequencyReranker {
	return &TermFrequencyReranker{OriginalWeight: 0.7, TermWeight: 0.3}
}

var _ Reranker = (*TermFrequencyReranker)(nil)

func (r *TermFrequencyReranker) Rerank(ctx context.Context, query string, chunks []state.RetrievedChunk) ([]state.RetrievedChunk, error) {
	queryTerms := terms(query)
	if len(queryTerms) == 0 || len(chunks) == 0 {
		return chunks, nil
	}

	type scored struct {
		chunk state.RetrievedChunk
		blend float64
	}
	out := make([]scored, len(chunks))
	for i, c := range chunks {
		termScore := overlapScore(queryTerms, terms(c.Text+" "+c.Title))
		out[i] = scored{chunk: c, blend: r.OriginalWeight*c.Score + r.TermWeight*termScore}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].blend > out[j].blend })

	reordered := make([]state.RetrievedChunk, len(out))
	for i, s := range out {
		s.chunk.Score = s.blend
		s.chunk.HasScore = true
		reordered[i] = s.chunk
	}
	return reordered, nil
}

func terms(text string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range wordRe.FindAllString(strings.ToLower(text), -1) {
		set[t] = true
	}
	return set
}

func overlapScore(query, doc map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for t := range query {
		if doc[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

// TopN truncates chunks to at most n entries, preserving order. Used to
// cut a reranked candidate pool down to the configured top-N.
func TopN(chunks []state.RetrievedChunk, n int) []state.RetrievedChunk {
	if n <= 0 || n >= len(chunks) {
		return chunks
	}
	return chunks[:n]
}
