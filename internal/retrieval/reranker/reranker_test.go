package reranker

import (
	"context"
	"testing"

	"github.com/corpusqa/corpusqa/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRerankPromotesTermOverlap(t *testing.T) {
	r := NewTermFrequencyReranker()
	chunks := []state.RetrievedChunk{
		{UID: "low-overlap", Text: "unrelated content about roofing membranes", Score: 0.9},
		{UID: "high-overlap", Text: "live load reduction tributary area formula", Score: 0.5},
	}

	out, err := r.Rerank(context.Background(), "live load reduction tributary area", chunks)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "high-overlap", out[0].UID)
}

func TestRerankEmptyQueryReturnsOriginalOrder(t *testing.T) {
	r := NewTermFrequencyReranker()
	chunks := []state.RetrievedChunk{{UID: "a"}, {UID: "b"}}
	out, err := r.Rerank(context.Background(), "", chunks)
	require.NoError(t, err)
	assert.Equal(t, chunks, out)
}

func TestTopNTruncates(t *testing.T) {
	chunks := []state.RetrievedChunk{{UID: "a"}, {UID: "b"}, {UID: "c"}}
	assert.Len(t, TopN(chunks, 2), 2)
	assert.Len(t, TopN(chunks, 10), 3)
}
