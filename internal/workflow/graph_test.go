package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterState struct {
	Count int
	Fail  bool
}

func TestInvokeLinearPath(t *testing.T) {
	g := NewStateGraph[counterState]()
	g.AddNode("a", func(_ context.Context, s counterState) (counterState, error) {
		s.Count++
		return s, nil
	})
	g.AddNode("b", func(_ context.Context, s counterState) (counterState, error) {
		s.Count++
		return s, nil
	})
	g.SetEntryPoint("a")
	g.AddEdge("a", "b")
	g.AddEdge("b", End)

	compiled, err := g.Compile()
	require.NoError(t, err)

	out, err := compiled.Invoke(context.Background(), counterState{})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Count)
}

func TestConditionalEdgeRouting(t *testing.T) {
	g := NewStateGraph[counterState]()
	g.AddNode("start", func(_ context.Context, s counterState) (counterState, error) {
		s.Count = 5
		return s, nil
	})
	g.AddNode("even", func(_ context.Context, s counterState) (counterState, error) {
		s.Count = -1
		return s, nil
	})
	g.AddNode("odd", func(_ context.Context, s counterState) (counterState, error) {
		s.Count = 1
		return s, nil
	})
	g.SetEntryPoint("start")
	g.AddConditionalEdge("start", func(s counterState) string {
		if s.Count%2 == 0 {
			return "even"
		}
		return "odd"
	})
	g.AddEdge("even", End)
	g.AddEdge("odd", End)

	compiled, err := g.Compile()
	require.NoError(t, err)

	out, err := compiled.Invoke(context.Background(), counterState{})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Count)
}

func TestErrorRoutingOverridesNodeEdge(t *testing.T) {
	g := NewStateGraph[counterState]()
	g.AddNode("work", func(_ context.Context, s counterState) (counterState, error) {
		s.Fail = true
		return s, nil
	})
	g.AddNode("finishNode", func(_ context.Context, s counterState) (counterState, error) {
		return s, nil
	})
	g.AddNode("errorNode", func(_ context.Context, s counterState) (counterState, error) {
		s.Count = 99
		return s, nil
	})
	g.SetEntryPoint("work")
	g.AddEdge("work", "finishNode")
	g.AddEdge("finishNode", End)
	g.AddEdge("errorNode", End)
	g.SetErrorRouting("errorNode", func(s counterState) bool { return s.Fail })

	compiled, err := g.Compile()
	require.NoError(t, err)

	out, err := compiled.Invoke(context.Background(), counterState{})
	require.NoError(t, err)
	assert.Equal(t, 99, out.Count)
}

func TestCompileRejectsMissingEntryPoint(t *testing.T) {
	g := NewStateGraph[counterState]()
	_, err := g.Compile()
	assert.ErrorIs(t, err, ErrEmptyGraph)
}

func TestCompileRejectsUnknownEdgeTarget(t *testing.T) {
	g := NewStateGraph[counterState]()
	g.AddNode("a", func(_ context.Context, s counterState) (counterState, error) { return s, nil })
	g.SetEntryPoint("a")
	g.AddEdge("a", "ghost")

	_, err := g.Compile()
	var unknown *ErrUnknownNode
	assert.ErrorAs(t, err, &unknown)
}

func TestNodePanicBecomesNodeError(t *testing.T) {
	g := NewStateGraph[counterState]()
	g.AddNode("boom", func(_ context.Context, s counterState) (counterState, error) {
		panic("kaboom")
	})
	g.SetEntryPoint("boom")
	g.AddEdge("boom", End)

	compiled, err := g.Compile()
	require.NoError(t, err)

	_, err = compiled.Invoke(context.Background(), counterState{})
	var nodeErr *NodeError
	assert.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, "boom", nodeErr.Node)
}

func TestInvokeRespectsCancellation(t *testing.T) {
	g := NewStateGraph[counterState]()
	g.AddNode("a", func(_ context.Context, s counterState) (counterState, error) { return s, nil })
	g.SetEntryPoint("a")
	g.AddEdge("a", End)

	compiled, err := g.Compile()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = compiled.Invoke(ctx, counterState{})
	assert.ErrorIs(t, err, context.Canceled)
}
