// Package workflow implements the conditional-edge state machine that
// drives a turn's State from triage to a terminal node. It is a fresh,
// generic rewrite of the LangGraph-style engine design (named nodes,
// static and conditional edges, per-node retry policy, a pluggable
// Tracer) rather than an import of that design: it targets one typed
// State record for the whole turn instead of a resumable/checkpointed
// multi-session graph, so there is no interrupt, subgraph, or
// checkpoint-store machinery here.
package workflow

import (
	"context"
	"fmt"
	"time"
)

// End is the sentinel target name that stops graph execution.
const End = "__end__"

// Node is a pure function over the turn's state: given the current
// value, it returns the updated value (or the same value, mutated
// fields only) plus an error. Nodes must never mutate state reachable
// from outside their own argument — the engine does not clone between
// invocations; internal/research isolates its fan-out by copying each
// SubQuery value into its own result slot.
type Node[S any] func(ctx context.Context, s S) (S, error)

// CondEdge picks the next node name given the post-node state. It must
// return either a name registered with AddNode or End.
type CondEdge[S any] func(s S) string

type edgeSpec[S any] struct {
	static string
	cond   CondEdge[S]
}

// StateGraph is a directed graph of named Nodes with static and/or
// conditional edges, executed sequentially node-by-node for one State
// value. Concurrency, when needed (the research orchestrator), happens
// inside a single node's body, not between graph nodes.
type StateGraph[S any] struct {
	nodes       map[string]Node[S]
	edges       map[string]edgeSpec[S]
	retryPolicy map[string]RetryPolicy
	entry       string
	tracer      Tracer
	// errored and errorNode override outgoing edges whenever a node
	// reports an error (via the errored callback) so that any node can divert to
	// the graph's error-handling node regardless of its own edge.
	errored    func(s S) bool
	errorNode  string
}

// NewStateGraph constructs an empty graph for state type S.
func NewStateGraph[S any]() *StateGraph[S] {
	return &StateGraph[S]{
		nodes:       make(map[string]Node[S]),
		edges:       make(map[string]edgeSpec[S]),
		retryPolicy: make(map[string]RetryPolicy),
	}
}

// SetTracer attaches an observability sink. Nil disables tracing.
func (g *StateGraph[S]) SetTracer(t Tracer) *StateGraph[S] {
	g.tracer = t
	return g
}

// AddNode registers a named node.
func (g *StateGraph[S]) AddNode(name string, n Node[S]) *StateGraph[S] {
	g.nodes[name] = n
	return g
}

// SetRetryPolicy overrides the default per-node retry policy for name.
func (g *StateGraph[S]) SetRetryPolicy(name string, p RetryPolicy) *StateGraph[S] {
	g.retryPolicy[name] = p
	return g
}

// SetEntryPoint names the first node to run.
func (g *StateGraph[S]) SetEntryPoint(name string) *StateGraph[S] {
	g.entry = name
	return g
}

// AddEdge wires a fixed, unconditional transition from one node to the
// next (or to End).
func (g *StateGraph[S]) AddEdge(from, to string) *StateGraph[S] {
	g.edges[from] = edgeSpec[S]{static: to}
	return g
}

// AddConditionalEdge wires from's outgoing transition to a function of
// the post-node state, evaluated after from runs.
func (g *StateGraph[S]) AddConditionalEdge(from string, cond CondEdge[S]) *StateGraph[S] {
	g.edges[from] = edgeSpec[S]{cond: cond}
	return g
}

// SetErrorRouting installs a global override: whenever errored(state)
// is true after a node runs, the engine routes to errorNode regardless
// of that node's own edge — this is §4.1's "if error_state is set, route
// to error regardless of the node's suggested next step".
func (g *StateGraph[S]) SetErrorRouting(errorNode string, errored func(s S) bool) *StateGraph[S] {
	g.errorNode = errorNode
	g.errored = errored
	return g
}

// Compiled is a graph that has passed structural validation and is ready
// to run.
type Compiled[S any] struct {
	g *StateGraph[S]
}

// Compile validates that every edge target and the entry point refer to
// a registered node (or End), returning a Compiled graph ready for
// Invoke.
func (g *StateGraph[S]) Compile() (*Compiled[S], error) {
	if g.entry == "" {
		return nil, ErrEmptyGraph
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return nil, &ErrUnknownNode{Name: g.entry}
	}
	for name := range g.nodes {
		spec, ok := g.edges[name]
		if !ok {
			continue
		}
		if spec.cond != nil {
			continue
		}
		if spec.static != End {
			if _, ok := g.nodes[spec.static]; !ok {
				return nil, &ErrUnknownNode{Name: spec.static}
			}
		}
	}
	if g.errorNode != "" {
		if _, ok := g.nodes[g.errorNode]; !ok {
			return nil, &ErrUnknownNode{Name: g.errorNode}
		}
	}
	return &Compiled[S]{g: g}, nil
}

// Invoke drives state through the graph from the entry point until a
// node routes to End, ctx is cancelled, or a node's retry budget is
// exhausted. It returns the final state value alongside the last error
// encountered (nil on a clean End).
func (c *Compiled[S]) Invoke(ctx context.Context, initial S) (S, error) {
	g := c.g
	current := initial
	node := g.entry

	emit(g.tracer, TraceEvent{Kind: EventGraphStart, Node: node})

	for {
		select {
		case <-ctx.Done():
			emit(g.tracer, TraceEvent{Kind: EventGraphEnd, Node: node, Err: ctx.Err()})
			return current, ctx.Err()
		default:
		}

		fn, ok := g.nodes[node]
		if !ok {
			err := &ErrUnknownNode{Name: node}
			return current, err
		}

		policy, ok := g.retryPolicy[node]
		if !ok {
			policy = DefaultRetryPolicy()
		}

		emit(g.tracer, TraceEvent{Kind: EventNodeStart, Node: node})
		next, err := c.runWithRetry(ctx, node, fn, current, policy)
		if err != nil {
			emit(g.tracer, TraceEvent{Kind: EventNodeError, Node: node, Err: err})
			emit(g.tracer, TraceEvent{Kind: EventGraphEnd, Node: node, Err: err})
			return current, err
		}
		current = next
		emit(g.tracer, TraceEvent{Kind: EventNodeEnd, Node: node})

		nextNode, err := g.determineNext(node, current)
		if err != nil {
			return current, err
		}

		emit(g.tracer, TraceEvent{Kind: EventEdgeTraversal, From: node, To: nextNode})

		if nextNode == End {
			emit(g.tracer, TraceEvent{Kind: EventGraphEnd, Node: node})
			return current, nil
		}
		node = nextNode
	}
}

func (c *Compiled[S]) runWithRetry(ctx context.Context, name string, fn Node[S], s S, policy RetryPolicy) (S, error) {
	var lastErr error
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := safeInvoke(ctx, name, fn, s)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt < attempts {
			d := policy.delay(attempt)
			if d > 0 {
				select {
				case <-ctx.Done():
					return s, ctx.Err()
				case <-time.After(d):
				}
			}
		}
	}
	return s, lastErr
}

// safeInvoke recovers a panicking node body and folds it into a
// NodeError instead of crashing the turn — §4.1's "any unhandled
// exception inside a node is caught by the engine".
func safeInvoke[S any](ctx context.Context, name string, fn Node[S], s S) (out S, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &NodeError{Node: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return fn(ctx, s)
}

func (g *StateGraph[S]) determineNext(from string, s S) (string, error) {
	if g.errored != nil && g.errored(s) && from != g.errorNode {
		return g.errorNode, nil
	}
	spec, ok := g.edges[from]
	if !ok {
		return End, nil
	}
	if spec.cond != nil {
		return spec.cond(s), nil
	}
	return spec.static, nil
}
