package workflow

import "fmt"

// NodeError wraps a panic recovered from inside a node execution so the
// process does not crash: Invoke stops and returns it as its error. It
// is not written into the State's error_state.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// ErrEmptyGraph is returned by Compile when no entry point was set.
var ErrEmptyGraph = fmt.Errorf("workflow: no entry point set")

// ErrUnknownNode is returned when an edge references a node name that was
// never registered with AddNode.
type ErrUnknownNode struct {
	Name string
}

func (e *ErrUnknownNode) Error() string {
	return fmt.Sprintf("workflow: unknown node %q", e.Name)
}

// ErrRetryBudgetExceeded names a node failing past its retry budget.
// Invoke does not return it: when a node's attempts run out, Invoke
// returns the node's last error instead.
var ErrRetryBudgetExceeded = fmt.Errorf("workflow: retry budget exceeded")
