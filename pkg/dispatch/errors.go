package dispatch

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

// Sentinel errors for graph compilation.
var (
	// ErrNoEntryPoint indicates no node can start the run.
	ErrNoEntryPoint = errors.New("no entry point")

	// ErrDanglingReference indicates an edge, parent id or entry hint names
	// an unknown node.
	ErrDanglingReference = errors.New("dangling reference")

	// ErrDuplicateNode indicates two nodes share an id.
	ErrDuplicateNode = errors.New("duplicate node id")
)

// Sentinel errors for execution.
var (
	// ErrMaxRunTimes indicates the run exhausted its node execution budget.
	ErrMaxRunTimes = errors.New("max run times exceeded")

	// ErrCancelled indicates the run context was cancelled.
	ErrCancelled = errors.New("run cancelled")

	// ErrTimeout indicates a run or node deadline passed.
	ErrTimeout = errors.New("timeout")

	// ErrUnknownNodeType indicates no executor is registered for a node type.
	ErrUnknownNodeType = errors.New("unknown node type")

	// ErrStaleResume indicates a resume token that does not match the
	// pending interaction.
	ErrStaleResume = errors.New("stale resume token")

	// ErrMissingInput indicates a required input resolved to nothing.
	ErrMissingInput = errors.New("missing required input")

	// ErrNilCollaborator indicates a node needs a collaborator the engine
	// was not configured with.
	ErrNilCollaborator = errors.New("collaborator not configured")
)

// GraphErrorKind classifies compile-time failures.
type GraphErrorKind string

// Graph error kinds.
const (
	DanglingReference GraphErrorKind = "DanglingReference"
	NoEntryPoint      GraphErrorKind = "NoEntryPoint"
	DuplicateNode     GraphErrorKind = "DuplicateNode"
)

// GraphError rejects a graph before any node runs.
type GraphError struct {
	Kind GraphErrorKind
	// NodeID is the unknown or offending node id, if any.
	NodeID string
	// EdgeIndex is the offending edge, or -1.
	EdgeIndex int
	Err       error
}

// Error implements the error interface.
func (e *GraphError) Error() string {
	if e.EdgeIndex >= 0 {
		return fmt.Sprintf("graph: %s: edge %d references %q: %v", e.Kind, e.EdgeIndex, e.NodeID, e.Err)
	}
	if e.NodeID != "" {
		return fmt.Sprintf("graph: %s: node %q: %v", e.Kind, e.NodeID, e.Err)
	}
	return fmt.Sprintf("graph: %s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *GraphError) Unwrap() error {
	return e.Err
}

func danglingNode(nodeID string, err error) *GraphError {
	return &GraphError{Kind: DanglingReference, NodeID: nodeID, EdgeIndex: -1, Err: err}
}

func danglingEdge(index int, nodeID string) *GraphError {
	return &GraphError{Kind: DanglingReference, NodeID: nodeID, EdgeIndex: index, Err: ErrDanglingReference}
}

// NodeError wraps an error with node context.
type NodeError struct {
	NodeID   string
	NodeType NodeType
	// Op is the operation that failed ("inputs", "execute", "lookup").
	Op  string
	Err error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (%s): %s: %v", e.NodeID, e.NodeType, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *NodeError) Unwrap() error {
	return e.Err
}

// PanicError captures a panic from an executor.
type PanicError struct {
	NodeID string
	Value  any
	Stack  string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("node %s panicked: %v", e.NodeID, e.Value)
}

// RunErrorKind classifies errors that stop the dispatch loop.
type RunErrorKind string

// Run error kinds.
const (
	MaxRunTimesExceeded RunErrorKind = "MaxRunTimesExceeded"
	Cancelled           RunErrorKind = "Cancelled"
	Timeout             RunErrorKind = "Timeout"
)

// RunError stops the dispatch loop. Completed node responses are still
// returned and billed.
type RunError struct {
	Kind RunErrorKind
	// NodeID is the node that was about to run or was running.
	NodeID   string
	RunCount int
	Err      error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	return fmt.Sprintf("run: %s at node %s after %d executions: %v", e.Kind, e.NodeID, e.RunCount, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RunError) Unwrap() error {
	return e.Err
}

// CollaboratorError wraps a failure of the model gateway, retriever or
// sandbox. Executors return it; the engine records it as a NodeError.
type CollaboratorError struct {
	Collaborator string
	Op           string
	Err          error
}

// Error implements the error interface.
func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Collaborator, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

// WrapCollaborator returns nil for a nil err.
func WrapCollaborator(collaborator, op string, err error) error {
	if err == nil {
		return nil
	}
	return &CollaboratorError{Collaborator: collaborator, Op: op, Err: err}
}

// UsageError carries the usage a node consumed before it failed. The
// engine bills it like the usage of a successful node.
type UsageError struct {
	Usage []usage.Record
	Err   error
}

func (e *UsageError) Error() string { return e.Err.Error() }

func (e *UsageError) Unwrap() error { return e.Err }

// WithUsage attaches already priced records to a node failure.
func WithUsage(err error, records []usage.Record) error {
	if err == nil || len(records) == 0 {
		return err
	}
	return &UsageError{Usage: records, Err: err}
}
