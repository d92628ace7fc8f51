package dispatch

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch/llm"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/retrieval"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/sandbox"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/stream"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

// Context is what an executor sees of the run. It extends context.Context
// with the collaborators, the conversation and the current node.
//
// A Context is created per node attempt and must not be retained.
type Context interface {
	context.Context

	// Logger returns a logger enriched with run_id, node_id, node_type and
	// attempt. Never nil.
	Logger() *slog.Logger

	RunID() string
	Node() *Node
	// Attempt is the 1-based retry attempt.
	Attempt() int

	// Query is the user's message for this turn.
	Query() string
	Histories() []HistoryItem
	ChatConfig() ChatConfig

	// Variables returns a copy of the global variables as they were when
	// the node became runnable.
	Variables() map[string]any

	// Collaborators. Each may be nil when the engine was not configured
	// with it.
	Model() llm.Gateway
	Retriever() retrieval.Retriever
	Sandbox() sandbox.Sandbox

	// Stream returns the event writer, or nil. Writer methods accept a nil
	// receiver.
	Stream() *stream.Writer
	Usage() *usage.Aggregator

	// LastInteractive returns the interaction this node suspended with in
	// the previous turn when the node is being resumed, else nil.
	LastInteractive() *Interactive

	// Render expands {{var}} and {{$nodeId.key$}} placeholders.
	Render(text string) (string, error)
	// Output reads a completed node's output.
	Output(nodeID, key string) (any, bool)
	// Outputs returns a copy of every completed node's outputs.
	Outputs() map[string]map[string]any

	// Children returns the nodes whose ParentID is the current node.
	Children() []*Node
	// Outgoing returns the edges leaving the current node.
	Outgoing() []Edge
	// LookupNode finds any node of the workflow by id.
	LookupNode(id string) (*Node, bool)

	// Dispatch runs a nested dispatch loop that shares cancellation, usage,
	// stream and the run budget, with its own variable scope.
	Dispatch(req ChildRequest) (*ChildResult, error)
}

// ChildRequest describes a nested dispatch.
type ChildRequest struct {
	// Scope is the ParentID of the nodes to run. Empty runs the caller's
	// scope, which is how tool nodes are called.
	Scope string
	// EntryNodeIDs overrides entry resolution.
	EntryNodeIDs []string
	// Inputs injects values into node inputs, keyed by node id then input
	// key. Injected values win over references and static values.
	Inputs map[string]map[string]any
	// Variables seeds the child scope. Nil copies the caller's variables.
	Variables map[string]any
	// Resume continues a child run that suspended in a previous turn.
	Resume *Interactive
}

// ChildResult is the outcome of a nested dispatch.
type ChildResult struct {
	FlowResponses      []NodeResponse
	AssistantResponses []AssistantResponse
	Outputs            map[string]map[string]any
	Variables          map[string]any
	NodeStatuses       map[string]NodeStatus
	// Interactive is set when the child suspended. The caller returns it
	// wrapped in an InteractiveChildren interaction.
	Interactive *Interactive
	RunCount    int
}

// AnswerText concatenates the text responses.
func (r *ChildResult) AnswerText() string {
	var text string
	for _, a := range r.AssistantResponses {
		if a.Type == ResponseText {
			text += a.Text
		}
	}
	return text
}

// nodeContext implements Context for one node attempt.
type nodeContext struct {
	context.Context

	r         *run
	node      *Node
	attempt   int
	logger    *slog.Logger
	resume    *Interactive
	variables map[string]any
}

func (c *nodeContext) Logger() *slog.Logger { return c.logger }

func (c *nodeContext) RunID() string { return c.r.sess.runID }

func (c *nodeContext) Node() *Node { return c.node }

func (c *nodeContext) Attempt() int { return c.attempt }

func (c *nodeContext) Query() string { return c.r.sess.query }

func (c *nodeContext) Histories() []HistoryItem { return c.r.sess.histories }

func (c *nodeContext) ChatConfig() ChatConfig { return c.r.sess.chatConfig }

func (c *nodeContext) Variables() map[string]any { return copyMap(c.variables) }

func (c *nodeContext) Model() llm.Gateway { return c.r.sess.engine.model }

func (c *nodeContext) Retriever() retrieval.Retriever { return c.r.sess.engine.retriever }

func (c *nodeContext) Sandbox() sandbox.Sandbox { return c.r.sess.engine.sandbox }

func (c *nodeContext) Stream() *stream.Writer { return c.r.sess.cfg.stream }

func (c *nodeContext) Usage() *usage.Aggregator { return c.r.sess.usage }

func (c *nodeContext) LastInteractive() *Interactive { return c.resume }

func (c *nodeContext) Render(text string) (string, error) {
	return c.r.render(text, c.variables)
}

func (c *nodeContext) Output(nodeID, key string) (any, bool) {
	return c.r.output(nodeID, key)
}

func (c *nodeContext) Outputs() map[string]map[string]any {
	return copyOutputs(c.r.outputs)
}

func (c *nodeContext) Children() []*Node {
	var out []*Node
	for i := range c.r.sess.nodes {
		if n := &c.r.sess.nodes[i]; n.ParentID == c.node.ID {
			out = append(out, n)
		}
	}
	return out
}

func (c *nodeContext) Outgoing() []Edge {
	return c.r.g.Outgoing(c.node.ID)
}

func (c *nodeContext) LookupNode(id string) (*Node, bool) {
	n, ok := c.r.sess.all[id]
	return n, ok
}

func (c *nodeContext) Dispatch(req ChildRequest) (*ChildResult, error) {
	return c.r.dispatchChild(c.Context, c.node, c.variables, req)
}
