package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch/stream"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

// Test node types. Only the branch types carry engine meaning.
const (
	typeStep NodeType = "step"
	typeFail NodeType = "fail"
)

// tracker records executions across goroutines.
type tracker struct {
	mu    sync.Mutex
	calls []string
}

func (t *tracker) add(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, id)
}

func (t *tracker) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *tracker) count(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.calls {
		if c == id {
			n++
		}
	}
	return n
}

// Helper graph builders

func node(id string, t NodeType, inputs ...Input) Node {
	return Node{ID: id, Name: id, Type: t, Inputs: inputs}
}

func child(id string, t NodeType, parent string) Node {
	return Node{ID: id, Name: id, Type: t, ParentID: parent}
}

func edge(src, dst string) Edge {
	return Edge{Source: src, SourceHandle: src + "-source-right", Target: dst, TargetHandle: dst + "-target-left"}
}

func handleEdge(src, handle, dst string) Edge {
	return Edge{Source: src, SourceHandle: handle, Target: dst}
}

func ref(nodeID, key string) *Reference {
	return &Reference{NodeID: nodeID, Key: key}
}

// Helper executors

// stepExecutor records the node and outputs its id under "out".
func stepExecutor(tr *tracker) Executor {
	return ExecutorFunc(func(ctx Context, in Inputs) (*NodeResult, error) {
		tr.add(ctx.Node().ID)
		return &NodeResult{Outputs: map[string]any{"out": ctx.Node().ID}}, nil
	})
}

// failExecutor records the node and fails.
func failExecutor(tr *tracker, err error) Executor {
	return ExecutorFunc(func(ctx Context, in Inputs) (*NodeResult, error) {
		tr.add(ctx.Node().ID)
		return nil, err
	})
}

// startExecutor exposes the query like the built-in start node.
func startExecutor(tr *tracker) Executor {
	return ExecutorFunc(func(ctx Context, in Inputs) (*NodeResult, error) {
		tr.add(ctx.Node().ID)
		return &NodeResult{Outputs: map[string]any{"userChatInput": ctx.Query()}, Silent: true}, nil
	})
}

// branchExecutor activates the handle named by the node's "handle" input.
func branchExecutor(tr *tracker) Executor {
	return ExecutorFunc(func(ctx Context, in Inputs) (*NodeResult, error) {
		tr.add(ctx.Node().ID)
		return &NodeResult{Handles: []string{in.String("handle")}}, nil
	})
}

func newTestRegistry(tr *tracker) *Registry {
	reg := NewRegistry()
	reg.Register(NodeStart, startExecutor(tr))
	reg.Register(typeStep, stepExecutor(tr))
	reg.Register(typeFail, failExecutor(tr, errors.New("boom")))
	reg.Register(NodeConditional, branchExecutor(tr))
	return reg
}

func newTestEngine(t *testing.T, tr *tracker, opts ...EngineOption) *Engine {
	t.Helper()
	return NewEngine(newTestRegistry(tr), opts...)
}

func responseIDs(responses []NodeResponse) []string {
	ids := make([]string, len(responses))
	for i, r := range responses {
		ids[i] = r.NodeID
	}
	return ids
}

func findResponse(responses []NodeResponse, id string) (NodeResponse, bool) {
	for _, r := range responses {
		if r.NodeID == id {
			return r, true
		}
	}
	return NodeResponse{}, false
}

// statusEvents lists the flowNodeStatus events as "node:status".
func statusEvents(events []stream.Event) []string {
	var out []string
	for _, ev := range events {
		if st, ok := ev.Data.(stream.NodeStatus); ok {
			out = append(out, st.NodeID+":"+st.Status)
		}
	}
	return out
}

func countDone(events []stream.Event) int {
	n := 0
	for _, ev := range events {
		if ev.Type == stream.EventAnswer && ev.Data == stream.Done {
			n++
		}
	}
	return n
}

// fakeLedger records billed usage.
type fakeLedger struct {
	mu      sync.Mutex
	teamID  string
	records []usage.Record
	err     error
}

func (l *fakeLedger) Record(_ context.Context, teamID string, records []usage.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.teamID = teamID
	l.records = append(l.records, records...)
	return nil
}
