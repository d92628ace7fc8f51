package nodes

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/llm"
)

// scriptedGateway replays canned responses in order and records requests.
// Streamed calls receive the content word by word.
type scriptedGateway struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	requests  []llm.ChatRequest
	err       error
}

func (g *scriptedGateway) ChatCompletion(_ context.Context, req llm.ChatRequest, onDelta llm.DeltaFunc) (*llm.ChatResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	if len(g.responses) == 0 {
		return nil, llm.ErrEmptyResponse
	}
	resp := g.responses[0]
	g.responses = g.responses[1:]
	if req.Stream && onDelta != nil {
		for i, word := range strings.Fields(resp.Content) {
			if i > 0 {
				word = " " + word
			}
			onDelta(word)
		}
	}
	return resp, nil
}

func (g *scriptedGateway) calls() []llm.ChatRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]llm.ChatRequest(nil), g.requests...)
}

func reply(content string, in, out int) *llm.ChatResponse {
	return &llm.ChatResponse{
		Content: content,
		Usage:   llm.TokenUsage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}
}

// typeUpper is a test node that upper-cases its "text" input into "out".
const typeUpper dispatch.NodeType = "upper"

func upper(_ dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	return &dispatch.NodeResult{Outputs: map[string]any{"out": strings.ToUpper(in.String("text"))}}, nil
}

func newEngine(t *testing.T, opts ...dispatch.EngineOption) *dispatch.Engine {
	t.Helper()
	reg := NewRegistry()
	reg.RegisterFunc(typeUpper, upper)
	return dispatch.NewEngine(reg, opts...)
}

func node(id string, t dispatch.NodeType, inputs ...dispatch.Input) dispatch.Node {
	return dispatch.Node{ID: id, Name: id, Type: t, Inputs: inputs}
}

func childNode(id string, t dispatch.NodeType, parent string, inputs ...dispatch.Input) dispatch.Node {
	n := node(id, t, inputs...)
	n.ParentID = parent
	return n
}

func edge(src, dst string) dispatch.Edge {
	return dispatch.Edge{Source: src, SourceHandle: src + "-source-right", Target: dst, TargetHandle: dst + "-target-left"}
}

func branchEdge(src, key, dst string) dispatch.Edge {
	return dispatch.Edge{Source: src, SourceHandle: SourceHandle(src, key), Target: dst, TargetHandle: dst + "-target-left"}
}

func value(key string, v any) dispatch.Input {
	return dispatch.Input{Key: key, Value: v}
}

func refInput(key, nodeID, outKey string) dispatch.Input {
	return dispatch.Input{Key: key, Reference: &dispatch.Reference{NodeID: nodeID, Key: outKey}}
}

func ran(res *dispatch.Result, id string) bool {
	return res.NodeStatuses[id] == dispatch.StatusSucceeded
}

func findResponse(responses []dispatch.NodeResponse, id string) (dispatch.NodeResponse, bool) {
	for _, r := range responses {
		if r.NodeID == id {
			return r, true
		}
	}
	return dispatch.NodeResponse{}, false
}

// resume builds the history of a turn that suspended.
func resume(query string, res *dispatch.Result) []dispatch.HistoryItem {
	return []dispatch.HistoryItem{
		{Role: dispatch.RoleHuman, Text: query},
		{Role: dispatch.RoleAI, Interactive: res.Suspended.Interactive},
	}
}
