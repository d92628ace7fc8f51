package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch/llm"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/retry"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/stream"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

func TestDispatch_LinearChat(t *testing.T) {
	tr := &tracker{}
	gateway := llm.GatewayFunc(func(ctx context.Context, req llm.ChatRequest, onDelta llm.DeltaFunc) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Content: "hello", Model: req.Model, Usage: llm.TokenUsage{InputTokens: 10, OutputTokens: 5}}, nil
	})
	ledger := &fakeLedger{}
	engine := newTestEngine(t, tr,
		WithModelGateway(gateway),
		WithBillingLedger(ledger),
		WithPricing(usage.Pricing{"gpt": {InputPer1K: 1, OutputPer1K: 2}}))

	engine.Registry().RegisterFunc(NodeLLMChat, func(ctx Context, in Inputs) (*NodeResult, error) {
		resp, err := ctx.Model().ChatCompletion(ctx, llm.ChatRequest{
			Model:    "gpt",
			Messages: []llm.Message{llm.User(in.String("userChatInput"))},
		}, nil)
		if err != nil {
			return nil, err
		}
		rec := ctx.Usage().Price("AI Chat", resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
		return &NodeResult{
			Outputs: map[string]any{"answerText": resp.Content},
			Usage:   []usage.Record{rec},
		}, nil
	})
	engine.Registry().RegisterFunc(NodeAnswer, func(ctx Context, in Inputs) (*NodeResult, error) {
		return &NodeResult{AnswerText: in.String("text")}, nil
	})

	nodes := []Node{
		node("start", NodeStart),
		node("chat", NodeLLMChat, Input{Key: "userChatInput", ValueType: ValueString, Reference: ref("start", "userChatInput")}),
		node("reply", NodeAnswer, Input{Key: "text", ValueType: ValueString, Reference: ref("chat", "answerText")}),
	}
	edges := []Edge{edge("start", "chat"), edge("chat", "reply")}

	result, err := engine.Dispatch(context.Background(), Request{Nodes: nodes, Edges: edges, Query: "hi", TeamID: "team-1"})
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, result.State)
	assert.Equal(t, []AssistantResponse{{Type: ResponseText, Text: "hello"}}, result.AssistantResponses)
	assert.Equal(t, []string{"chat", "reply"}, responseIDs(result.FlowResponses))
	assert.Equal(t, 3, result.RunCount)

	chat, _ := findResponse(result.FlowResponses, "chat")
	assert.Equal(t, StatusSucceeded, chat.Status)
	assert.Equal(t, "gpt", chat.Model)
	assert.Equal(t, 15, chat.Tokens)
	assert.InDelta(t, 0.02, chat.Points, 1e-9)

	assert.InDelta(t, 0.02, result.TotalPoints, 1e-9)
	assert.Equal(t, "team-1", ledger.teamID)
	require.Len(t, ledger.records, 1)
	assert.Equal(t, "AI Chat", ledger.records[0].ModuleName)
}

func TestDispatch_ConditionalBranch(t *testing.T) {
	tr := &tracker{}
	engine := newTestEngine(t, tr)

	nodes := []Node{
		node("start", NodeStart),
		node("cond", NodeConditional, Input{Key: "handle", Value: "true"}),
		node("branchA", typeStep),
		node("branchB", typeStep),
		node("afterB", typeStep),
	}
	edges := []Edge{
		edge("start", "cond"),
		handleEdge("cond", "true", "branchA"),
		handleEdge("cond", "false", "branchB"),
		edge("branchB", "afterB"),
	}

	result, err := engine.Dispatch(context.Background(), Request{Nodes: nodes, Edges: edges})
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, result.NodeStatuses["branchA"])
	assert.Equal(t, StatusSkipped, result.NodeStatuses["branchB"])
	assert.Equal(t, StatusSkipped, result.NodeStatuses["afterB"], "skip propagates")
	assert.Zero(t, tr.count("branchB"))
	assert.Zero(t, tr.count("afterB"))

	_, recorded := findResponse(result.FlowResponses, "branchB")
	assert.False(t, recorded, "skipped nodes have no response")
}

func TestDispatch_CatchErrorRoutesToErrorHandle(t *testing.T) {
	tr := &tracker{}
	engine := newTestEngine(t, tr)

	risky := node("risky", typeFail)
	risky.CatchError = true
	nodes := []Node{
		node("start", NodeStart),
		risky,
		node("recover", typeStep, Input{Key: "why", Reference: ref("risky", "errorText")}),
		node("next", typeStep),
	}
	edges := []Edge{
		edge("start", "risky"),
		handleEdge("risky", "source", "next"),
		handleEdge("risky", HandleError, "recover"),
	}

	var seen string
	engine.Registry().RegisterFunc(typeStep, func(ctx Context, in Inputs) (*NodeResult, error) {
		tr.add(ctx.Node().ID)
		if ctx.Node().ID == "recover" {
			seen = in.String("why")
		}
		return &NodeResult{}, nil
	})

	result, err := engine.Dispatch(context.Background(), Request{Nodes: nodes, Edges: edges})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, result.State)

	for _, r := range result.FlowResponses {
		assert.NotEqual(t, StatusFailed, r.Status, "node %s", r.NodeID)
	}
	resp, ok := findResponse(result.FlowResponses, "risky")
	require.True(t, ok)
	assert.Contains(t, resp.Error, "boom")

	assert.Equal(t, 1, tr.count("recover"))
	assert.Contains(t, seen, "boom")
	assert.Equal(t, StatusSkipped, result.NodeStatuses["next"])
}

func TestDispatch_MaxRunTimesOnCycle(t *testing.T) {
	tr := &tracker{}
	engine := newTestEngine(t, tr)

	nodes := []Node{node("a", typeStep), node("b", typeStep)}
	edges := []Edge{edge("a", "b"), edge("b", "a")}

	w := stream.NewWriter(32)
	result, err := engine.Dispatch(context.Background(),
		Request{Nodes: nodes, Edges: edges, EntryNodeIDs: []string{"a"}},
		WithMaxRunTimes(3), WithStream(w))
	require.Error(t, err)

	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, MaxRunTimesExceeded, runErr.Kind)
	assert.ErrorIs(t, err, ErrMaxRunTimes)
	assert.Equal(t, "b", runErr.NodeID)

	assert.Equal(t, []string{"a", "b", "a"}, tr.list())
	require.NotNil(t, result)
	assert.Equal(t, RunFailed, result.State)
	assert.Equal(t, 3, result.RunCount)

	require.Len(t, result.FlowResponses, 4)
	last := result.FlowResponses[3]
	assert.Equal(t, "b", last.NodeID)
	assert.Equal(t, StatusFailed, last.Status)
	assert.Equal(t, ErrMaxRunTimes.Error(), last.Error)
	assert.Equal(t, StatusSucceeded, result.NodeStatuses["b"], "b never started again")

	assert.Equal(t, []string{
		"a:running", "a:succeeded",
		"b:running", "b:succeeded",
		"a:running", "a:succeeded",
		"b:failed",
	}, statusEvents(stream.Collect(w.Events())))
}

func TestDispatch_PartialFailureContinues(t *testing.T) {
	tr := &tracker{}
	engine := newTestEngine(t, tr)

	nodes := []Node{
		node("start", NodeStart),
		node("bad", typeFail),
		node("good", typeStep),
		node("afterBad", typeStep),
		node("join", typeStep),
	}
	edges := []Edge{
		edge("start", "bad"),
		edge("start", "good"),
		edge("bad", "afterBad"),
		edge("bad", "join"),
		edge("good", "join"),
	}

	result, err := engine.Dispatch(context.Background(), Request{Nodes: nodes, Edges: edges})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, result.State)

	assert.Equal(t, StatusFailed, result.NodeStatuses["bad"])
	assert.Equal(t, StatusSkipped, result.NodeStatuses["afterBad"])
	assert.Equal(t, StatusSucceeded, result.NodeStatuses["good"])
	assert.Equal(t, StatusSucceeded, result.NodeStatuses["join"], "join runs on its active input")

	bad, _ := findResponse(result.FlowResponses, "bad")
	assert.Equal(t, StatusFailed, bad.Status)
	assert.Contains(t, bad.Error, "boom")
}

func TestDispatch_BranchLoopTerminates(t *testing.T) {
	tr := &tracker{}
	engine := newTestEngine(t, tr)

	engine.Registry().RegisterFunc(typeStep, func(ctx Context, in Inputs) (*NodeResult, error) {
		tr.add(ctx.Node().ID)
		if ctx.Node().ID != "counter" {
			return &NodeResult{}, nil
		}
		n, _ := ctx.Variables()["n"].(int)
		return &NodeResult{Variables: map[string]any{"n": n + 1}}, nil
	})
	engine.Registry().RegisterFunc(NodeConditional, func(ctx Context, in Inputs) (*NodeResult, error) {
		tr.add(ctx.Node().ID)
		if n, _ := ctx.Variables()["n"].(int); n < 3 {
			return &NodeResult{Handles: []string{"loop"}}, nil
		}
		return &NodeResult{Handles: []string{"done"}}, nil
	})

	nodes := []Node{
		node("start", NodeStart),
		node("counter", typeStep),
		node("check", NodeConditional),
		node("end", typeStep),
	}
	edges := []Edge{
		edge("start", "counter"),
		edge("counter", "check"),
		handleEdge("check", "loop", "counter"),
		handleEdge("check", "done", "end"),
	}

	result, err := engine.Dispatch(context.Background(), Request{Nodes: nodes, Edges: edges})
	require.NoError(t, err)

	assert.Equal(t, 3, tr.count("counter"))
	assert.Equal(t, 3, tr.count("check"))
	assert.Equal(t, 1, tr.count("end"))
	assert.Equal(t, 3, result.Variables["n"])
	assert.Equal(t, StatusSucceeded, result.NodeStatuses["end"])
	assert.Equal(t, StatusSucceeded, result.NodeStatuses["counter"])
}

func TestDispatch_Deterministic(t *testing.T) {
	nodes := []Node{
		node("start", NodeStart),
		node("a", typeStep),
		node("b", typeStep),
		node("c", typeStep),
		node("d", typeStep),
	}
	edges := []Edge{edge("start", "b"), edge("start", "a"), edge("a", "d"), edge("b", "c"), edge("c", "d")}

	var first []string
	for i := 0; i < 5; i++ {
		tr := &tracker{}
		result, err := newTestEngine(t, tr).Dispatch(context.Background(), Request{Nodes: nodes, Edges: edges})
		require.NoError(t, err)
		if first == nil {
			first = responseIDs(result.FlowResponses)
			continue
		}
		assert.Equal(t, first, responseIDs(result.FlowResponses))
	}
	assert.Equal(t, []string{"b", "a", "c", "d"}, first)
}

func TestDispatch_FanOut(t *testing.T) {
	tr := &tracker{}
	engine := newTestEngine(t, tr)

	var started atomic.Int32
	engine.Registry().RegisterFunc(typeStep, func(ctx Context, in Inputs) (*NodeResult, error) {
		tr.add(ctx.Node().ID)
		if ctx.Node().ID == "join" {
			return &NodeResult{}, nil
		}
		started.Add(1)
		deadline := time.Now().Add(2 * time.Second)
		for started.Load() < 3 {
			if time.Now().After(deadline) {
				return nil, errors.New("siblings did not run concurrently")
			}
			time.Sleep(time.Millisecond)
		}
		return &NodeResult{Outputs: map[string]any{"out": ctx.Node().ID}}, nil
	})

	nodes := []Node{
		node("start", NodeStart),
		node("a", typeStep),
		node("b", typeStep),
		node("c", typeStep),
		node("join", typeStep),
	}
	edges := []Edge{
		edge("start", "a"), edge("start", "b"), edge("start", "c"),
		edge("a", "join"), edge("b", "join"), edge("c", "join"),
	}

	result, err := engine.Dispatch(context.Background(), Request{Nodes: nodes, Edges: edges}, WithFanOut(3))
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c", "join"}, responseIDs(result.FlowResponses))
	for _, r := range result.FlowResponses {
		assert.Equal(t, StatusSucceeded, r.Status, "node %s: %s", r.NodeID, r.Error)
	}
	assert.Equal(t, 1, tr.count("join"))
}

func TestDispatch_SuspendAndResume(t *testing.T) {
	tr := &tracker{}
	engine := newTestEngine(t, tr)

	engine.Registry().RegisterFunc(NodeUserInput, func(ctx Context, in Inputs) (*NodeResult, error) {
		tr.add(ctx.Node().ID)
		if ctx.LastInteractive() == nil {
			return &NodeResult{Interactive: &Interactive{
				Type:     InteractiveUserInput,
				Prompt:   "name?",
				InputKey: "reply",
			}}, nil
		}
		return &NodeResult{Outputs: map[string]any{"name": in.String("reply")}}, nil
	})
	engine.Registry().RegisterFunc(NodeAnswer, func(ctx Context, in Inputs) (*NodeResult, error) {
		tr.add(ctx.Node().ID)
		return &NodeResult{AnswerText: "hi " + in.String("text")}, nil
	})

	nodes := []Node{
		node("start", NodeStart),
		node("ask", NodeUserInput),
		node("greet", NodeAnswer, Input{Key: "text", Reference: ref("ask", "name")}),
	}
	edges := []Edge{edge("start", "ask"), edge("ask", "greet")}

	w := stream.NewWriter(32)
	first, err := engine.Dispatch(context.Background(), Request{
		Nodes:     nodes,
		Edges:     edges,
		Query:     "hello",
		Variables: map[string]any{"lang": "en"},
	}, WithStream(w))
	require.NoError(t, err)

	assert.Equal(t, RunSuspended, first.State)
	require.NotNil(t, first.Suspended)
	assert.Equal(t, "ask", first.Suspended.NodeID)
	assert.NotEmpty(t, first.Suspended.ResumeToken)
	assert.Equal(t, StatusRunning, first.NodeStatuses["ask"])
	assert.Zero(t, tr.count("greet"))

	last := first.AssistantResponses[len(first.AssistantResponses)-1]
	assert.Equal(t, ResponseInteractive, last.Type)

	askResp, _ := findResponse(first.FlowResponses, "ask")
	assert.True(t, askResp.AwaitingInput)

	events := stream.Collect(w.Events())
	require.GreaterOrEqual(t, len(events), 3)
	assert.Contains(t, statusEvents(events), "ask:"+stream.StatusAwaitingInput)
	assert.NotContains(t, statusEvents(events), "ask:succeeded")
	assert.Equal(t, stream.EventInteractive, events[len(events)-3].Type)
	assert.Equal(t, stream.EventFlowResponses, events[len(events)-2].Type)
	assert.Equal(t, stream.Done, events[len(events)-1].Data)

	it := first.Suspended.Interactive
	assert.Equal(t, "en", it.Variables["lang"])
	assert.Equal(t, []string{"ask"}, it.EntryNodeIDs)

	histories := []HistoryItem{
		{Role: RoleHuman, Text: "hello"},
		{Role: RoleAI, Interactive: it},
	}

	t.Run("stale token", func(t *testing.T) {
		_, err := engine.Dispatch(context.Background(), Request{
			Nodes: nodes, Edges: edges, Query: "bob", Histories: histories, ResumeToken: "nope",
		})
		assert.ErrorIs(t, err, ErrStaleResume)
	})

	second, err := engine.Dispatch(context.Background(), Request{
		Nodes:       nodes,
		Edges:       edges,
		Query:       "bob",
		Histories:   histories,
		ResumeToken: first.Suspended.ResumeToken,
	})
	require.NoError(t, err)

	assert.Equal(t, RunCompleted, second.State)
	assert.Equal(t, "hi bob", second.AnswerText())
	assert.Equal(t, 1, tr.count("start"), "start does not run again")
	assert.Equal(t, 2, tr.count("ask"))
	assert.Equal(t, "en", second.Variables["lang"])
}

func TestDispatch_SecondInteractionInBatchDeferred(t *testing.T) {
	tr := &tracker{}
	engine := newTestEngine(t, tr)
	engine.Registry().RegisterFunc(NodeUserInput, func(ctx Context, in Inputs) (*NodeResult, error) {
		tr.add(ctx.Node().ID)
		if ctx.LastInteractive() != nil {
			return &NodeResult{Outputs: map[string]any{"reply": in.String("reply")}}, nil
		}
		return &NodeResult{Interactive: &Interactive{
			Type:     InteractiveUserInput,
			Prompt:   ctx.Node().ID + "?",
			InputKey: "reply",
		}}, nil
	})

	nodes := []Node{node("start", NodeStart), node("ask1", NodeUserInput), node("ask2", NodeUserInput)}
	edges := []Edge{edge("start", "ask1"), edge("start", "ask2")}
	w := stream.NewWriter(64)

	result, err := engine.Dispatch(context.Background(), Request{Nodes: nodes, Edges: edges},
		WithFanOut(2), WithStream(w))
	require.NoError(t, err)
	require.Equal(t, RunSuspended, result.State)
	assert.Equal(t, "ask1", result.Suspended.NodeID)
	assert.Equal(t, []string{"ask1", "ask2"}, result.Suspended.Interactive.EntryNodeIDs)
	assert.Equal(t, 3, result.RunCount)

	deferred, ok := findResponse(result.FlowResponses, "ask2")
	require.True(t, ok, "every executed node has a response")
	assert.True(t, deferred.Deferred)
	assert.Equal(t, StatusPending, deferred.Status)
	assert.Equal(t, StatusPending, result.NodeStatuses["ask2"])

	assert.Equal(t, []string{
		"start:running", "start:succeeded",
		"ask1:running", "ask2:running",
		"ask1:" + stream.StatusAwaitingInput, "ask2:pending",
	}, statusEvents(stream.Collect(w.Events())))

	it := result.Suspended.Interactive
	assert.Equal(t, []string{"ask2"}, it.DeferredNodeIDs)
	second, err := engine.Dispatch(context.Background(), Request{
		Nodes:     nodes,
		Edges:     edges,
		Query:     "first answer",
		Histories: []HistoryItem{{Role: RoleHuman, Text: "hi"}, {Role: RoleAI, Interactive: it}},
	}, WithFanOut(2))
	require.NoError(t, err)
	require.Equal(t, RunSuspended, second.State)
	assert.Equal(t, "first answer", second.Outputs["ask1"]["reply"])
	assert.Equal(t, "ask2", second.Suspended.NodeID, "the deferred node asks on the next turn")
	assert.Equal(t, 1, tr.count("start"))
}

func TestDispatch_Cancellation(t *testing.T) {
	tr := &tracker{}
	ledger := &fakeLedger{}
	engine := newTestEngine(t, tr, WithBillingLedger(ledger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Registry().RegisterFunc(typeStep, func(c Context, in Inputs) (*NodeResult, error) {
		tr.add(c.Node().ID)
		if c.Node().ID == "paid" {
			return &NodeResult{Usage: []usage.Record{{ModuleName: "paid", Points: 1.5}}}, nil
		}
		cancel()
		<-c.Done()
		return &NodeResult{Outputs: map[string]any{"partial": true}}, c.Err()
	})

	nodes := []Node{node("paid", typeStep), node("block", typeStep), node("never", typeStep)}
	edges := []Edge{edge("paid", "block"), edge("block", "never")}

	result, err := engine.Dispatch(ctx, Request{Nodes: nodes, Edges: edges})
	require.Error(t, err)

	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, Cancelled, runErr.Kind)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, RunFailed, result.State)
	assert.Equal(t, StatusFailed, result.NodeStatuses["block"])
	assert.NotContains(t, result.Outputs, "block")
	assert.Zero(t, tr.count("never"))

	require.Len(t, ledger.records, 1, "usage is billed after cancellation")
	assert.InDelta(t, 1.5, ledger.records[0].Points, 1e-9)
}

func TestDispatch_StoppedRunKeepsTerminalEvents(t *testing.T) {
	tr := &tracker{}
	engine := newTestEngine(t, tr)
	nodes := []Node{node("start", NodeStart), node("slow", typeStep)}
	edges := []Edge{edge("start", "slow")}

	check := func(t *testing.T, ctx context.Context) {
		t.Helper()
		w := stream.NewWriter(64)
		result, err := engine.Dispatch(ctx, Request{Nodes: nodes, Edges: edges}, WithStream(w))
		require.Error(t, err)
		assert.Equal(t, RunFailed, result.State)

		events := stream.Collect(w.Events())
		assert.Equal(t, []string{"start:running", "start:succeeded", "slow:running", "slow:failed"}, statusEvents(events))
		assert.Equal(t, 1, countDone(events))
		require.GreaterOrEqual(t, len(events), 2)
		assert.Equal(t, stream.EventFlowResponses, events[len(events)-2].Type)
	}

	t.Run("timeout", func(t *testing.T) {
		engine.Registry().RegisterFunc(typeStep, func(c Context, in Inputs) (*NodeResult, error) {
			<-c.Done()
			return nil, c.Err()
		})
		for i := 0; i < 20; i++ {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			check(t, ctx)
			cancel()
		}
	})

	t.Run("cancel", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			ctx, cancel := context.WithCancel(context.Background())
			engine.Registry().RegisterFunc(typeStep, func(c Context, in Inputs) (*NodeResult, error) {
				cancel()
				<-c.Done()
				return nil, c.Err()
			})
			check(t, ctx)
			cancel()
		}
	})
}

func TestDispatch_RetryPolicy(t *testing.T) {
	tr := &tracker{}
	engine := newTestEngine(t, tr)

	var calls atomic.Int32
	engine.Registry().RegisterFunc(typeStep, func(ctx Context, in Inputs) (*NodeResult, error) {
		if calls.Add(1) < 3 {
			return nil, retry.Transient(errors.New("flaky"))
		}
		assert.Equal(t, 3, ctx.Attempt())
		return &NodeResult{}, nil
	})

	flaky := node("flaky", typeStep)
	flaky.RetryPolicy = &retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffFactor: 1}

	result, err := engine.Dispatch(context.Background(), Request{Nodes: []Node{flaky}})
	require.NoError(t, err)

	resp, ok := findResponse(result.FlowResponses, "flaky")
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, resp.Status)
	assert.Equal(t, 3, resp.Attempts)
	assert.Equal(t, 1, result.RunCount, "retries are one execution")
}

func TestDispatch_NodeFailures(t *testing.T) {
	tests := []struct {
		name    string
		node    Node
		setup   func(reg *Registry)
		opts    []RunOption
		wantErr string
	}{
		{
			name: "panic",
			node: node("x", "panicky"),
			setup: func(reg *Registry) {
				reg.RegisterFunc("panicky", func(ctx Context, in Inputs) (*NodeResult, error) {
					panic("kaboom")
				})
			},
			wantErr: "panicked: kaboom",
		},
		{
			name:    "unknown type",
			node:    node("x", "mystery"),
			wantErr: ErrUnknownNodeType.Error(),
		},
		{
			name:    "missing required input",
			node:    node("x", typeStep, Input{Key: "q", Required: true, Reference: ref("nowhere", "q")}),
			wantErr: ErrMissingInput.Error(),
		},
		{
			name: "node timeout",
			node: node("x", "slow"),
			setup: func(reg *Registry) {
				reg.RegisterFunc("slow", func(ctx Context, in Inputs) (*NodeResult, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				})
			},
			opts:    []RunOption{WithNodeTimeout(20 * time.Millisecond)},
			wantErr: ErrTimeout.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &tracker{}
			engine := newTestEngine(t, tr)
			if tt.setup != nil {
				tt.setup(engine.Registry())
			}

			result, err := engine.Dispatch(context.Background(), Request{Nodes: []Node{tt.node}}, tt.opts...)
			require.NoError(t, err, "node failures do not stop the run")
			assert.Equal(t, RunCompleted, result.State)
			assert.Equal(t, StatusFailed, result.NodeStatuses["x"])

			resp, ok := findResponse(result.FlowResponses, "x")
			require.True(t, ok)
			assert.Contains(t, resp.Error, tt.wantErr)
		})
	}
}

func TestDispatch_GraphErrorsRunNothing(t *testing.T) {
	tr := &tracker{}
	ledger := &fakeLedger{}
	engine := newTestEngine(t, tr, WithBillingLedger(ledger))

	nodes := []Node{node("a", typeStep), child("b", typeStep, "missing")}
	result, err := engine.Dispatch(context.Background(), Request{Nodes: nodes})
	require.Error(t, err)
	assert.Nil(t, result)

	var gerr *GraphError
	assert.True(t, errors.As(err, &gerr))
	assert.Empty(t, tr.list())
	assert.Empty(t, ledger.records)
}

func TestDispatch_OrphanEdgesDropped(t *testing.T) {
	tr := &tracker{}
	engine := newTestEngine(t, tr)

	nodes := []Node{node("a", typeStep), node("b", typeStep)}
	edges := []Edge{edge("a", "b"), edge("ghost", "b"), edge("a", "gone")}

	result, err := engine.Dispatch(context.Background(), Request{Nodes: nodes, Edges: edges})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tr.list())
	assert.Equal(t, RunCompleted, result.State)
}

func TestDispatch_ReplayFromHistory(t *testing.T) {
	tr := &tracker{}
	engine := newTestEngine(t, tr)

	kb := node("kb", typeStep)
	kb.ReplaysFromHistory = true
	nodes := []Node{
		node("start", NodeStart),
		kb,
		node("use", typeStep, Input{Key: "v", Reference: ref("kb", "out")}),
	}
	edges := []Edge{edge("start", "kb"), edge("kb", "use")}
	histories := []HistoryItem{
		{Role: RoleHuman, Text: "q"},
		{Role: RoleAI, NodeOutputs: map[string]map[string]any{"kb": {"out": "recorded"}}},
	}

	for i := 0; i < 2; i++ {
		result, err := engine.Dispatch(context.Background(), Request{Nodes: nodes, Edges: edges, Histories: histories})
		require.NoError(t, err)

		resp, ok := findResponse(result.FlowResponses, "kb")
		require.True(t, ok)
		assert.True(t, resp.Replayed)
		assert.Equal(t, "recorded", result.Outputs["kb"]["out"])
	}
	assert.Zero(t, tr.count("kb"), "replayed nodes never reach the executor")
	assert.Equal(t, 2, tr.count("use"))
}

func TestDispatch_InputResolution(t *testing.T) {
	tr := &tracker{}
	engine := newTestEngine(t, tr)

	var got Inputs
	engine.Registry().RegisterFunc(typeStep, func(ctx Context, in Inputs) (*NodeResult, error) {
		if ctx.Node().ID == "use" {
			got = in
		}
		return &NodeResult{Outputs: map[string]any{"count": "5"}}, nil
	})

	nodes := []Node{
		node("src", typeStep),
		node("use", typeStep,
			Input{Key: "count", ValueType: ValueNumber, Reference: ref("src", "count")},
			Input{Key: "lang", Reference: ref(VariableNodeID, "lang")},
			Input{Key: "greeting", Value: "hi {{name}} from {{$src.count$}}"},
		),
	}
	result, err := engine.Dispatch(context.Background(), Request{
		Nodes:     nodes,
		Edges:     []Edge{edge("src", "use")},
		Variables: map[string]any{"lang": "fr", "name": "ana"},
		AppID:     "app-1",
	})
	require.NoError(t, err)

	assert.Equal(t, 5.0, got["count"])
	assert.Equal(t, "fr", got["lang"])
	assert.Equal(t, "hi ana from 5", got["greeting"])
	assert.Equal(t, "app-1", result.Variables[VarAppID])
	assert.NotEmpty(t, result.Variables[VarCurrentTime])
}

func TestDispatch_StreamEvents(t *testing.T) {
	tr := &tracker{}
	engine := newTestEngine(t, tr)

	nodes := []Node{node("a", typeStep), node("b", typeStep)}
	w := stream.NewWriter(64)

	_, err := engine.Dispatch(context.Background(), Request{Nodes: nodes, Edges: []Edge{edge("a", "b")}}, WithStream(w))
	require.NoError(t, err)
	assert.True(t, w.Closed())

	var kinds []string
	for _, ev := range stream.Collect(w.Events()) {
		switch ev.Type {
		case stream.EventFlowNodeStatus:
			st := ev.Data.(stream.NodeStatus)
			kinds = append(kinds, st.NodeID+":"+st.Status)
		default:
			kinds = append(kinds, string(ev.Type))
		}
	}
	assert.Equal(t, []string{
		"a:running", "a:succeeded",
		"b:running", "b:succeeded",
		string(stream.EventFlowResponses),
		string(stream.EventAnswer),
	}, kinds)
}

func TestDispatch_ChildScopes(t *testing.T) {
	tr := &tracker{}
	engine := newTestEngine(t, tr)

	engine.Registry().RegisterFunc("group", func(ctx Context, in Inputs) (*NodeResult, error) {
		tr.add(ctx.Node().ID)
		res, err := ctx.Dispatch(ChildRequest{
			Scope:  ctx.Node().ID,
			Inputs: map[string]map[string]any{"inner1": {"seed": "planted"}},
		})
		if err != nil {
			return nil, err
		}
		return &NodeResult{
			Outputs: map[string]any{"seed": res.Outputs["inner2"]["seed"]},
			Detail:  &Detail{LoopDetail: res.FlowResponses},
		}, nil
	})
	engine.Registry().RegisterFunc(typeStep, func(ctx Context, in Inputs) (*NodeResult, error) {
		tr.add(ctx.Node().ID)
		out := map[string]any{"seed": in.Get("seed")}
		if ctx.Node().ID == "inner1" {
			return &NodeResult{Outputs: out, Variables: map[string]any{"leak": true}}, nil
		}
		return &NodeResult{Outputs: out}, nil
	})

	nodes := []Node{
		node("outer", "group"),
		child("inner1", typeStep, "outer"),
		{ID: "inner2", Type: typeStep, ParentID: "outer", Inputs: []Input{{Key: "seed", Reference: ref("inner1", "seed")}}},
		node("after", typeStep),
	}
	edges := []Edge{edge("inner1", "inner2"), edge("outer", "after")}

	result, err := engine.Dispatch(context.Background(), Request{Nodes: nodes, Edges: edges})
	require.NoError(t, err)

	assert.Equal(t, []string{"outer", "inner1", "inner2", "after"}, tr.list())
	assert.Equal(t, "planted", result.Outputs["outer"]["seed"])
	assert.NotContains(t, result.Variables, "leak", "child variables are isolated")
	assert.Equal(t, 4, result.RunCount, "children share the budget")

	outer, _ := findResponse(result.FlowResponses, "outer")
	assert.Equal(t, []string{"inner1", "inner2"}, responseIDs(outer.LoopDetail))
	assert.Equal(t, []string{"outer", "after"}, responseIDs(result.FlowResponses))
}

func TestDispatch_ChildBudgetStopsParent(t *testing.T) {
	tr := &tracker{}
	engine := newTestEngine(t, tr)

	engine.Registry().RegisterFunc("group", func(ctx Context, in Inputs) (*NodeResult, error) {
		_, err := ctx.Dispatch(ChildRequest{Scope: ctx.Node().ID, EntryNodeIDs: []string{"x"}})
		return &NodeResult{}, err
	})

	nodes := []Node{
		node("outer", "group"),
		child("x", typeStep, "outer"),
		child("y", typeStep, "outer"),
		node("after", typeStep),
	}
	edges := []Edge{edge("x", "y"), edge("y", "x"), edge("outer", "after")}

	result, err := engine.Dispatch(context.Background(), Request{Nodes: nodes, Edges: edges}, WithMaxRunTimes(4))

	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, MaxRunTimesExceeded, runErr.Kind)
	assert.Equal(t, RunFailed, result.State)
	assert.Equal(t, 4, result.RunCount)
	assert.Equal(t, []string{"x", "y", "x"}, tr.list())
	assert.Equal(t, StatusFailed, result.NodeStatuses["outer"])
	assert.Equal(t, StatusPending, result.NodeStatuses["after"])
}

func TestDispatch_ChildGraphErrorFailsNode(t *testing.T) {
	tr := &tracker{}
	engine := newTestEngine(t, tr)

	engine.Registry().RegisterFunc("group", func(ctx Context, in Inputs) (*NodeResult, error) {
		_, err := ctx.Dispatch(ChildRequest{Scope: ctx.Node().ID})
		return nil, err
	})

	// The child scope is a cycle with no entry.
	nodes := []Node{node("outer", "group"), child("x", typeStep, "outer"), child("y", typeStep, "outer")}
	edges := []Edge{edge("x", "y"), edge("y", "x")}

	result, err := engine.Dispatch(context.Background(), Request{Nodes: nodes, Edges: edges})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.NodeStatuses["outer"])

	resp, _ := findResponse(result.FlowResponses, "outer")
	assert.Contains(t, resp.Error, ErrNoEntryPoint.Error())
}
