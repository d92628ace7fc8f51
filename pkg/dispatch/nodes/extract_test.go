package nodes

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/llm"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/retrieval"
)

var orderKeys = []any{
	map[string]any{"key": "city", "desc": "Delivery city", "required": true},
	map[string]any{"key": "size", "desc": "Pizza size", "enum": "small\nlarge"},
	map[string]any{"key": "note", "desc": "Extra note", "defaultValue": "none"},
}

func extractNode() dispatch.Node {
	return node("extract", dispatch.NodeContentExtract,
		value(KeyModel, "m"),
		value("description", "Pizza orders"),
		value("extractKeys", orderKeys),
		refInput("content", "start", KeyUserChatInput),
	)
}

func TestContentExtract(t *testing.T) {
	t.Run("tool call arguments", func(t *testing.T) {
		gw := &scriptedGateway{responses: []*llm.ChatResponse{
			toolCallResponse(llm.ToolCall{
				ID: "c1", Name: extractToolName,
				Arguments: json.RawMessage(`{"city":"Lyon","size":"large"}`),
			}),
		}}
		res, err := newEngine(t, dispatch.WithModelGateway(gw)).Dispatch(context.Background(), dispatch.Request{
			Nodes: []dispatch.Node{node("start", dispatch.NodeStart), extractNode()},
			Edges: []dispatch.Edge{edge("start", "extract")},
			Query: "a large one to Lyon",
		})
		require.NoError(t, err)

		out := res.Outputs["extract"]
		assert.Equal(t, true, out["success"])
		assert.Equal(t, "Lyon", out["city"])
		assert.Equal(t, "large", out["size"])
		assert.Equal(t, "none", out["note"])
		assert.JSONEq(t, `{"city":"Lyon","size":"large","note":"none"}`, out["fields"].(string))
		assert.Len(t, res.FlowUsages, 1)

		calls := gw.calls()
		require.Len(t, calls, 1)
		require.Len(t, calls[0].Tools, 1)
		assert.Equal(t, extractToolName, calls[0].Tools[0].Name)
		assert.JSONEq(t, `{
			"type": "object",
			"properties": {
				"city": {"type": "string", "description": "Delivery city"},
				"size": {"type": "string", "description": "Pizza size", "enum": ["small", "large"]},
				"note": {"type": "string", "description": "Extra note"}
			},
			"required": ["city"]
		}`, string(calls[0].Tools[0].Parameters))
		assert.Equal(t, llm.User("a large one to Lyon"), calls[0].Messages[len(calls[0].Messages)-1])
	})

	t.Run("plain json reply", func(t *testing.T) {
		gw := &scriptedGateway{responses: []*llm.ChatResponse{
			reply("Here you go:\n```json\n{\"city\":\"Nice\"}\n```", 4, 2),
		}}
		res, err := newEngine(t, dispatch.WithModelGateway(gw)).Dispatch(context.Background(), dispatch.Request{
			Nodes: []dispatch.Node{node("start", dispatch.NodeStart), extractNode()},
			Edges: []dispatch.Edge{edge("start", "extract")},
			Query: "to Nice",
		})
		require.NoError(t, err)
		assert.Equal(t, true, res.Outputs["extract"]["success"])
		assert.Equal(t, "Nice", res.Outputs["extract"]["city"])
		assert.Nil(t, res.Outputs["extract"]["size"])
	})

	t.Run("invalid fields are reported", func(t *testing.T) {
		gw := &scriptedGateway{responses: []*llm.ChatResponse{
			toolCallResponse(llm.ToolCall{
				ID: "c1", Name: extractToolName,
				Arguments: json.RawMessage(`{"size":"huge"}`),
			}),
		}}
		res, err := newEngine(t, dispatch.WithModelGateway(gw)).Dispatch(context.Background(), dispatch.Request{
			Nodes: []dispatch.Node{node("start", dispatch.NodeStart), extractNode()},
			Edges: []dispatch.Edge{edge("start", "extract")},
			Query: "huge",
		})
		require.NoError(t, err)
		assert.Equal(t, dispatch.StatusSucceeded, res.NodeStatuses["extract"])
		assert.Equal(t, false, res.Outputs["extract"]["success"])
		assert.Equal(t, "huge", res.Outputs["extract"]["size"])
	})

	t.Run("no keys", func(t *testing.T) {
		res, err := newEngine(t, dispatch.WithModelGateway(&scriptedGateway{})).Dispatch(context.Background(), dispatch.Request{
			Nodes: []dispatch.Node{node("extract", dispatch.NodeContentExtract)},
		})
		require.NoError(t, err)
		assert.Equal(t, dispatch.StatusFailed, res.NodeStatuses["extract"])
	})
}

func TestQueryExtension(t *testing.T) {
	gw := &scriptedGateway{responses: []*llm.ChatResponse{
		reply(`["How do I reset my router password?", "router admin password reset", "reset my router password?"]`, 8, 6),
	}}
	res, err := newEngine(t, dispatch.WithModelGateway(gw)).Dispatch(context.Background(), dispatch.Request{
		Nodes: []dispatch.Node{
			node("start", dispatch.NodeStart),
			node("expand", dispatch.NodeQueryExtension,
				value(KeyModel, "m"),
				value(KeySystemPrompt, "Home networking support"),
				refInput(KeyUserChatInput, "start", KeyUserChatInput),
			),
		},
		Edges: []dispatch.Edge{edge("start", "expand")},
		Query: "reset my router password?",
		Histories: []dispatch.HistoryItem{
			{Role: dispatch.RoleHuman, Text: "my router is a TP-Link"},
			{Role: dispatch.RoleAI, Text: "Noted."},
		},
	})
	require.NoError(t, err)

	want := []string{
		"reset my router password?",
		"How do I reset my router password?",
		"router admin password reset",
	}
	assert.Equal(t, want, res.Outputs["expand"][KeyQueries])
	text, ok := res.Outputs["expand"][KeySystemText].(string)
	require.True(t, ok)
	var decoded []string
	require.NoError(t, json.Unmarshal([]byte(text), &decoded))
	assert.Equal(t, want, decoded)
	assert.Len(t, res.FlowUsages, 1)

	msgs := gw.calls()[0].Messages
	assert.Contains(t, msgs[1].Content, "Home networking support")
	assert.Equal(t, llm.User("my router is a TP-Link"), msgs[2])
}

func TestQueryExtension_UnparsableReply(t *testing.T) {
	gw := &scriptedGateway{responses: []*llm.ChatResponse{reply("sorry, no idea", 1, 1)}}
	res, err := newEngine(t, dispatch.WithModelGateway(gw)).Dispatch(context.Background(), dispatch.Request{
		Nodes: []dispatch.Node{node("expand", dispatch.NodeQueryExtension, value(KeyUserChatInput, "hello"))},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hello"}, res.Outputs["expand"][KeyQueries])
}

func TestDatasetConcat(t *testing.T) {
	a := retrieval.Document{ID: "a", Q: "alpha"}
	b := retrieval.Document{ID: "b", Q: "beta"}
	c := retrieval.Document{ID: "c", Q: "gamma"}
	d := retrieval.Document{ID: "d", Q: "delta"}

	run := func(t *testing.T, limit int) []retrieval.Document {
		t.Helper()
		engine := newEngine(t)
		engine.Registry().RegisterFunc("search", func(ctx dispatch.Context, _ dispatch.Inputs) (*dispatch.NodeResult, error) {
			docs := map[string][]retrieval.Document{
				"s1": {a, b, c},
				"s2": {c, d, a},
			}[ctx.Node().ID]
			return &dispatch.NodeResult{Outputs: map[string]any{KeyQuoteQA: docs}}, nil
		})
		res, err := engine.Dispatch(context.Background(), dispatch.Request{
			Nodes: []dispatch.Node{
				node("s1", "search"),
				node("s2", "search"),
				node("merge", dispatch.NodeDatasetConcat,
					refInput("first", "s1", KeyQuoteQA),
					refInput("second", "s2", KeyQuoteQA),
					value("limit", limit),
				),
			},
			Edges: []dispatch.Edge{edge("s1", "merge"), edge("s2", "merge")},
		})
		require.NoError(t, err)
		require.Equal(t, dispatch.StatusSucceeded, res.NodeStatuses["merge"])
		docs, ok := res.Outputs["merge"][KeyQuoteQA].([]retrieval.Document)
		require.True(t, ok)
		return docs
	}

	ids := func(docs []retrieval.Document) []string {
		out := make([]string, len(docs))
		for i, d := range docs {
			out[i] = d.ID
		}
		return out
	}

	// a: 1/61+1/63, c: 1/63+1/61 tie broken by first sight; b: 1/62; d: 1/62.
	assert.Equal(t, []string{"a", "c", "b", "d"}, ids(run(t, 0)))
	assert.Equal(t, []string{"a", "c"}, ids(run(t, 2)))
}

func TestFuseRankings_KeysWithoutID(t *testing.T) {
	x := retrieval.Document{DatasetID: "ds", Q: "same"}
	y := retrieval.Document{DatasetID: "ds", Q: "other"}
	got := fuseRankings([][]retrieval.Document{{x, y}, {x}})
	require.Len(t, got, 2)
	assert.Equal(t, "same", got[0].Q)
}
