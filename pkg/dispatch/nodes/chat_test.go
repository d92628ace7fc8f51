package nodes

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/llm"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/retrieval"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/stream"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

func TestChat_StreamsAnswerWithHistory(t *testing.T) {
	gw := &scriptedGateway{responses: []*llm.ChatResponse{reply("Hello there friend", 10, 5)}}
	engine := newEngine(t,
		dispatch.WithModelGateway(gw),
		dispatch.WithPricing(usage.Pricing{"m": {InputPer1K: 1, OutputPer1K: 2}}),
	)

	nodes := []dispatch.Node{
		node("start", dispatch.NodeStart),
		node("chat", dispatch.NodeLLMChat,
			value(KeyModel, "m"),
			value(KeySystemPrompt, "Be brief"),
			value(KeyHistory, 2),
			refInput(KeyUserChatInput, "start", KeyUserChatInput),
		),
	}
	histories := []dispatch.HistoryItem{
		{Role: dispatch.RoleHuman, Text: "first"},
		{Role: dispatch.RoleAI, Text: "reply one"},
		{Role: dispatch.RoleHuman, Text: "second"},
	}

	w := stream.NewWriter(64)
	res, err := engine.Dispatch(context.Background(), dispatch.Request{
		Nodes:     nodes,
		Edges:     []dispatch.Edge{edge("start", "chat")},
		Query:     "hi",
		Histories: histories,
	}, dispatch.WithStream(w))
	require.NoError(t, err)

	assert.Equal(t, "Hello there friend", res.AnswerText())
	assert.Equal(t, "Hello there friend", res.Outputs["chat"][KeyAnswerText])

	var deltas strings.Builder
	for _, ev := range stream.Collect(w.Events()) {
		if ev.Type == stream.EventFastAnswer {
			deltas.WriteString(ev.Data.(stream.Delta).Delta)
		}
	}
	assert.Equal(t, "Hello there friend", deltas.String())

	calls := gw.calls()
	require.Len(t, calls, 1)
	req := calls[0]
	assert.True(t, req.Stream)
	assert.Equal(t, "m", req.Model)
	assert.Equal(t, []llm.Message{
		llm.System("Be brief"),
		llm.Assistant("reply one"),
		llm.User("second"),
		llm.User("hi"),
	}, req.Messages)

	require.Len(t, res.FlowUsages, 1)
	assert.Equal(t, "chat", res.FlowUsages[0].ModuleName)
	assert.InDelta(t, 0.02, res.TotalPoints, 1e-9)

	resp, ok := findResponse(res.FlowResponses, "chat")
	require.True(t, ok)
	assert.Equal(t, 15, resp.Tokens)
	_, ok = findResponse(res.FlowResponses, "start")
	assert.False(t, ok, "start is silent")
}

func TestChat_NotAnswer(t *testing.T) {
	gw := &scriptedGateway{responses: []*llm.ChatResponse{reply("internal", 1, 1)}}
	engine := newEngine(t, dispatch.WithModelGateway(gw))

	res, err := engine.Dispatch(context.Background(), dispatch.Request{
		Nodes: []dispatch.Node{
			node("chat", dispatch.NodeLLMChat, value("isResponseAnswerText", false), value(KeyUserChatInput, "x")),
		},
		Query: "x",
	})
	require.NoError(t, err)
	assert.Empty(t, res.AnswerText())
	assert.Equal(t, "internal", res.Outputs["chat"][KeyAnswerText])
	assert.False(t, gw.calls()[0].Stream)
}

func TestChat_Failures(t *testing.T) {
	t.Run("no gateway", func(t *testing.T) {
		engine := newEngine(t)
		res, err := engine.Dispatch(context.Background(), dispatch.Request{
			Nodes: []dispatch.Node{node("chat", dispatch.NodeLLMChat)},
		})
		require.NoError(t, err)
		assert.Equal(t, dispatch.StatusFailed, res.NodeStatuses["chat"])
		resp, _ := findResponse(res.FlowResponses, "chat")
		assert.Contains(t, resp.Error, dispatch.ErrNilCollaborator.Error())
	})

	t.Run("gateway error", func(t *testing.T) {
		gw := &scriptedGateway{err: errors.New("rate limited")}
		engine := newEngine(t, dispatch.WithModelGateway(gw))
		res, err := engine.Dispatch(context.Background(), dispatch.Request{
			Nodes: []dispatch.Node{node("chat", dispatch.NodeLLMChat)},
		})
		require.NoError(t, err)
		resp, _ := findResponse(res.FlowResponses, "chat")
		assert.Equal(t, dispatch.StatusFailed, resp.Status)
		assert.Contains(t, resp.Error, "model chat completion: rate limited")
	})
}

func TestRetrieval_QuotesReachChat(t *testing.T) {
	kb := retrieval.NewKeywordRetriever()
	kb.Add(
		retrieval.Document{ID: "1", DatasetID: "kb", Q: "How do I reset my password", A: "Use the reset link"},
		retrieval.Document{ID: "2", DatasetID: "kb", Q: "Shipping times", A: "Three days"},
	)
	gw := &scriptedGateway{responses: []*llm.ChatResponse{reply("Use the link.", 30, 4)}}
	engine := newEngine(t, dispatch.WithModelGateway(gw), dispatch.WithRetriever(kb))

	nodes := []dispatch.Node{
		node("start", dispatch.NodeStart),
		node("search", dispatch.NodeRetrieval,
			value("datasets", []any{"kb", map[string]any{"datasetId": "other"}}),
			refInput(KeyUserChatInput, "start", KeyUserChatInput),
		),
		node("chat", dispatch.NodeLLMChat,
			refInput(KeyQuoteQA, "search", KeyQuoteQA),
			refInput(KeyUserChatInput, "start", KeyUserChatInput),
		),
	}
	res, err := engine.Dispatch(context.Background(), dispatch.Request{
		Nodes: nodes,
		Edges: []dispatch.Edge{edge("start", "search"), edge("search", "chat")},
		Query: "reset password",
	})
	require.NoError(t, err)

	search, ok := findResponse(res.FlowResponses, "search")
	require.True(t, ok)
	require.Len(t, search.QuoteList, 1)
	assert.Equal(t, "1", search.QuoteList[0].ID)
	assert.Equal(t, false, res.Outputs["search"]["isEmpty"])

	msgs := gw.calls()[0].Messages
	require.NotEmpty(t, msgs)
	assert.Equal(t, llm.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "Use the reset link")
	assert.Equal(t, llm.User("reset password"), msgs[len(msgs)-1])
}

func TestRetrieval_NoRetriever(t *testing.T) {
	engine := newEngine(t)
	res, err := engine.Dispatch(context.Background(), dispatch.Request{
		Nodes: []dispatch.Node{node("search", dispatch.NodeRetrieval, value("datasets", []any{"kb"}))},
	})
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusFailed, res.NodeStatuses["search"])
}

func TestClassify(t *testing.T) {
	agents := []any{
		map[string]any{"key": "refund", "value": "Refund request"},
		map[string]any{"key": "other", "value": "Anything else"},
	}
	nodes := []dispatch.Node{
		node("start", dispatch.NodeStart),
		node("cls", dispatch.NodeClassify, value("agents", agents), refInput(KeyUserChatInput, "start", KeyUserChatInput)),
		node("refund", typeUpper),
		node("other", typeUpper),
	}
	edges := []dispatch.Edge{
		edge("start", "cls"),
		branchEdge("cls", "refund", "refund"),
		branchEdge("cls", "other", "other"),
	}

	tests := []struct {
		name  string
		reply string
		want  string
		skip  string
		value string
	}{
		{"by key", "refund", "refund", "other", "Refund request"},
		{"by value", "anything else", "other", "refund", "Anything else"},
		{"unrecognised picks last", "no idea", "other", "refund", "Anything else"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &scriptedGateway{responses: []*llm.ChatResponse{reply(tt.reply, 5, 1)}}
			engine := newEngine(t, dispatch.WithModelGateway(gw))

			res, err := engine.Dispatch(context.Background(), dispatch.Request{
				Nodes: nodes, Edges: edges, Query: "I want my money back",
			})
			require.NoError(t, err)
			assert.True(t, ran(res, tt.want))
			assert.Equal(t, dispatch.StatusSkipped, res.NodeStatuses[tt.skip])
			assert.Equal(t, tt.value, res.Outputs["cls"]["cqResult"])
			assert.Contains(t, gw.calls()[0].Messages[0].Content, "id: refund")
		})
	}
}

func TestMatchCategory(t *testing.T) {
	cats := []Category{{Key: "a1", Value: "Sales"}, {Key: "b2", Value: "Support"}}
	tests := []struct {
		reply string
		want  string
	}{
		{"a1", "a1"},
		{"  b2\n", "b2"},
		{"support", "b2"},
		{"The category is a1.", "a1"},
		{"", "b2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchCategory(cats, tt.reply).Key, "reply %q", tt.reply)
	}
}
