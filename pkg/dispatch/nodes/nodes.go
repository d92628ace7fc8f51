// Package nodes provides the built-in node executors.
//
// Register installs every executor on a registry:
//
//	reg := nodes.NewRegistry()
//	engine := dispatch.NewEngine(reg, dispatch.WithModelGateway(gateway))
//
// Branch nodes (conditional, classify, userSelect) select out-handles built
// with SourceHandle, so an edge leaving the IF branch of node "check" has
// SourceHandle "check-source-IF".
package nodes

import (
	"encoding/json"
	"fmt"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/llm"
)

// Common input and output keys.
const (
	KeyUserChatInput = "userChatInput"
	KeyAnswerText    = "answerText"
	KeySystemPrompt  = "systemPrompt"
	KeyModel         = "model"
	KeyHistory       = "history"
	KeyQuoteQA       = "quoteQA"
	KeyTemperature   = "temperature"
	KeyMaxTokens     = "maxToken"
	KeyErrorText     = "errorText"
)

// SourceHandle returns the out-handle id of a branch key.
func SourceHandle(nodeID, key string) string {
	return nodeID + "-source-" + key
}

// Register installs the built-in executors on reg.
func Register(reg *dispatch.Registry) {
	reg.Register(dispatch.NodeStart, Start{})
	reg.Register(dispatch.NodePluginInput, Passthrough{})
	reg.Register(dispatch.NodePluginOutput, Passthrough{})
	reg.Register(dispatch.NodePlugin, Plugin{})
	reg.Register(dispatch.NodeLLMChat, Chat{})
	reg.Register(dispatch.NodeRetrieval, Retrieval{})
	reg.Register(dispatch.NodeToolCall, ToolCall{})
	reg.Register(dispatch.NodeCodeRun, CodeRun{})
	reg.Register(dispatch.NodeConditional, NewConditional())
	reg.Register(dispatch.NodeClassify, Classify{})
	reg.Register(dispatch.NodeLoop, Loop{})
	reg.Register(dispatch.NodeLoopStart, LoopStart{})
	reg.Register(dispatch.NodeLoopEnd, LoopEnd{})
	reg.Register(dispatch.NodeUserSelect, UserSelect{})
	reg.Register(dispatch.NodeUserInput, UserInput{})
	reg.Register(dispatch.NodeAnswer, Answer{})
	reg.Register(dispatch.NodeVariableUpdate, VariableUpdate{})
	reg.Register(dispatch.NodeHTTPRequest, HTTPRequest{})
	reg.Register(dispatch.NodeHTTPLegacy, HTTPRequest{})
	reg.Register(dispatch.NodeContentExtract, ContentExtract{})
	reg.Register(dispatch.NodeDatasetConcat, DatasetConcat{})
	reg.Register(dispatch.NodeQueryExtension, QueryExtension{})
	reg.Register(dispatch.NodeStopTool, StopTool{})
}

// NewRegistry returns a registry holding the built-in executors.
func NewRegistry() *dispatch.Registry {
	reg := dispatch.NewRegistry()
	Register(reg)
	return reg
}

// decode converts a JSON-shaped value (a decoded document, or a value that
// went through a history store) into dst.
func decode(v any, dst any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// decodeInput decodes input key into dst. A missing input leaves dst alone.
func decodeInput(in dispatch.Inputs, key string, dst any) error {
	v := in.Get(key)
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		if s == "" {
			return nil
		}
		if err := json.Unmarshal([]byte(s), dst); err != nil {
			return fmt.Errorf("input %s: %w", key, err)
		}
		return nil
	}
	if err := decode(v, dst); err != nil {
		return fmt.Errorf("input %s: %w", key, err)
	}
	return nil
}

// childOfType returns the first child of type t.
func childOfType(ctx dispatch.Context, t dispatch.NodeType) (*dispatch.Node, bool) {
	for _, n := range ctx.Children() {
		if n.Type == t {
			return n, true
		}
	}
	return nil, false
}

// wrapChild turns a suspended child run into the interaction of a
// composite node.
func wrapChild(child *dispatch.Interactive, params map[string]any) *dispatch.Interactive {
	inner := child.Innermost()
	return &dispatch.Interactive{
		Type:    dispatch.InteractiveChildren,
		Prompt:  inner.Prompt,
		Options: inner.Options,
		Forms:   inner.Forms,
		Child:   child,
		Params:  params,
	}
}

// resumedChild returns the child interaction a composite node suspended
// with last turn, or nil.
func resumedChild(ctx dispatch.Context) *dispatch.Interactive {
	last := ctx.LastInteractive()
	if last == nil || last.Type != dispatch.InteractiveChildren {
		return nil
	}
	return last.Child
}

func modelName(ctx dispatch.Context, in dispatch.Inputs) string {
	if m := in.String(KeyModel); m != "" {
		return m
	}
	return ctx.ChatConfig().Model
}

func gateway(ctx dispatch.Context) (llm.Gateway, error) {
	g := ctx.Model()
	if g == nil {
		return nil, fmt.Errorf("model gateway: %w", dispatch.ErrNilCollaborator)
	}
	return g, nil
}
