package nodes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/llm"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

// DefaultMaxToolRounds bounds the model round trips of a toolCall node.
const DefaultMaxToolRounds = 10

const pendingToolReply = "not executed: the run is waiting for user input"

// toolState is saved on the interaction of a toolCall node whose tool
// suspended.
type toolState struct {
	Messages []llm.Message `json:"messages"`
	CallID   string        `json:"toolCallId"`
	ToolID   string        `json:"toolNodeId"`
	Rounds   int           `json:"rounds"`
}

// tool is a node callable by the model.
type tool struct {
	node   *dispatch.Node
	spec   llm.Tool
	schema *jsonschema.Schema
}

// ToolCall lets the model call the nodes linked to it by selectedTools
// edges. Each call is validated against a JSON Schema built from the tool
// node's described inputs and runs as a nested dispatch entered at the
// tool node, with the arguments injected as its inputs. The loop ends when
// the model answers without calling a tool, when a tool run reaches a
// stopTool node, or after maxToolRounds rounds.
//
// Inputs: model, systemPrompt, history, userChatInput, maxToolRounds.
type ToolCall struct{}

// Execute implements dispatch.Executor.
func (ToolCall) Execute(ctx dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	gw, err := gateway(ctx)
	if err != nil {
		return nil, err
	}
	tools, specs, err := selectedTools(ctx)
	if err != nil {
		return nil, err
	}

	model := modelName(ctx, in)
	maxRounds := in.Int("maxToolRounds", DefaultMaxToolRounds)
	var (
		records []usage.Record
		detail  []dispatch.NodeResponse
		st      toolState
		stopped bool
	)

	if last := ctx.LastInteractive(); last != nil && last.Type == dispatch.InteractiveChildren {
		if err := decode(last.Params, &st); err != nil {
			return nil, fmt.Errorf("tool call: restore state: %w", err)
		}
		child, err := ctx.Dispatch(dispatch.ChildRequest{Resume: last.Child})
		if err != nil {
			return nil, err
		}
		detail = append(detail, child.FlowResponses...)
		if child.Interactive != nil {
			return suspendTool(child, st, detail, nil), nil
		}
		st.Messages = append(st.Messages, toolReply(st.CallID, toolContent(child, st.ToolID)))
		stopped = reachedStop(child)
	} else {
		st.Messages = systemMessages(ctx, in)
		st.Messages = append(st.Messages, historyMessages(ctx, in.Get(KeyHistory))...)
		st.Messages = append(st.Messages, llm.User(in.String(KeyUserChatInput)))
	}

	var content string
	for ; !stopped && st.Rounds < maxRounds; st.Rounds++ {
		resp, err := gw.ChatCompletion(ctx, llm.ChatRequest{Model: model, Messages: st.Messages, Tools: specs}, nil)
		if err != nil {
			return nil, dispatch.WithUsage(dispatch.WrapCollaborator("model", "tool call", err), records)
		}
		records = append(records, price(ctx, model, resp))
		content = resp.Content
		if len(resp.ToolCalls) == 0 {
			break
		}

		st.Messages = append(st.Messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for i, call := range resp.ToolCalls {
			t, ok := tools[call.Name]
			if !ok {
				st.Messages = append(st.Messages, toolReply(call.ID, fmt.Sprintf("unknown tool %q", call.Name)))
				continue
			}
			args, err := t.arguments(call.Arguments)
			if err != nil {
				st.Messages = append(st.Messages, toolReply(call.ID, "invalid arguments: "+err.Error()))
				continue
			}

			child, err := ctx.Dispatch(dispatch.ChildRequest{
				EntryNodeIDs: []string{t.node.ID},
				Inputs:       map[string]map[string]any{t.node.ID: args},
			})
			if err != nil {
				return nil, dispatch.WithUsage(err, records)
			}
			detail = append(detail, child.FlowResponses...)
			if child.Interactive != nil {
				for _, rest := range resp.ToolCalls[i+1:] {
					st.Messages = append(st.Messages, toolReply(rest.ID, pendingToolReply))
				}
				st.CallID, st.ToolID = call.ID, t.node.ID
				st.Rounds++
				return suspendTool(child, st, detail, records), nil
			}
			st.Messages = append(st.Messages, toolReply(call.ID, toolContent(child, t.node.ID)))
			stopped = stopped || reachedStop(child)
		}
	}

	if err := ctx.Stream().FastAnswer(ctx, content); err != nil {
		return nil, dispatch.WithUsage(err, records)
	}
	return &dispatch.NodeResult{
		Outputs:    map[string]any{KeyAnswerText: content},
		AnswerText: content,
		Usage:      records,
		Detail:     &dispatch.Detail{ToolDetail: detail},
	}, nil
}

func suspendTool(child *dispatch.ChildResult, st toolState, detail []dispatch.NodeResponse, records []usage.Record) *dispatch.NodeResult {
	return &dispatch.NodeResult{
		Interactive: wrapChild(child.Interactive, map[string]any{
			"messages":   st.Messages,
			"toolCallId": st.CallID,
			"toolNodeId": st.ToolID,
			"rounds":     st.Rounds,
		}),
		Usage:  records,
		Detail: &dispatch.Detail{ToolDetail: detail},
	}
}

// reachedStop reports whether a tool run completed a stopTool node.
func reachedStop(child *dispatch.ChildResult) bool {
	for _, r := range child.FlowResponses {
		if r.Type == dispatch.NodeStopTool && r.Status == dispatch.StatusSucceeded {
			return true
		}
	}
	return false
}

func toolReply(callID, content string) llm.Message {
	return llm.Message{Role: llm.RoleTool, ToolCallID: callID, Content: content}
}

// toolContent is what the model sees of a tool run: the tool's answer text,
// else its outputs as JSON.
func toolContent(child *dispatch.ChildResult, toolID string) string {
	if text := child.AnswerText(); text != "" {
		return text
	}
	if status := child.NodeStatuses[toolID]; status == dispatch.StatusFailed {
		for _, r := range child.FlowResponses {
			if r.NodeID == toolID && r.Error != "" {
				return "error: " + r.Error
			}
		}
	}
	data, err := json.Marshal(child.Outputs[toolID])
	if err != nil {
		return fmt.Sprintf("%v", child.Outputs[toolID])
	}
	return string(data)
}

// selectedTools collects the targets of the node's selectedTools edges.
func selectedTools(ctx dispatch.Context) (map[string]*tool, []llm.Tool, error) {
	tools := make(map[string]*tool)
	var specs []llm.Tool
	for _, e := range ctx.Outgoing() {
		if e.SourceHandle != dispatch.HandleSelectedTools {
			continue
		}
		n, ok := ctx.LookupNode(e.Target)
		if !ok {
			return nil, nil, fmt.Errorf("tool call: %w: %s", dispatch.ErrDanglingReference, e.Target)
		}
		if _, dup := tools[n.ID]; dup {
			continue
		}
		t, err := newTool(n)
		if err != nil {
			return nil, nil, err
		}
		tools[n.ID] = t
		specs = append(specs, t.spec)
	}
	return tools, specs, nil
}

var schemaCache sync.Map // string -> *jsonschema.Schema

// newTool describes n to the model. The inputs with a description are the
// tool's parameters.
func newTool(n *dispatch.Node) (*tool, error) {
	properties := make(map[string]any)
	required := []string{}
	for _, in := range n.Inputs {
		if in.Description == "" {
			continue
		}
		prop := map[string]any{"description": in.Description}
		if t := jsonType(in.ValueType); t != "" {
			prop["type"] = t
		}
		properties[in.Key] = prop
		if in.Required {
			required = append(required, in.Key)
		}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("tool %s: encode schema: %w", n.ID, err)
	}

	schema, err := compileSchema(string(raw))
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", n.ID, err)
	}
	return &tool{
		node:   n,
		spec:   llm.Tool{Name: n.ID, Description: n.DisplayName(), Parameters: raw},
		schema: schema,
	}, nil
}

func compileSchema(raw string) (*jsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(raw); ok {
		return cached.(*jsonschema.Schema), nil
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("tool.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("tool.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	schemaCache.Store(raw, schema)
	return schema, nil
}

// arguments validates raw call arguments and decodes them into input
// values.
func (t *tool) arguments(raw json.RawMessage) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if err := t.schema.Validate(inst); err != nil {
		return nil, err
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}

func jsonType(t dispatch.ValueType) string {
	switch t {
	case dispatch.ValueString:
		return "string"
	case dispatch.ValueNumber:
		return "number"
	case dispatch.ValueBoolean:
		return "boolean"
	case dispatch.ValueObject:
		return "object"
	case dispatch.ValueArrayString, dispatch.ValueArrayNumber, dispatch.ValueArrayBoolean,
		dispatch.ValueArrayObject, dispatch.ValueArrayAny:
		return "array"
	}
	return ""
}
