package nodes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/llm"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

// ExtractKey is one field of a contentExtract node.
type ExtractKey struct {
	Key      string `json:"key"`
	Desc     string `json:"desc"`
	Required bool   `json:"required,omitempty"`
	// Default fills the field when the model leaves it out.
	Default any `json:"defaultValue,omitempty"`
	// Enum is a newline separated list of allowed values.
	Enum string `json:"enum,omitempty"`
}

const extractToolName = "request_function"

const extractPrompt = `Extract the requested fields from the text and call %s with them.
Leave out fields the text does not state.`

// ContentExtract has the model fill a set of fields from a text. The
// fields are offered as the parameters of a single tool, and the call's
// arguments are validated against the same JSON Schema. A model that
// answers in plain JSON instead of calling the tool is accepted too.
//
// Inputs: model, description, history, content, extractKeys.
// Outputs: success (every field validated), fields (the result as a JSON
// string) and one output per field key.
type ContentExtract struct{}

// Execute implements dispatch.Executor.
func (ContentExtract) Execute(ctx dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	var keys []ExtractKey
	if err := decodeInput(in, "extractKeys", &keys); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, errors.New("content extract: no extract keys")
	}
	gw, err := gateway(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := extractSchema(keys)
	if err != nil {
		return nil, err
	}
	schema, err := compileSchema(string(raw))
	if err != nil {
		return nil, fmt.Errorf("content extract: %w", err)
	}

	messages := []llm.Message{llm.System(fmt.Sprintf(extractPrompt, extractToolName))}
	if desc := in.String("description"); desc != "" {
		messages = append(messages, llm.System(desc))
	}
	messages = append(messages, historyMessages(ctx, in.Get(KeyHistory))...)
	messages = append(messages, llm.User(in.String("content")))

	model := modelName(ctx, in)
	resp, err := gw.ChatCompletion(ctx, llm.ChatRequest{
		Model:    model,
		Messages: messages,
		Tools: []llm.Tool{{
			Name:        extractToolName,
			Description: "Receives the extracted fields",
			Parameters:  raw,
		}},
	}, nil)
	if err != nil {
		return nil, dispatch.WrapCollaborator("model", "content extract", err)
	}

	args := extractArguments(resp)
	for _, k := range keys {
		if _, ok := args[k.Key]; !ok && k.Default != nil {
			args[k.Key] = k.Default
		}
	}

	success := validateFields(schema, args) == nil
	fields, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("content extract: encode fields: %w", err)
	}
	outputs := map[string]any{
		"success": success,
		"fields":  string(fields),
	}
	for _, k := range keys {
		outputs[k.Key] = args[k.Key]
	}
	if !success {
		ctx.Logger().Debug("content extract: fields did not validate", "fields", string(fields))
	}
	return &dispatch.NodeResult{
		Outputs: outputs,
		Usage:   []usage.Record{price(ctx, model, resp)},
	}, nil
}

func extractSchema(keys []ExtractKey) (json.RawMessage, error) {
	properties := make(map[string]any, len(keys))
	required := []string{}
	for _, k := range keys {
		prop := map[string]any{"type": "string", "description": k.Desc}
		if enum := enumValues(k.Enum); len(enum) > 0 {
			prop["enum"] = enum
		}
		properties[k.Key] = prop
		if k.Required {
			required = append(required, k.Key)
		}
	}
	raw, err := json.Marshal(map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	})
	if err != nil {
		return nil, fmt.Errorf("content extract: encode schema: %w", err)
	}
	return raw, nil
}

func enumValues(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if v := strings.TrimSpace(line); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// extractArguments takes the fields from the tool call, or from a JSON
// object in the reply text.
func extractArguments(resp *llm.ChatResponse) map[string]any {
	var args map[string]any
	found := false
	for _, call := range resp.ToolCalls {
		if call.Name == extractToolName {
			_ = json.Unmarshal(call.Arguments, &args)
			found = true
			break
		}
	}
	if !found {
		text := resp.Content
		start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
		if start >= 0 && end > start {
			_ = json.Unmarshal([]byte(text[start:end+1]), &args)
		}
	}
	if args == nil {
		args = make(map[string]any)
	}
	return args
}

func validateFields(schema *jsonschema.Schema, args map[string]any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
