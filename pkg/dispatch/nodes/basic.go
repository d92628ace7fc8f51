package nodes

import (
	"errors"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
)

// Start exposes the user's message as userChatInput. It produces no
// response record.
type Start struct{}

// Execute implements dispatch.Executor.
func (Start) Execute(ctx dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	outputs := map[string]any{KeyUserChatInput: ctx.Query()}
	for k, v := range in {
		if k != KeyUserChatInput {
			outputs[k] = v
		}
	}
	return &dispatch.NodeResult{Outputs: outputs, Silent: true}, nil
}

// Passthrough outputs its resolved inputs. It serves pluginInput and
// pluginOutput nodes.
type Passthrough struct{}

// Execute implements dispatch.Executor.
func (Passthrough) Execute(_ dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	return &dispatch.NodeResult{Outputs: map[string]any(in)}, nil
}

// StopTool ends the toolCall loop that ran it once the current round of
// tool calls finishes. Outside a tool run it does nothing.
type StopTool struct{}

// Execute implements dispatch.Executor.
func (StopTool) Execute(dispatch.Context, dispatch.Inputs) (*dispatch.NodeResult, error) {
	return &dispatch.NodeResult{}, nil
}

// Answer appends its text input to the assistant answer and streams it.
type Answer struct{}

// Execute implements dispatch.Executor.
func (Answer) Execute(ctx dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	text := in.String("text")
	if err := ctx.Stream().FastAnswer(ctx, text); err != nil {
		return nil, err
	}
	return &dispatch.NodeResult{
		Outputs:    map[string]any{KeyAnswerText: text},
		AnswerText: text,
	}, nil
}

// VariableUpdate assigns global variables from its updateList input.
type VariableUpdate struct{}

// Assignment sets one global variable. Reference wins over Value; string
// values are rendered.
type Assignment struct {
	Key       string              `json:"key"`
	ValueType dispatch.ValueType  `json:"valueType,omitempty"`
	Value     any                 `json:"value,omitempty"`
	Reference *dispatch.Reference `json:"reference,omitempty"`
}

// Execute implements dispatch.Executor.
func (VariableUpdate) Execute(ctx dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	var list []Assignment
	if err := decodeInput(in, "updateList", &list); err != nil {
		return nil, err
	}

	vars := ctx.Variables()
	updated := make(map[string]any, len(list))
	for _, a := range list {
		if a.Key == "" {
			return nil, errors.New("variable update: empty key")
		}
		v := a.Value
		if r := a.Reference; r != nil {
			if r.NodeID == dispatch.VariableNodeID {
				v = vars[r.Key]
			} else {
				v, _ = ctx.Output(r.NodeID, r.Key)
			}
		} else if s, ok := v.(string); ok {
			rendered, err := ctx.Render(s)
			if err != nil {
				return nil, err
			}
			v = rendered
		}
		v = dispatch.FormatValue(a.ValueType, v)
		updated[a.Key] = v
		vars[a.Key] = v
	}
	return &dispatch.NodeResult{Outputs: updated, Variables: updated}, nil
}
