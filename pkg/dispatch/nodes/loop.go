package nodes

import (
	"fmt"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
)

// Loop keys.
const (
	KeyLoopInputArray = "loopInputArray"
	KeyLoopStartInput = "loopStartInput"
	KeyLoopIndex      = "loopStartIndex"
	KeyLoopEndInput   = "loopEndInput"
	KeyLoopArray      = "loopArray"
)

// MaxLoopItems bounds the array a loop node iterates.
const MaxLoopItems = 100

// loopState is saved on the interaction of a suspended loop.
type loopState struct {
	Index   int    `json:"loopIndex"`
	Results []any  `json:"loopResults"`
	Answer  string `json:"loopAnswer,omitempty"`
}

// Loop runs its children once per element of loopInputArray. Each
// iteration is a nested dispatch entered at the loopStart child, which
// receives the element and its 1-based index; the loopEnd child's
// loopEndInput is collected into loopArray. Variables carry over from one
// iteration to the next and are exported when the loop completes.
type Loop struct{}

// Execute implements dispatch.Executor.
func (Loop) Execute(ctx dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	items := in.Slice(KeyLoopInputArray)
	if len(items) > MaxLoopItems {
		return nil, fmt.Errorf("loop: %d items exceed the limit of %d", len(items), MaxLoopItems)
	}
	start, ok := childOfType(ctx, dispatch.NodeLoopStart)
	if !ok {
		return nil, fmt.Errorf("loop: no %s child", dispatch.NodeLoopStart)
	}
	end, hasEnd := childOfType(ctx, dispatch.NodeLoopEnd)

	st := loopState{Results: make([]any, 0, len(items))}
	resume := resumedChild(ctx)
	if resume != nil {
		if err := decode(ctx.LastInteractive().Params, &st); err != nil {
			return nil, fmt.Errorf("loop: restore state: %w", err)
		}
	}

	var detail []dispatch.NodeResponse
	vars := ctx.Variables()
	for i := st.Index; i < len(items); i++ {
		req := dispatch.ChildRequest{
			Scope:     ctx.Node().ID,
			Variables: vars,
			Inputs: map[string]map[string]any{
				start.ID: {KeyLoopStartInput: items[i], KeyLoopIndex: i + 1},
			},
		}
		if resume != nil {
			req.Resume = resume
			resume = nil
		} else {
			req.EntryNodeIDs = []string{start.ID}
		}

		child, err := ctx.Dispatch(req)
		if err != nil {
			return nil, err
		}
		detail = append(detail, child.FlowResponses...)
		st.Answer += child.AnswerText()

		if child.Interactive != nil {
			st.Index = i
			return &dispatch.NodeResult{
				Interactive: wrapChild(child.Interactive, map[string]any{
					"loopIndex":   st.Index,
					"loopResults": st.Results,
					"loopAnswer":  st.Answer,
				}),
				Detail: &dispatch.Detail{LoopDetail: detail},
			}, nil
		}

		vars = child.Variables
		var v any
		if hasEnd {
			v = child.Outputs[end.ID][KeyLoopEndInput]
		}
		st.Results = append(st.Results, v)
	}

	return &dispatch.NodeResult{
		Outputs:    map[string]any{KeyLoopArray: st.Results},
		Variables:  vars,
		AnswerText: st.Answer,
		Detail:     &dispatch.Detail{LoopDetail: detail},
	}, nil
}

// LoopStart outputs the element and index injected by its loop.
type LoopStart struct{}

// Execute implements dispatch.Executor.
func (LoopStart) Execute(_ dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	return &dispatch.NodeResult{Outputs: map[string]any{
		KeyLoopStartInput: in.Get(KeyLoopStartInput),
		KeyLoopIndex:      in.Get(KeyLoopIndex),
	}}, nil
}

// LoopEnd outputs the value its loop collects.
type LoopEnd struct{}

// Execute implements dispatch.Executor.
func (LoopEnd) Execute(_ dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	return &dispatch.NodeResult{Outputs: map[string]any{KeyLoopEndInput: in.Get(KeyLoopEndInput)}}, nil
}

// Plugin runs its children as a nested dispatch entered at the pluginInput
// child, which receives the plugin node's inputs. The pluginOutput child's
// outputs become the plugin's outputs.
type Plugin struct{}

// Execute implements dispatch.Executor.
func (Plugin) Execute(ctx dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	input, ok := childOfType(ctx, dispatch.NodePluginInput)
	if !ok {
		return nil, fmt.Errorf("plugin: no %s child", dispatch.NodePluginInput)
	}
	output, hasOutput := childOfType(ctx, dispatch.NodePluginOutput)

	req := dispatch.ChildRequest{Scope: ctx.Node().ID}
	if resume := resumedChild(ctx); resume != nil {
		req.Resume = resume
	} else {
		req.EntryNodeIDs = []string{input.ID}
		req.Inputs = map[string]map[string]any{input.ID: in}
	}

	child, err := ctx.Dispatch(req)
	if err != nil {
		return nil, err
	}
	detail := &dispatch.Detail{PluginDetail: child.FlowResponses}
	if child.Interactive != nil {
		return &dispatch.NodeResult{Interactive: wrapChild(child.Interactive, nil), Detail: detail}, nil
	}

	outputs := make(map[string]any)
	if hasOutput {
		for k, v := range child.Outputs[output.ID] {
			outputs[k] = v
		}
	}
	return &dispatch.NodeResult{
		Outputs:    outputs,
		AnswerText: child.AnswerText(),
		Detail:     detail,
	}, nil
}
