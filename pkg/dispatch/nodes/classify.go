package nodes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/llm"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

// Category is one class of a classify node. Key names the out-handle.
type Category struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

const classifyPrompt = `Classify the user's message into exactly one category.
Reply with the category id only.

Categories:
%s`

// Classify asks the model to pick one of the agents input categories and
// activates that category's handle. An unrecognised reply selects the last
// category. It outputs cqResult, the chosen category's value.
type Classify struct{}

// Execute implements dispatch.Executor.
func (Classify) Execute(ctx dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	var cats []Category
	if err := decodeInput(in, "agents", &cats); err != nil {
		return nil, err
	}
	if len(cats) == 0 {
		return nil, errors.New("classify: no categories")
	}
	gw, err := gateway(ctx)
	if err != nil {
		return nil, err
	}

	var list strings.Builder
	for _, c := range cats {
		fmt.Fprintf(&list, "- id: %s, description: %s\n", c.Key, c.Value)
	}
	messages := []llm.Message{llm.System(fmt.Sprintf(classifyPrompt, list.String()))}
	if bg := in.String(KeySystemPrompt); bg != "" {
		messages = append(messages, llm.System(bg))
	}
	messages = append(messages, historyMessages(ctx, in.Get(KeyHistory))...)
	messages = append(messages, llm.User(in.String(KeyUserChatInput)))

	model := modelName(ctx, in)
	resp, err := gw.ChatCompletion(ctx, llm.ChatRequest{Model: model, Messages: messages}, nil)
	if err != nil {
		return nil, dispatch.WrapCollaborator("model", "classify", err)
	}

	picked := matchCategory(cats, resp.Content)
	return &dispatch.NodeResult{
		Outputs: map[string]any{"cqResult": picked.Value},
		Handles: []string{SourceHandle(ctx.Node().ID, picked.Key)},
		Usage:   []usage.Record{price(ctx, model, resp)},
	}, nil
}

func matchCategory(cats []Category, reply string) Category {
	reply = strings.TrimSpace(reply)
	for _, c := range cats {
		if reply == c.Key {
			return c
		}
	}
	for _, c := range cats {
		if strings.EqualFold(reply, c.Value) {
			return c
		}
	}
	for _, c := range cats {
		if c.Key != "" && strings.Contains(reply, c.Key) {
			return c
		}
	}
	return cats[len(cats)-1]
}
