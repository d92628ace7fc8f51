package nodes

import (
	"fmt"
	"strings"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/llm"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/retrieval"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

// DefaultHistoryWindow is the number of history items sent to the model
// when a node's history input is unset.
const DefaultHistoryWindow = 6

const quotePrompt = "Use the following references when answering. " +
	"If they do not contain the answer, say so.\n\n<references>\n%s\n</references>"

// Chat calls the model with the system prompt, a window of the
// conversation, optional retrieval quotes and the user's message.
//
// Inputs: model, systemPrompt, history (count or message list), quoteQA,
// userChatInput, temperature, maxToken, isResponseAnswerText (default true).
// With isResponseAnswerText the reply is streamed as fastAnswer deltas and
// appended to the assistant answer.
type Chat struct{}

// Execute implements dispatch.Executor.
func (Chat) Execute(ctx dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	gw, err := gateway(ctx)
	if err != nil {
		return nil, err
	}

	model := modelName(ctx, in)
	messages := systemMessages(ctx, in)
	if quotes := quoteDocuments(in.Get(KeyQuoteQA)); len(quotes) > 0 {
		messages = append(messages, llm.System(fmt.Sprintf(quotePrompt, formatQuotes(quotes))))
	}
	messages = append(messages, historyMessages(ctx, in.Get(KeyHistory))...)
	messages = append(messages, llm.User(in.String(KeyUserChatInput)))

	answer := in.Bool("isResponseAnswerText", true)
	req := llm.ChatRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: in.Int(KeyMaxTokens, 0),
		Stream:    answer && ctx.Stream() != nil,
	}
	if in.Has(KeyTemperature) {
		t := in.Float(KeyTemperature, 0)
		req.Temperature = &t
	}

	var onDelta llm.DeltaFunc
	if req.Stream {
		onDelta = func(delta string) {
			_ = ctx.Stream().FastAnswer(ctx, delta)
		}
	}
	resp, err := gw.ChatCompletion(ctx, req, onDelta)
	if err != nil {
		return nil, dispatch.WrapCollaborator("model", "chat completion", err)
	}

	res := &dispatch.NodeResult{
		Outputs: map[string]any{KeyAnswerText: resp.Content},
		Usage:   []usage.Record{price(ctx, model, resp)},
	}
	if answer {
		res.AnswerText = resp.Content
	}
	return res, nil
}

// systemMessages returns the node's system prompt, falling back to the
// app's.
func systemMessages(ctx dispatch.Context, in dispatch.Inputs) []llm.Message {
	prompt := in.String(KeySystemPrompt)
	if prompt == "" {
		prompt = ctx.ChatConfig().SystemPrompt
	}
	if prompt == "" {
		return nil
	}
	return []llm.Message{llm.System(prompt)}
}

// historyMessages converts the history input into model messages. A number
// selects that many recent items of the conversation; a list is taken as
// given.
func historyMessages(ctx dispatch.Context, v any) []llm.Message {
	var items []dispatch.HistoryItem
	switch h := v.(type) {
	case nil:
		items = window(ctx.Histories(), DefaultHistoryWindow)
	case int:
		items = window(ctx.Histories(), h)
	case float64:
		items = window(ctx.Histories(), int(h))
	default:
		if err := decode(h, &items); err != nil {
			return nil
		}
	}

	out := make([]llm.Message, 0, len(items))
	for _, it := range items {
		if it.Text == "" {
			continue
		}
		switch it.Role {
		case dispatch.RoleHuman:
			out = append(out, llm.User(it.Text))
		case dispatch.RoleAI:
			out = append(out, llm.Assistant(it.Text))
		case dispatch.RoleSystem:
			out = append(out, llm.System(it.Text))
		}
	}
	return out
}

func window(items []dispatch.HistoryItem, n int) []dispatch.HistoryItem {
	if n <= 0 {
		return nil
	}
	if len(items) > n {
		return items[len(items)-n:]
	}
	return items
}

func quoteDocuments(v any) []retrieval.Document {
	if v == nil {
		return nil
	}
	if docs, ok := v.([]retrieval.Document); ok {
		return docs
	}
	var docs []retrieval.Document
	if err := decode(v, &docs); err != nil {
		return nil
	}
	return docs
}

func formatQuotes(docs []retrieval.Document) string {
	var b strings.Builder
	for i, d := range docs {
		if i > 0 {
			b.WriteString("\n------\n")
		}
		b.WriteString(d.Q)
		if d.A != "" {
			b.WriteString("\n")
			b.WriteString(d.A)
		}
	}
	return b.String()
}

// price builds the usage record of a model call. The engine adds it to the
// run's aggregator.
func price(ctx dispatch.Context, model string, resp *llm.ChatResponse) usage.Record {
	if model == "" {
		model = resp.Model
	}
	return ctx.Usage().Price(ctx.Node().DisplayName(), model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
}
