package nodes

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/llm"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

// KeyQueries is the list output of a queryExtension node.
const KeyQueries = "queries"

// KeySystemText carries a queryExtension node's queries as a JSON string.
const KeySystemText = "system_text"

const queryExtensionPrompt = `Rewrite the user's latest question so it stands on its own, using the conversation for context,
then add up to %d alternative phrasings that would help a search find the answer.
Reply with a JSON array of strings only, the rewritten question first.`

// DefaultQueryExtensions is the number of alternative phrasings asked for.
const DefaultQueryExtensions = 3

// QueryExtension asks the model for standalone rewrites of the user's
// question, for a retrieval node to search with. The original question
// always comes first and duplicates are dropped. A reply that is not a
// JSON array leaves only the original.
//
// Inputs: model, systemPrompt (background knowledge), history,
// userChatInput. Outputs queries and system_text.
type QueryExtension struct{}

// Execute implements dispatch.Executor.
func (QueryExtension) Execute(ctx dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	query := in.String(KeyUserChatInput)
	gw, err := gateway(ctx)
	if err != nil {
		return nil, err
	}

	messages := []llm.Message{llm.System(fmt.Sprintf(queryExtensionPrompt, DefaultQueryExtensions))}
	if bg := in.String(KeySystemPrompt); bg != "" {
		messages = append(messages, llm.System("Background:\n"+bg))
	}
	messages = append(messages, historyMessages(ctx, in.Get(KeyHistory))...)
	messages = append(messages, llm.User(query))

	model := modelName(ctx, in)
	resp, err := gw.ChatCompletion(ctx, llm.ChatRequest{Model: model, Messages: messages}, nil)
	if err != nil {
		return nil, dispatch.WrapCollaborator("model", "query extension", err)
	}

	queries := uniqueQueries(append([]string{query}, parseQueries(resp.Content)...))
	text, err := json.Marshal(queries)
	if err != nil {
		return nil, err
	}
	var extensions []string
	if len(queries) > 1 {
		extensions = queries[1:]
	}
	return &dispatch.NodeResult{
		Outputs: map[string]any{
			KeyQueries:    queries,
			KeySystemText: string(text),
		},
		Usage:  []usage.Record{price(ctx, model, resp)},
		Detail: &dispatch.Detail{Extra: map[string]any{"extensionResult": extensions}},
	}, nil
}

// parseQueries reads the first JSON array of strings in a reply.
func parseQueries(reply string) []string {
	start, end := strings.Index(reply, "["), strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(reply[start:end+1]), &out); err != nil {
		return nil
	}
	return out
}

func uniqueQueries(queries []string) []string {
	seen := make(map[string]bool, len(queries))
	out := make([]string, 0, len(queries))
	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
	}
	return out
}
