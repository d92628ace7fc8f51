package nodes

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/retrieval"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

// DefaultSearchLimit caps the quotes of a retrieval node.
const DefaultSearchLimit = 5

// Retrieval searches the datasets named by its datasets input.
//
// Inputs: datasets (ids, or objects with datasetId), userChatInput, limit,
// similarity. Outputs quoteQA (the hits) and isEmpty.
type Retrieval struct{}

// Execute implements dispatch.Executor.
func (Retrieval) Execute(ctx dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	r := ctx.Retriever()
	if r == nil {
		return nil, fmt.Errorf("retriever: %w", dispatch.ErrNilCollaborator)
	}

	datasets := datasetIDs(in.Slice("datasets"))
	if len(datasets) == 0 {
		return nil, errors.New("retrieval: no datasets selected")
	}

	res, err := r.Search(ctx, retrieval.SearchRequest{
		Query:      in.String(KeyUserChatInput),
		DatasetIDs: datasets,
		Limit:      in.Int("limit", DefaultSearchLimit),
		MinScore:   in.Float("similarity", 0),
	})
	if err != nil {
		return nil, dispatch.WrapCollaborator("retriever", "search", err)
	}

	docs := res.Documents
	if docs == nil {
		docs = []retrieval.Document{}
	}
	out := &dispatch.NodeResult{
		Outputs: map[string]any{
			KeyQuoteQA: docs,
			"isEmpty":  len(docs) == 0,
		},
		Detail: &dispatch.Detail{QuoteList: docs},
	}
	if res.Tokens > 0 {
		out.Usage = []usage.Record{
			ctx.Usage().Price(ctx.Node().DisplayName(), res.Model, res.Tokens, 0),
		}
	}
	return out, nil
}

func datasetIDs(items []any) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case string:
			if v != "" {
				ids = append(ids, v)
			}
		case map[string]any:
			if id, ok := v["datasetId"].(string); ok && id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}
