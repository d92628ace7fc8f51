package nodes

import (
	"sort"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
	"github.com/randalmurphal/flowdispatch/pkg/dispatch/retrieval"
)

// rrfK damps the weight of top ranks in reciprocal rank fusion.
const rrfK = 60

// DatasetConcat merges the quote lists of several retrievals into one
// ranking. A quote scores 1/(60+rank) in every list it appears in, the
// scores are summed, and duplicates collapse to their first occurrence.
//
// Every declared input other than limit is a quote list, read in
// declaration order. limit caps the merged list; zero keeps everything.
// Outputs quoteQA.
type DatasetConcat struct{}

// Execute implements dispatch.Executor.
func (DatasetConcat) Execute(ctx dispatch.Context, in dispatch.Inputs) (*dispatch.NodeResult, error) {
	var lists [][]retrieval.Document
	for _, decl := range ctx.Node().Inputs {
		if decl.Key == "limit" {
			continue
		}
		if docs := quoteDocuments(in.Get(decl.Key)); len(docs) > 0 {
			lists = append(lists, docs)
		}
	}

	merged := fuseRankings(lists)
	if limit := in.Int("limit", 0); limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return &dispatch.NodeResult{
		Outputs: map[string]any{KeyQuoteQA: merged},
		Detail:  &dispatch.Detail{QuoteList: merged},
	}, nil
}

// fuseRankings applies reciprocal rank fusion. Ties keep first-seen order.
func fuseRankings(lists [][]retrieval.Document) []retrieval.Document {
	type entry struct {
		doc   retrieval.Document
		score float64
		order int
	}
	byKey := make(map[string]*entry)
	var entries []*entry
	for _, list := range lists {
		for rank, d := range list {
			key := d.ID
			if key == "" {
				key = d.DatasetID + "\x00" + d.Q + "\x00" + d.A
			}
			e, ok := byKey[key]
			if !ok {
				e = &entry{doc: d, order: len(entries)}
				byKey[key] = e
				entries = append(entries, e)
			}
			e.score += 1 / float64(rrfK+rank+1)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].order < entries[j].order
	})
	out := make([]retrieval.Document, len(entries))
	for i, e := range entries {
		out[i] = e.doc
	}
	return out
}
