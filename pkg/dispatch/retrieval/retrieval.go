// Package retrieval defines the knowledge-base search contract and a small
// in-memory implementation.
package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Retriever searches datasets for documents relevant to a query.
type Retriever interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResult, error)
}

// SearchRequest is a retrieval query.
type SearchRequest struct {
	Query      string   `json:"query"`
	DatasetIDs []string `json:"datasetIds"`
	Limit      int      `json:"limit,omitempty"`
	// MinScore drops documents scoring below it.
	MinScore float64        `json:"minScore,omitempty"`
	Filters  map[string]any `json:"filters,omitempty"`
}

// Document is one search hit.
type Document struct {
	ID         string  `json:"id"`
	DatasetID  string  `json:"datasetId"`
	SourceName string  `json:"sourceName,omitempty"`
	Q          string  `json:"q"`
	A          string  `json:"a,omitempty"`
	Score      float64 `json:"score"`
}

// SearchResult holds hits plus the embedding cost of the query.
type SearchResult struct {
	Documents []Document `json:"documents"`
	Model     string     `json:"model,omitempty"`
	Tokens    int        `json:"tokens"`
}

// KeywordRetriever scores documents by token overlap with the query.
// It stands in for a vector store in tests and local runs.
type KeywordRetriever struct {
	mu   sync.RWMutex
	docs map[string][]Document
}

// NewKeywordRetriever creates an empty retriever.
func NewKeywordRetriever() *KeywordRetriever {
	return &KeywordRetriever{docs: make(map[string][]Document)}
}

// Add indexes documents under their DatasetID.
func (r *KeywordRetriever) Add(docs ...Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range docs {
		r.docs[d.DatasetID] = append(r.docs[d.DatasetID], d)
	}
}

// Search implements Retriever.
func (r *KeywordRetriever) Search(ctx context.Context, req SearchRequest) (*SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := tokenize(req.Query)

	r.mu.RLock()
	var hits []Document
	for _, id := range req.DatasetIDs {
		for _, d := range r.docs[id] {
			score := overlap(terms, tokenize(d.Q+" "+d.A))
			if score <= 0 || score < req.MinScore {
				continue
			}
			d.Score = score
			hits = append(hits, d)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if req.Limit > 0 && len(hits) > req.Limit {
		hits = hits[:req.Limit]
	}
	return &SearchResult{Documents: hits, Tokens: len(terms)}, nil
}

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		out[f] = struct{}{}
	}
	return out
}

func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	n := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			n++
		}
	}
	return float64(n) / float64(len(query))
}
