// Package usage accumulates per-node cost records into a billable summary.
package usage

import (
	"context"
	"math"
	"sync"
)

// Record is one cost entry emitted by a node executor.
type Record struct {
	ModuleName   string  `json:"moduleName"`
	Model        string  `json:"model,omitempty"`
	InputTokens  int     `json:"inputTokens,omitempty"`
	OutputTokens int     `json:"outputTokens,omitempty"`
	Points       float64 `json:"totalPoints"`
}

// Price is the cost of a model per thousand tokens.
type Price struct {
	InputPer1K  float64 `json:"inputPer1K" yaml:"input_per_1k"`
	OutputPer1K float64 `json:"outputPer1K" yaml:"output_per_1k"`
}

// Pricing maps model names to prices. Unknown models cost nothing.
type Pricing map[string]Price

// Points computes the points charged for a model call.
func (p Pricing) Points(model string, inputTokens, outputTokens int) float64 {
	price, ok := p[model]
	if !ok {
		return 0
	}
	points := float64(inputTokens)/1000*price.InputPer1K + float64(outputTokens)/1000*price.OutputPer1K
	return math.Round(points*10000) / 10000
}

// Aggregator collects records for one run, including nested child runs.
// It is safe for concurrent use.
type Aggregator struct {
	flushMu sync.Mutex
	mu      sync.Mutex
	pricing Pricing
	records []Record
	billed  int
}

// NewAggregator creates an aggregator that prices records with pricing.
func NewAggregator(pricing Pricing) *Aggregator {
	return &Aggregator{pricing: pricing}
}

// Price builds a record for a model call without adding it.
func (a *Aggregator) Price(moduleName, model string, inputTokens, outputTokens int) Record {
	return Record{
		ModuleName:   moduleName,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Points:       a.pricing.Points(model, inputTokens, outputTokens),
	}
}

// Charge prices a model call and adds the record.
func (a *Aggregator) Charge(moduleName, model string, inputTokens, outputTokens int) Record {
	r := a.Price(moduleName, model, inputTokens, outputTokens)
	a.Add(r)
	return r
}

// Add appends records.
func (a *Aggregator) Add(records ...Record) {
	if len(records) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, records...)
}

// Records returns a copy of every record added so far, in insertion order.
func (a *Aggregator) Records() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Record, len(a.records))
	copy(out, a.records)
	return out
}

// Entries returns the records summed by (model, moduleName), in first-seen order.
func (a *Aggregator) Entries() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Sum(a.records)
}

// TotalPoints returns the points of every record.
func (a *Aggregator) TotalPoints() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total float64
	for _, r := range a.records {
		total += r.Points
	}
	return math.Round(total*10000) / 10000
}

// Drain returns the summed entries that have not been billed yet and marks
// them billed. A second call without new records returns nil.
func (a *Aggregator) Drain() []Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	pending := Sum(a.records[a.billed:])
	a.billed = len(a.records)
	return pending
}

// Ledger receives billable entries.
type Ledger interface {
	Record(ctx context.Context, teamID string, records []Record) error
}

// Flush bills the entries added since the previous successful flush. Nothing
// is sent when there is nothing new. On a ledger error the entries stay
// unbilled.
func (a *Aggregator) Flush(ctx context.Context, teamID string, ledger Ledger) error {
	if ledger == nil {
		return nil
	}
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	end := len(a.records)
	pending := Sum(a.records[a.billed:end])
	a.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if err := ledger.Record(ctx, teamID, pending); err != nil {
		return err
	}

	a.mu.Lock()
	a.billed = end
	a.mu.Unlock()
	return nil
}

type sumKey struct {
	model  string
	module string
}

// Sum merges records sharing (model, moduleName), keeping first-seen order.
func Sum(records []Record) []Record {
	if len(records) == 0 {
		return nil
	}
	index := make(map[sumKey]int, len(records))
	out := make([]Record, 0, len(records))
	for _, r := range records {
		k := sumKey{model: r.Model, module: r.ModuleName}
		i, ok := index[k]
		if !ok {
			index[k] = len(out)
			out = append(out, r)
			continue
		}
		out[i].InputTokens += r.InputTokens
		out[i].OutputTokens += r.OutputTokens
		out[i].Points += r.Points
	}
	return out
}
