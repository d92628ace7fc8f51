package billing

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

// MemoryLedger keeps billed entries in memory.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// Record implements Ledger.
func (l *MemoryLedger) Record(ctx context.Context, teamID string, records []usage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	for _, r := range records {
		l.entries = append(l.entries, Entry{TeamID: teamID, Record: r, BilledAt: now})
	}
	return nil
}

// Entries returns the entries billed to teamID in billing order.
func (l *MemoryLedger) Entries(teamID string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if e.TeamID == teamID {
			out = append(out, e)
		}
	}
	return out
}

// Total returns the points billed to teamID.
func (l *MemoryLedger) Total(teamID string) float64 {
	var total float64
	for _, e := range l.Entries(teamID) {
		total += e.Record.Points
	}
	return math.Round(total*10000) / 10000
}
