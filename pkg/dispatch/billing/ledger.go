// Package billing records the usage of dispatches per team.
//
// Both ledgers satisfy usage.Ledger and are passed to the engine with
// dispatch.WithBillingLedger.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

// Ledger receives billable usage. Implementations must be safe for
// concurrent use.
type Ledger interface {
	Record(ctx context.Context, teamID string, records []usage.Record) error
}

// Entry is one billed record.
type Entry struct {
	TeamID   string
	Record   usage.Record
	BilledAt time.Time
}

// ErrLedgerClosed indicates the ledger has been closed.
var ErrLedgerClosed = errors.New("billing ledger closed")

// Compile-time interface checks.
var (
	_ usage.Ledger = (*MemoryLedger)(nil)
	_ usage.Ledger = (*SQLiteLedger)(nil)
)
