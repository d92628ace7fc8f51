package billing

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/flowdispatch/pkg/dispatch/usage"
)

// SQLiteLedger persists billed usage to SQLite.
type SQLiteLedger struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteLedger opens or creates a ledger database.
// The path should be a file path (e.g., "./billing.db") or ":memory:" for testing.
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS usage_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			team_id TEXT NOT NULL,
			module_name TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			points REAL NOT NULL,
			billed_at TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_usage_records_team_id
		ON usage_records(team_id)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteLedger{db: db}, nil
}

// Record implements Ledger. All records are written in one transaction.
func (l *SQLiteLedger) Record(ctx context.Context, teamID string, records []usage.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLedgerClosed
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_records (team_id, module_name, model, input_tokens, output_tokens, points, billed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, teamID, r.ModuleName, r.Model, r.InputTokens, r.OutputTokens, r.Points, now); err != nil {
			return fmt.Errorf("insert usage record: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage records: %w", err)
	}
	return nil
}

// Entries returns the entries billed to teamID in billing order.
func (l *SQLiteLedger) Entries(ctx context.Context, teamID string) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrLedgerClosed
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT module_name, model, input_tokens, output_tokens, points, billed_at
		FROM usage_records
		WHERE team_id = ?
		ORDER BY id
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e := Entry{TeamID: teamID}
		var billedAt string
		if err := rows.Scan(&e.Record.ModuleName, &e.Record.Model, &e.Record.InputTokens,
			&e.Record.OutputTokens, &e.Record.Points, &billedAt); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		e.BilledAt, _ = time.Parse(time.RFC3339Nano, billedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage records: %w", err)
	}
	return entries, nil
}

// Total returns the points billed to teamID.
func (l *SQLiteLedger) Total(ctx context.Context, teamID string) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return 0, ErrLedgerClosed
	}

	var total sql.NullFloat64
	if err := l.db.QueryRowContext(ctx, `
		SELECT SUM(points) FROM usage_records WHERE team_id = ?
	`, teamID).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum usage records: %w", err)
	}
	return math.Round(total.Float64*10000) / 10000, nil
}

// Close releases the database.
func (l *SQLiteLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}
