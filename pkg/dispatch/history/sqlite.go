package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
)

// SQLiteStore persists history items to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite history store.
// The path should be a file path (e.g., "./history.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A :memory: database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS history (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at TEXT NOT NULL,
			data BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_history_chat_id
		ON history(chat_id, seq)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, item dispatch.HistoryItem) (dispatch.HistoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return item, ErrStoreClosed
	}
	item, err := prepare(item)
	if err != nil {
		return item, err
	}

	data, err := json.Marshal(item)
	if err != nil {
		return item, fmt.Errorf("marshal history item: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO history (id, chat_id, role, created_at, data)
		VALUES (?, ?, ?, ?, ?)
	`, item.ID, item.ChatID, string(item.Role), item.CreatedAt.Format(time.RFC3339Nano), data)
	if err != nil {
		return item, fmt.Errorf("append history item: %w", err)
	}
	return item, nil
}

// Recent implements Store.
func (s *SQLiteStore) Recent(ctx context.Context, chatID string, limit int) ([]dispatch.HistoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM (
			SELECT seq, data FROM history
			WHERE chat_id = ?
			ORDER BY seq DESC
			LIMIT ?
		) ORDER BY seq ASC
	`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	items := []dispatch.HistoryItem{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan history item: %w", err)
		}
		var item dispatch.HistoryItem
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, fmt.Errorf("unmarshal history item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return items, nil
}

// MarkAnswered implements Store.
func (s *SQLiteStore) MarkAnswered(ctx context.Context, chatID, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var data []byte
	err = tx.QueryRowContext(ctx, `
		SELECT data FROM history
		WHERE chat_id = ? AND id = ?
	`, chatID, itemID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load history item: %w", err)
	}

	var item dispatch.HistoryItem
	if err := json.Unmarshal(data, &item); err != nil {
		return fmt.Errorf("unmarshal history item: %w", err)
	}
	item.Interactive = answered(item.Interactive)
	if data, err = json.Marshal(item); err != nil {
		return fmt.Errorf("marshal history item: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE history SET data = ?
		WHERE chat_id = ? AND id = ?
	`, data, chatID, itemID); err != nil {
		return fmt.Errorf("update history item: %w", err)
	}
	return tx.Commit()
}

// DeleteChat implements Store.
func (s *SQLiteStore) DeleteChat(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM history WHERE chat_id = ?
	`, chatID); err != nil {
		return fmt.Errorf("delete chat history: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
