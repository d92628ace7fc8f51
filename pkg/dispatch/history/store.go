// Package history stores conversation turns so later dispatches can resume
// interactions and replay recorded node outputs.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
)

// Store persists history items per chat.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append stores item at the end of its chat. An empty ID or zero
	// CreatedAt is filled in; the stored item is returned.
	Append(ctx context.Context, item dispatch.HistoryItem) (dispatch.HistoryItem, error)

	// Recent returns the newest limit items of a chat, oldest first.
	// A limit of zero or less returns the whole chat. An unknown chat
	// yields an empty slice, not an error.
	Recent(ctx context.Context, chatID string, limit int) ([]dispatch.HistoryItem, error)

	// MarkAnswered flags the interaction stored on an item as answered.
	// Returns ErrNotFound if the item doesn't exist.
	MarkAnswered(ctx context.Context, chatID, itemID string) error

	// DeleteChat removes every item of a chat.
	// Returns nil if the chat has no items.
	DeleteChat(ctx context.Context, chatID string) error

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for history operations.
var (
	// ErrNotFound indicates a history item doesn't exist.
	ErrNotFound = errors.New("history item not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("history store closed")

	// ErrNoChat indicates an item without a chat id.
	ErrNoChat = errors.New("history item has no chat id")
)

// prepare validates item and fills its defaults.
func prepare(item dispatch.HistoryItem) (dispatch.HistoryItem, error) {
	if item.ChatID == "" {
		return item, ErrNoChat
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	return item, nil
}

// answered returns a copy of it flagged as answered.
func answered(it *dispatch.Interactive) *dispatch.Interactive {
	if it == nil {
		return nil
	}
	cp := *it
	cp.Answered = true
	return &cp
}
