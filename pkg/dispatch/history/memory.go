package history

import (
	"context"
	"sync"

	"github.com/randalmurphal/flowdispatch/pkg/dispatch"
)

// MemoryStore is an in-memory history store for tests and single-process
// use. Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	chats  map[string][]dispatch.HistoryItem
	closed bool
}

// NewMemoryStore creates a new in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats: make(map[string][]dispatch.HistoryItem),
	}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, item dispatch.HistoryItem) (dispatch.HistoryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return item, ErrStoreClosed
	}
	item, err := prepare(item)
	if err != nil {
		return item, err
	}
	m.chats[item.ChatID] = append(m.chats[item.ChatID], item)
	return item, nil
}

// Recent implements Store.
func (m *MemoryStore) Recent(_ context.Context, chatID string, limit int) ([]dispatch.HistoryItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	items := m.chats[chatID]
	if limit > 0 && len(items) > limit {
		items = items[len(items)-limit:]
	}
	out := make([]dispatch.HistoryItem, len(items))
	copy(out, items)
	return out, nil
}

// MarkAnswered implements Store.
func (m *MemoryStore) MarkAnswered(_ context.Context, chatID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	items := m.chats[chatID]
	for i := range items {
		if items[i].ID == itemID {
			// Replace rather than mutate: Recent callers share the pointer.
			items[i].Interactive = answered(items[i].Interactive)
			return nil
		}
	}
	return ErrNotFound
}

// DeleteChat implements Store.
func (m *MemoryStore) DeleteChat(_ context.Context, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	delete(m.chats, chatID)
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.chats = nil
	return nil
}
