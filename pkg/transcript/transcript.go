// Package transcript persists finalized conversation turns so a later live
// session can be seeded with them.
package transcript

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// Entry is one finalized utterance.
type Entry struct {
	// Role is "user" or "agent".
	Role string
	Text string
	At   time.Time
}

// Store records entries per conversation and returns the most recent ones.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// WriteEntry appends e to the conversation.
	WriteEntry(ctx context.Context, conversationID string, e Entry) error

	// History returns up to limit of the newest entries in chronological
	// order. limit <= 0 means all entries.
	History(ctx context.Context, conversationID string, limit int) ([]Entry, error)
}

// ErrEmptyConversation is returned when a conversation ID is empty.
var ErrEmptyConversation = errors.New("transcript: empty conversation id")

// MemoryStore is an in-process [Store]. The zero value is ready to use.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]Entry
}

var _ Store = (*MemoryStore)(nil)

// WriteEntry implements [Store].
func (m *MemoryStore) WriteEntry(_ context.Context, conversationID string, e Entry) error {
	if conversationID == "" {
		return ErrEmptyConversation
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string][]Entry)
	}
	m.entries[conversationID] = append(m.entries[conversationID], e)
	return nil
}

// History implements [Store].
func (m *MemoryStore) History(_ context.Context, conversationID string, limit int) ([]Entry, error) {
	if conversationID == "" {
		return nil, ErrEmptyConversation
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.entries[conversationID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return slices.Clone(all), nil
}
