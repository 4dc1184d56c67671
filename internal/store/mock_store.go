// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	messages map[string]*Message // keyed by message ID
	lastTS   time.Time
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		messages: make(map[string]*Message),
	}
}

// AppendMessage stores a message with a strictly increasing timestamp.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.messages[msg.ID]; ok {
		return ErrDuplicateMessage
	}

	now := time.Now().UTC()
	if !now.After(m.lastTS) {
		now = m.lastTS.Add(time.Microsecond)
	}
	m.lastTS = now
	msg.CreatedAt = now

	// Make a copy to avoid external modification
	stored := *msg
	m.messages[stored.ID] = &stored
	return nil
}

// AppendMessageAt stores a message with an explicit timestamp. Test seeding
// helper for exercising recency-window behavior; not part of the Store
// interface.
func (m *MockStore) AppendMessageAt(msg *Message, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *msg
	stored.CreatedAt = at
	m.messages[stored.ID] = &stored
	if at.After(m.lastTS) {
		m.lastTS = at
	}
}

// GetMessage retrieves a message by id.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *msg
	return &result, nil
}

// RecentThreadForUser returns the thread of the user's most recent message
// inside the window.
func (m *MockStore) RecentThreadForUser(ctx context.Context, userID string, window time.Duration) (string, error) {
	cutoff := time.Now().UTC().Add(-window)
	return m.latestThread(userID, func(msg *Message) bool {
		return !msg.CreatedAt.Before(cutoff)
	})
}

// LatestThreadForUser returns the thread of the user's most recent message.
func (m *MockStore) LatestThreadForUser(ctx context.Context, userID string) (string, error) {
	return m.latestThread(userID, func(*Message) bool { return true })
}

func (m *MockStore) latestThread(userID string, match func(*Message) bool) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Message
	for _, msg := range m.messages {
		if msg.Author != userID || !match(msg) {
			continue
		}
		if latest == nil || msg.CreatedAt.After(latest.CreatedAt) {
			latest = msg
		}
	}
	if latest == nil {
		return "", ErrNotFound
	}
	return latest.ThreadID, nil
}

// ThreadMessages returns messages in a thread ordered by CreatedAt ascending.
func (m *MockStore) ThreadMessages(ctx context.Context, threadID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var messages []*Message
	for _, msg := range m.messages {
		if msg.ThreadID == threadID {
			result := *msg
			messages = append(messages, &result)
		}
	}
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

// ThreadExists reports whether any message carries the given thread id.
func (m *MockStore) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.messages {
		if msg.ThreadID == threadID {
			return true, nil
		}
	}
	return false, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
