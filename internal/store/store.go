// ABOUTME: Store interface and Message type for deskrelay persistence
// ABOUTME: A thread is the set of messages sharing a thread_id, rooted at the message whose id equals it

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned when appending a message whose id is already stored
var ErrDuplicateMessage = errors.New("message already exists")

// Message is a single relayed message. Messages are immutable once appended.
//
// There is no thread table: a thread is the set of all messages sharing a
// ThreadID, ordered by CreatedAt. The root message of a thread carries its own
// ID as ThreadID, so a thread is identified by its root message.
type Message struct {
	ID        string // provider-assigned identifier, globally unique
	ThreadID  string
	Author    string // end-user id for inbound submissions, operator display name for replies
	Text      string
	CreatedAt time.Time // assigned by the store at append time
}

// Store defines the interface for message persistence.
type Store interface {
	// AppendMessage persists msg, overwriting msg.CreatedAt with a
	// store-assigned timestamp. Timestamps are strictly increasing across
	// appends, so readers ordering by created_at see messages in append
	// order. Returns ErrDuplicateMessage if the id is already stored.
	AppendMessage(ctx context.Context, msg *Message) error

	// GetMessage retrieves a message by id. Returns ErrNotFound if it does
	// not exist.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// RecentThreadForUser returns the thread id of the most recent message
	// authored by userID within the window. Returns ErrNotFound when the
	// user has no message inside the window.
	RecentThreadForUser(ctx context.Context, userID string, window time.Duration) (string, error)

	// LatestThreadForUser returns the thread id of the user's most recent
	// message regardless of age. Returns ErrNotFound when the user has no
	// messages at all.
	LatestThreadForUser(ctx context.Context, userID string) (string, error)

	// ThreadMessages returns every message in the thread ordered by
	// CreatedAt ascending. An unknown thread yields an empty slice.
	ThreadMessages(ctx context.Context, threadID string) ([]*Message, error)

	// ThreadExists reports whether any message carries the given thread id.
	ThreadExists(ctx context.Context, threadID string) (bool, error)

	// Close releases any resources held by the store
	Close() error
}
