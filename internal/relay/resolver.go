// ABOUTME: Thread continuity resolver for inbound user messages
// ABOUTME: Decides whether a message continues the user's recent thread or starts a new one

package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deskrelay/deskrelay/internal/store"
)

// DefaultRecencyWindow is how long a user's thread stays "live": a new
// message from the same user inside this window continues their last thread
// instead of starting a new one.
const DefaultRecencyWindow = 6 * time.Hour

// ThreadFinder is the slice of the store the resolver needs.
type ThreadFinder interface {
	RecentThreadForUser(ctx context.Context, userID string, window time.Duration) (string, error)
}

// Resolver holds the single piece of business logic governing thread
// continuity. Its answer depends only on the store contents, the user and the
// window, which keeps it directly testable.
type Resolver struct {
	finder ThreadFinder
	window time.Duration
}

// NewResolver creates a resolver. A non-positive window falls back to
// DefaultRecencyWindow.
func NewResolver(finder ThreadFinder, window time.Duration) *Resolver {
	if window <= 0 {
		window = DefaultRecencyWindow
	}
	return &Resolver{finder: finder, window: window}
}

// Window returns the configured recency window.
func (r *Resolver) Window() time.Duration {
	return r.window
}

// Resolve returns the thread id the user's next message should land in.
// ok is false when the user has no thread within the window, meaning the
// caller must start a new thread.
func (r *Resolver) Resolve(ctx context.Context, userID string) (threadID string, ok bool, err error) {
	threadID, err = r.finder.RecentThreadForUser(ctx, userID, r.window)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying recent thread: %w", err)
	}
	return threadID, true, nil
}
