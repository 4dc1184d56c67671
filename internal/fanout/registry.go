// ABOUTME: Live fan-out registry for observer connections keyed by subscribing user
// ABOUTME: Replays thread history on subscribe, then delivers payloads and prunes failed connections

package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deskrelay/deskrelay/internal/metrics"
	"github.com/deskrelay/deskrelay/internal/store"
)

// Payload is the wire shape pushed to observers for each live message.
type Payload struct {
	Text string `json:"text"`
	User string `json:"user"`
}

// Conn is a live observer connection addressed by user id. Implementations
// must tolerate concurrent Send calls and make Close idempotent. A Conn whose
// Send fails is closed and dropped by the registry; it is never retried.
type Conn interface {
	ID() string
	UserID() string
	Send(payload []byte) error
	Close()
}

// History loads the replay snapshot sent to an observer on subscribe.
// store.Store satisfies it.
type History interface {
	LatestThreadForUser(ctx context.Context, userID string) (string, error)
	ThreadMessages(ctx context.Context, threadID string) ([]*store.Message, error)
}

// snapshotMessage is the JSON shape of one replayed message.
type snapshotMessage struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	User      string `json:"user"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

// snapshot is the initial frame sent to every new observer. Responses is
// always present, possibly empty.
type snapshot struct {
	Responses []snapshotMessage `json:"responses"`
}

// Registry tracks active observer connections per user and fans live payloads
// out to them. Multiple simultaneous connections for the same user are
// allowed; each receives its own replay and its own live stream.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]map[string]Conn // userID -> connID -> conn
	history History
	logger  *slog.Logger
}

// NewRegistry creates a registry. Pass nil logger for default.
func NewRegistry(history History, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:   make(map[string]map[string]Conn),
		history: history,
		logger:  logger.With("component", "fanout"),
	}
}

// Subscribe replays the history of the user's most recent thread to conn as a
// single snapshot frame, then adds conn to the active set so it receives live
// deliveries. The conn is not registered (and is left for the caller to
// close) if the replay cannot be loaded or sent.
//
// A message persisted after the snapshot read but delivered before
// registration completes appears in neither the replay nor the live stream;
// holding the lock across the snapshot would instead deliver such a message
// twice. The stream is not gapless, and a reconnect replays anything missed.
func (r *Registry) Subscribe(ctx context.Context, conn Conn) error {
	snap, err := r.loadSnapshot(ctx, conn.UserID())
	if err != nil {
		return fmt.Errorf("loading replay snapshot: %w", err)
	}

	frame, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding replay snapshot: %w", err)
	}
	if err := conn.Send(frame); err != nil {
		return fmt.Errorf("sending replay snapshot: %w", err)
	}

	r.mu.Lock()
	if _, ok := r.conns[conn.UserID()]; !ok {
		r.conns[conn.UserID()] = make(map[string]Conn)
	}
	r.conns[conn.UserID()][conn.ID()] = conn
	r.mu.Unlock()

	metrics.ObserverConnections.Inc()
	r.logger.Debug("observer subscribed",
		"user_id", conn.UserID(),
		"conn_id", conn.ID(),
		"replayed", len(snap.Responses))
	return nil
}

// loadSnapshot builds the replay snapshot for a user. A user with no history
// gets an empty (non-nil) response list.
func (r *Registry) loadSnapshot(ctx context.Context, userID string) (*snapshot, error) {
	snap := &snapshot{Responses: []snapshotMessage{}}

	threadID, err := r.history.LatestThreadForUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return snap, nil
	}
	if err != nil {
		return nil, err
	}

	messages, err := r.history.ThreadMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}
	for _, msg := range messages {
		snap.Responses = append(snap.Responses, snapshotMessage{
			ID:        msg.ID,
			ThreadID:  msg.ThreadID,
			User:      msg.Author,
			Text:      msg.Text,
			CreatedAt: msg.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	return snap, nil
}

// Unregister removes a connection from the active set and closes it.
// Safe to call for a connection that was never registered or is already gone.
func (r *Registry) Unregister(conn Conn) {
	r.mu.Lock()
	removed := false
	if conns, ok := r.conns[conn.UserID()]; ok {
		if _, exists := conns[conn.ID()]; exists {
			delete(conns, conn.ID())
			removed = true
		}
		if len(conns) == 0 {
			delete(r.conns, conn.UserID())
		}
	}
	r.mu.Unlock()

	conn.Close()

	if removed {
		metrics.ObserverConnections.Dec()
		r.logger.Debug("observer unregistered",
			"user_id", conn.UserID(),
			"conn_id", conn.ID())
	}
}

// Deliver sends payload to every open connection of the given user. A
// connection whose send fails is removed in the same pass; failures never
// affect delivery to the remaining connections. Returns the number of
// successful deliveries.
func (r *Registry) Deliver(userID string, payload Payload) int {
	frame, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("encoding payload", "error", err)
		return 0
	}

	// Snapshot connections under read lock to avoid holding it during sends
	r.mu.RLock()
	conns, ok := r.conns[userID]
	if !ok || len(conns) == 0 {
		r.mu.RUnlock()
		return 0
	}
	targets := make([]Conn, 0, len(conns))
	for _, conn := range conns {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	var failed []Conn
	for _, conn := range targets {
		if err := conn.Send(frame); err != nil {
			r.logger.Debug("dropping observer after failed delivery",
				"user_id", userID,
				"conn_id", conn.ID(),
				"error", err)
			failed = append(failed, conn)
			continue
		}
		delivered++
	}

	for _, conn := range failed {
		r.Unregister(conn)
		metrics.DroppedObservers.Inc()
	}
	if delivered > 0 {
		metrics.DeliveredPayloads.Add(float64(delivered))
	}
	return delivered
}

// Count returns the number of active connections for a user.
func (r *Registry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID])
}

// Close shuts down the registry and closes all connections.
func (r *Registry) Close() {
	r.mu.Lock()
	var all []Conn
	for userID, conns := range r.conns {
		for connID, conn := range conns {
			all = append(all, conn)
			delete(conns, connID)
		}
		delete(r.conns, userID)
	}
	r.mu.Unlock()

	for _, conn := range all {
		conn.Close()
		metrics.ObserverConnections.Dec()
	}

	r.logger.Debug("registry closed")
}
