// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides message persistence with automatic schema creation and monotonic timestamps

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is the fixed-width RFC 3339 encoding for created_at. The column
// is TEXT and every query orders or compares it lexicographically, so the
// encoding must sort exactly like the instants it represents. RFC3339Nano
// trims trailing fractional zeros ("...36.12Z" sorts after "...36.125Z");
// padding the fraction to nine digits keeps string order and time order
// identical.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// tsMu guards lastTS so created_at values are strictly increasing even
	// when the wall clock stalls or steps backwards between appends.
	tsMu   sync.Mutex
	lastTS time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			author TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_thread_created
			ON messages(thread_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_messages_author_created
			ON messages(author, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// nextTimestamp returns a UTC timestamp strictly later than any previously
// assigned one.
func (s *SQLiteStore) nextTimestamp() time.Time {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()

	now := time.Now().UTC()
	if !now.After(s.lastTS) {
		now = s.lastTS.Add(time.Microsecond)
	}
	s.lastTS = now
	return now
}

// AppendMessage persists a message with a store-assigned timestamp.
// Returns ErrDuplicateMessage if the id is already stored.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	msg.CreatedAt = s.nextTimestamp()

	query := `
		INSERT INTO messages (id, thread_id, author, text, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ThreadID,
		msg.Author,
		msg.Text,
		msg.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("appended message", "id", msg.ID, "thread_id", msg.ThreadID, "author", msg.Author)
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// GetMessage retrieves a message by id.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	query := `
		SELECT id, thread_id, author, text, created_at
		FROM messages
		WHERE id = ?
	`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// RecentThreadForUser returns the thread id of the most recent message
// authored by userID within the window. Ties are impossible because
// created_at is strictly increasing, so "most recent" is well defined.
func (s *SQLiteStore) RecentThreadForUser(ctx context.Context, userID string, window time.Duration) (string, error) {
	cutoff := time.Now().UTC().Add(-window).Format(timeLayout)

	query := `
		SELECT thread_id
		FROM messages
		WHERE author = ? AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	var threadID string
	err := s.db.QueryRowContext(ctx, query, userID, cutoff).Scan(&threadID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying recent thread: %w", err)
	}
	return threadID, nil
}

// LatestThreadForUser returns the thread id of the user's most recent
// message, with no recency constraint.
func (s *SQLiteStore) LatestThreadForUser(ctx context.Context, userID string) (string, error) {
	query := `
		SELECT thread_id
		FROM messages
		WHERE author = ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	var threadID string
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&threadID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying latest thread: %w", err)
	}
	return threadID, nil
}

// ThreadMessages returns all messages in a thread ordered by created_at ascending.
func (s *SQLiteStore) ThreadMessages(ctx context.Context, threadID string) ([]*Message, error) {
	query := `
		SELECT id, thread_id, author, text, created_at
		FROM messages
		WHERE thread_id = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("querying thread messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}

	return messages, nil
}

// ThreadExists reports whether any message carries the given thread id.
func (s *SQLiteStore) ThreadExists(ctx context.Context, threadID string) (bool, error) {
	query := `SELECT 1 FROM messages WHERE thread_id = ? LIMIT 1`

	var one int
	err := s.db.QueryRowContext(ctx, query, threadID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying thread existence: %w", err)
	}
	return true, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanMessage
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var msg Message
	var createdAtStr string

	if err := row.Scan(&msg.ID, &msg.ThreadID, &msg.Author, &msg.Text, &createdAtStr); err != nil {
		return nil, err
	}

	createdAt, err := time.Parse(timeLayout, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	msg.CreatedAt = createdAt

	return &msg, nil
}
