// Package outbox implements the durable offline delivery queue: outbound
// chat messages that could not be sent are persisted in SQLite and
// replayed when a transport becomes available. A row is deleted if and
// only if a send attempt for its localId succeeds.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/windrose-im/windrose/pkg/models"
)

// ErrQueueStorage wraps durable-queue I/O failures. Enqueue failures
// propagate it to the sendMessage caller: the user needs to know the
// message truly was not saved anywhere.
var ErrQueueStorage = errors.New("queue storage")

// Store is the SQLite-backed message queue.
type Store struct {
	db *sql.DB
}

// Open opens (and if needed creates) the queue database at path. Use
// ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrQueueStorage, path, err)
	}
	// A single writer avoids SQLITE_BUSY between Enqueue and a running
	// drain; queue traffic is far below where this matters.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox_messages (
			local_id        TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			content         TEXT NOT NULL,
			reply_to        TEXT NOT NULL DEFAULT '',
			attachments     TEXT NOT NULL DEFAULT '[]',
			attempts        INTEGER NOT NULL DEFAULT 0,
			created_at      DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("%w: create table: %v", ErrQueueStorage, err)
	}
	return nil
}

// Enqueue appends a message to the queue. Re-enqueueing an existing
// localId is a no-op, which makes crash-replay of the send path safe.
func (s *Store) Enqueue(ctx context.Context, msg models.QueuedMessage) error {
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("%w: encode attachments: %v", ErrQueueStorage, err)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO outbox_messages
			(local_id, conversation_id, content, reply_to, attachments, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.LocalID, msg.ConversationID, msg.Content, msg.ReplyTo, string(attachments), msg.Attempts, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: enqueue %s: %v", ErrQueueStorage, msg.LocalID, err)
	}
	return nil
}

// List returns all queued messages in FIFO order.
func (s *Store) List(ctx context.Context) ([]models.QueuedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, conversation_id, content, reply_to, attachments, attempts, created_at
		FROM outbox_messages
		ORDER BY created_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrQueueStorage, err)
	}
	defer rows.Close()

	var out []models.QueuedMessage
	for rows.Next() {
		var msg models.QueuedMessage
		var attachments string
		if err := rows.Scan(&msg.LocalID, &msg.ConversationID, &msg.Content,
			&msg.ReplyTo, &attachments, &msg.Attempts, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrQueueStorage, err)
		}
		if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
			return nil, fmt.Errorf("%w: decode attachments: %v", ErrQueueStorage, err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrQueueStorage, err)
	}
	return out, nil
}

// Remove deletes a confirmed-delivered message.
func (s *Store) Remove(ctx context.Context, localID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox_messages WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("%w: remove %s: %v", ErrQueueStorage, localID, err)
	}
	return nil
}

// IncrementAttempts records a failed replay cycle for a message.
func (s *Store) IncrementAttempts(ctx context.Context, localID string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET attempts = attempts + 1 WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("%w: update attempts %s: %v", ErrQueueStorage, localID, err)
	}
	return nil
}

// Count returns the number of queued messages.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrQueueStorage, err)
	}
	return n, nil
}

// Clear removes every queued message (explicit queue-clear).
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox_messages`); err != nil {
		return fmt.Errorf("%w: clear: %v", ErrQueueStorage, err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
