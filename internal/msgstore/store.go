// Package msgstore provides the PostgreSQL-backed implementation of the
// chat message store: durable message persistence, read-flag updates, and
// history reads for client-side reconciliation. Chat membership itself is
// owned by the surrounding application; this store only reads it to resolve
// the peer of a 1:1 chat.
package msgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/ripple/social-app/internal/chat"
)

// ErrNotParticipant is returned when the given user is not a member of the
// chat they are trying to write to or read from.
var ErrNotParticipant = errors.New("msgstore: user is not a chat participant")

// Store persists chat messages to PostgreSQL. It implements chat.Store.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL with the given DSN, verifies the connection,
// and applies pending schema migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("msgstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("msgstore: ping: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle without running migrations.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Persist inserts a new message and returns it with the assigned ID and
// timestamp. The insert validates chat membership in the same statement so a
// sender outside the chat cannot write into it.
func (s *Store) Persist(ctx context.Context, chatID, senderID, content string) (*chat.ChatMessage, error) {
	const query = `
		INSERT INTO messages (chat_id, sender_id, content)
		SELECT c.id, $2, $3
		FROM chats c
		WHERE c.id = $1 AND (c.user_a = $2 OR c.user_b = $2)
		RETURNING id, created_at`

	msg := &chat.ChatMessage{
		ChatID:   chatID,
		SenderID: senderID,
		Content:  content,
	}
	err := s.db.QueryRowContext(ctx, query, chatID, senderID, content).
		Scan(&msg.ID, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotParticipant
	}
	if err != nil {
		return nil, fmt.Errorf("msgstore: persist: %w", err)
	}
	return msg, nil
}

// MarkRead flips the read flag on a message. Already-read messages are left
// untouched and report false, so two devices acking the same message produce
// exactly one transition: the is_read guard in the UPDATE makes the flip
// atomic and RowsAffected tells which caller won.
func (s *Store) MarkRead(ctx context.Context, messageID int64) (bool, error) {
	const query = `UPDATE messages SET is_read = TRUE WHERE id = $1 AND is_read = FALSE`

	res, err := s.db.ExecContext(ctx, query, messageID)
	if err != nil {
		return false, fmt.Errorf("msgstore: mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("msgstore: mark read rows affected: %w", err)
	}
	return n > 0, nil
}

// Get loads a single message by ID. Returns nil, nil if not found.
func (s *Store) Get(ctx context.Context, messageID int64) (*chat.ChatMessage, error) {
	const query = `
		SELECT id, chat_id, sender_id, content, created_at, is_read
		FROM messages WHERE id = $1`

	msg := &chat.ChatMessage{}
	err := s.db.QueryRowContext(ctx, query, messageID).
		Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &msg.CreatedAt, &msg.IsRead)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("msgstore: get: %w", err)
	}
	return msg, nil
}

// Peer returns the other participant of a 1:1 chat. ErrNotParticipant is
// returned when the chat does not exist or the user is not a member.
func (s *Store) Peer(ctx context.Context, chatID, userID string) (string, error) {
	const query = `
		SELECT CASE WHEN user_a = $2 THEN user_b ELSE user_a END
		FROM chats
		WHERE id = $1 AND (user_a = $2 OR user_b = $2)`

	var peer string
	err := s.db.QueryRowContext(ctx, query, chatID, userID).Scan(&peer)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotParticipant
	}
	if err != nil {
		return "", fmt.Errorf("msgstore: peer: %w", err)
	}
	return peer, nil
}

// History returns the most recent limit messages of a chat in chronological
// order (oldest first).
func (s *Store) History(ctx context.Context, chatID string, limit int) ([]chat.ChatMessage, error) {
	const query = `
		SELECT id, chat_id, sender_id, content, created_at, is_read
		FROM (
			SELECT id, chat_id, sender_id, content, created_at, is_read
			FROM messages
			WHERE chat_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent
		ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("msgstore: history: %w", err)
	}
	defer rows.Close()

	var out []chat.ChatMessage
	for rows.Next() {
		var msg chat.ChatMessage
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Content, &msg.CreatedAt, &msg.IsRead); err != nil {
			return nil, fmt.Errorf("msgstore: history scan: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgstore: history rows: %w", err)
	}
	return out, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
