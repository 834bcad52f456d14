// Package chat defines the message model shared between the delivery
// pipeline and the message store, plus content validation rules. The store
// owns message persistence and read state; the real-time core only holds a
// transient reference to a message while routing it to live connections.
package chat

import (
	"context"
	"time"
)

// ChatMessage is a single persisted message in a 1:1 chat. The ID and
// CreatedAt fields are assigned by the store on persist.
type ChatMessage struct {
	ID        int64     `json:"id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	IsRead    bool      `json:"is_read"`
}

// Store is the persistence collaborator consumed by the delivery pipeline.
// Implementations must be safe for concurrent use.
type Store interface {
	// Persist durably stores a new message and returns it with the assigned
	// ID and timestamp. It fails if the chat does not exist or the sender is
	// not a participant.
	Persist(ctx context.Context, chatID, senderID, content string) (*ChatMessage, error)

	// MarkRead flips the read flag on a message. The returned bool reports
	// whether the flag actually changed; marking an already-read message
	// returns false so callers can keep read receipts exactly-once even
	// when concurrent acks race on the same message.
	MarkRead(ctx context.Context, messageID int64) (bool, error)

	// Get loads a single message by ID. Returns nil, nil if not found.
	Get(ctx context.Context, messageID int64) (*ChatMessage, error)

	// Peer returns the other participant of a 1:1 chat.
	Peer(ctx context.Context, chatID, userID string) (string, error)

	// History returns the most recent messages of a chat in chronological
	// order, for client-side reconciliation after a reconnect.
	History(ctx context.Context, chatID string, limit int) ([]ChatMessage, error)
}
