// Package protocol defines the WebSocket message types and structures used
// for communication between the client and the real-time core. All messages
// are serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin        = "join"
	TypeTyping      = "typing"
	TypeStopTyping  = "stopTyping"
	TypeNewMessage  = "message:new"
	TypeReadMessage = "message:read"
	TypePing        = "ping"
)

// Server -> Client message types. TypeNewMessage and TypeReadMessage are
// used in both directions: the client's send and read-ack, and the server's
// broadcast of the persisted message and the read receipt.
const (
	TypeUserTyping    = "userTyping"
	TypePresence      = "presence"
	TypeMessageFailed = "message:failed"
	TypeError         = "error"
	TypePong          = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg re-affirms the client's identity after a reconnect. The identity
// is already known from the handshake; a mismatching user ID is rejected.
type JoinMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// TypingMsg reports a keystroke towards the peer the user is chatting with.
type TypingMsg struct {
	Type       string `json:"type"`
	UserID     string `json:"userId"`
	ChatWithID string `json:"chatWithId"`
}

// StopTypingMsg explicitly ends a typing burst (for example on send).
type StopTypingMsg struct {
	Type       string `json:"type"`
	UserID     string `json:"userId"`
	ChatWithID string `json:"chatWithId"`
}

// SendMessageMsg submits a new chat message for persistence and delivery.
type SendMessageMsg struct {
	Type    string `json:"type"`
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

// ReadMessageMsg acknowledges that the client has read a message.
type ReadMessageMsg struct {
	Type      string `json:"type"`
	ChatID    string `json:"chatId"`
	MessageID int64  `json:"messageId"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// UserTypingMsg notifies a client that a peer started or stopped typing.
type UserTypingMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Typing bool   `json:"typing"`
}

// PresenceMsg announces a peer's online/offline transition.
type PresenceMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

// NewMessageMsg carries a persisted message to recipient connections and
// back to the sender as the delivery acknowledgment.
type NewMessageMsg struct {
	Type      string `json:"type"`
	ID        int64  `json:"id"`
	ChatID    string `json:"chatId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
	IsRead    bool   `json:"isRead"`
}

// ReadReceiptMsg notifies the sender's connections that a message was read.
type ReadReceiptMsg struct {
	Type      string `json:"type"`
	ChatID    string `json:"chatId"`
	MessageID int64  `json:"messageId"`
	ReaderID  string `json:"readerId"`
}

// MessageFailedMsg is the explicit failure acknowledgment for a send whose
// persistence was rejected, so the client can retry or mark the message
// unsent.
type MessageFailedMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	Reason string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStopTyping:
		var m StopTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReadMessage:
		var m ReadMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
