// Package delivery implements the outbound message pipeline: persist via the
// external message store, fan the persisted message out to the recipient's
// live connections, and track read acknowledgements. Persistence success is
// the durability contract; live delivery is best-effort, reconciled by the
// client through a history fetch.
package delivery

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ripple/social-app/internal/chat"
	"github.com/ripple/social-app/internal/metrics"
	"github.com/ripple/social-app/internal/protocol"
	"github.com/ripple/social-app/internal/registry"
)

// PersistenceError wraps a message store failure. A send that fails with a
// PersistenceError was not persisted and was not fanned out.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("delivery: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Publisher forwards a frame destined for a user to peer serving instances.
// It is nil in single-process deployments.
type Publisher interface {
	PublishUserEvent(userID string, frame []byte) error
}

// Pipeline routes chat messages between the store and live connections.
type Pipeline struct {
	store  chat.Store
	reg    *registry.Registry
	remote Publisher // may be nil
}

// NewPipeline creates a delivery pipeline. remote may be nil when the
// process is the only serving instance.
func NewPipeline(store chat.Store, reg *registry.Registry, remote Publisher) *Pipeline {
	return &Pipeline{store: store, reg: reg, remote: remote}
}

// Send persists a new message and pushes it to the chat peer's live
// connections. The persisted message is returned to the caller regardless of
// fan-out outcome; only a store rejection fails the send, as a
// *PersistenceError.
func (p *Pipeline) Send(ctx context.Context, senderID, chatID, content string) (*chat.ChatMessage, error) {
	msg, err := p.store.Persist(ctx, chatID, senderID, content)
	if err != nil {
		metrics.MessagesFailed.Inc()
		return nil, &PersistenceError{Op: "persist", Err: err}
	}
	metrics.MessagesPersisted.Inc()

	peerID, err := p.store.Peer(ctx, chatID, senderID)
	if err != nil {
		// The message is durable; the peer lookup failing only costs the
		// live push. The recipient reconciles from history.
		log.Printf("delivery: peer lookup chat=%s sender=%s: %v", chatID, senderID, err)
		return msg, nil
	}

	frame, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt.Unix(),
		IsRead:    msg.IsRead,
	})
	if err != nil {
		log.Printf("delivery: build message frame id=%d: %v", msg.ID, err)
		return msg, nil
	}

	p.FanOut(peerID, frame)
	return msg, nil
}

// MarkRead records that userID has read msg. It is a no-op when the reader
// is the message's own sender or the message is already read. On success the
// sender's live connections receive a read receipt.
func (p *Pipeline) MarkRead(ctx context.Context, userID string, msg *chat.ChatMessage) error {
	if msg == nil || msg.SenderID == userID || msg.IsRead {
		return nil
	}

	// The in-memory IsRead guard above is only an optimization: two devices
	// can ack the same message with independently fetched copies. The store
	// reports whether the flag actually flipped, and only the winning ack
	// sends the receipt.
	changed, err := p.store.MarkRead(ctx, msg.ID)
	if err != nil {
		return &PersistenceError{Op: "mark read", Err: err}
	}
	msg.IsRead = true
	if !changed {
		return nil
	}
	metrics.ReadReceipts.Inc()

	frame, err := protocol.NewServerMessage(protocol.TypeReadMessage, protocol.ReadReceiptMsg{
		ChatID:    msg.ChatID,
		MessageID: msg.ID,
		ReaderID:  userID,
	})
	if err != nil {
		log.Printf("delivery: build read receipt id=%d: %v", msg.ID, err)
		return nil
	}

	p.FanOut(msg.SenderID, frame)
	return nil
}

// FanOut pushes a frame to every live connection of the target user, and to
// peer instances through the remote publisher. Pushes run synchronously on
// the calling goroutine: the connection's write deadline bounds each one,
// and sequencing through the caller is what keeps ordered notification
// streams (typing start before the matching stop) ordered on the wire. A
// connection whose bounded write fails is dropped from the registry and
// closed, as if it had disconnected. The failure is never surfaced to the
// caller; the normal presence path announces the consequence.
func (p *Pipeline) FanOut(userID string, frame []byte) {
	start := time.Now()
	for _, entry := range p.reg.ConnectionsFor(userID) {
		if err := entry.Conn.Send(frame); err != nil {
			metrics.DeliveryPushes.WithLabelValues("timeout").Inc()
			log.Printf("delivery: push to user=%s failed, dropping connection: %v", userID, err)
			if p.reg.Unregister(entry.Token) {
				_ = entry.Conn.Close()
			}
			continue
		}
		metrics.DeliveryPushes.WithLabelValues("ok").Inc()
	}
	metrics.FanoutLatency.Observe(time.Since(start).Seconds())

	if p.remote != nil {
		if err := p.remote.PublishUserEvent(userID, frame); err != nil {
			log.Printf("delivery: remote publish user=%s: %v", userID, err)
		}
	}
}
