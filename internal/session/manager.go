// Package session owns connection setup and teardown. The lifecycle manager
// binds an authenticated identity to a connection registry entry and
// performs the join/leave orchestration across presence, typing, and the
// cross-instance bridge. It holds no per-connection state of its own; the
// registration token returned from OnHandshake is the only handle the
// transport needs to retain.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ripple/social-app/internal/auth"
	"github.com/ripple/social-app/internal/registry"
	"github.com/ripple/social-app/internal/typing"
)

// ErrSuspended is returned from OnHandshake when the authenticated user's
// account is suspended.
var ErrSuspended = errors.New("session: account suspended")

// Bridge is the subset of the messaging client the lifecycle manager uses
// to follow a user's inbox while this instance serves their connections.
type Bridge interface {
	SubscribeUserEvents(userID string, handler func(frame []byte)) error
	UnsubscribeUserEvents(userID string) error
}

// SuspensionChecker reports whether a user is currently suspended.
type SuspensionChecker interface {
	IsSuspended(ctx context.Context, userID string) (bool, time.Duration, string, error)
}

// Manager orchestrates handshake and teardown across the real-time
// components.
type Manager struct {
	resolver    auth.Resolver
	reg         *registry.Registry
	typing      *typing.Coordinator
	bridge      Bridge            // may be nil
	store       *Store            // may be nil
	suspensions SuspensionChecker // may be nil
}

// NewManager creates a lifecycle manager. bridge and store may be nil for
// single-process deployments without Redis/NATS.
func NewManager(resolver auth.Resolver, reg *registry.Registry, coord *typing.Coordinator, bridge Bridge, store *Store) *Manager {
	return &Manager{resolver: resolver, reg: reg, typing: coord, bridge: bridge, store: store}
}

// SetSuspensionChecker enables account suspension enforcement at handshake
// time. Must be called before the manager starts serving handshakes.
func (m *Manager) SetSuspensionChecker(sc SuspensionChecker) {
	m.suspensions = sc
}

// OnHandshake validates the credential and registers the connection. On
// auth failure (wrapping auth.ErrInvalidToken) no registration happens and
// the caller must close the raw connection. Registering fires the presence
// connect path through the registry's observers.
func (m *Manager) OnHandshake(ctx context.Context, credential string, conn registry.Conn) (registry.Token, error) {
	identity, err := m.resolver.Verify(credential)
	if err != nil {
		return registry.Token{}, fmt.Errorf("session: handshake rejected: %w", err)
	}
	userID := identity.UserID

	if m.suspensions != nil {
		suspended, remaining, reason, err := m.suspensions.IsSuspended(ctx, userID)
		if err != nil {
			// Fail open: a Redis outage must not lock everyone out.
			log.Printf("session: suspension check user=%s: %v", userID, err)
		} else if suspended {
			log.Printf("session: handshake rejected user=%s suspended remaining=%s reason=%q", userID, remaining, reason)
			return registry.Token{}, fmt.Errorf("session: user %s: %w", userID, ErrSuspended)
		}
	}

	tok := m.reg.Register(userID, conn)

	if m.reg.CountFor(userID) == 1 {
		// First connection for this user on this instance: follow their
		// inbox so frames published by other instances reach these
		// connections, and record the instance for fleet routing.
		if m.bridge != nil {
			if err := m.bridge.SubscribeUserEvents(userID, func(frame []byte) {
				m.deliverLocal(userID, frame)
			}); err != nil {
				log.Printf("session: inbox subscribe user=%s: %v", userID, err)
			}
		}
		if m.store != nil {
			if err := m.store.Register(ctx, userID); err != nil {
				log.Printf("session: routing record user=%s: %v", userID, err)
			}
		}
	}

	return tok, nil
}

// OnClose reverses a registration. When the user's last connection on this
// instance is gone, their typing pairs are flushed so peers do not see a
// stuck indicator, the inbox subscription is dropped, and the routing
// record removed. The zero-count cleanup runs even when the registry entry
// was already dropped elsewhere (the delivery pipeline evicts dead
// connections directly), so duplicate closes are safe: every step below is
// idempotent.
func (m *Manager) OnClose(ctx context.Context, tok registry.Token) {
	if tok.Zero() {
		return
	}
	m.reg.Unregister(tok)

	userID := tok.UserID()
	if m.reg.CountFor(userID) > 0 {
		return
	}

	m.typing.FlushSender(userID)

	if m.bridge != nil {
		if err := m.bridge.UnsubscribeUserEvents(userID); err != nil {
			log.Printf("session: inbox unsubscribe user=%s: %v", userID, err)
		}
	}
	if m.store != nil {
		if err := m.store.Unregister(ctx, userID); err != nil {
			log.Printf("session: routing record cleanup user=%s: %v", userID, err)
		}
	}
}

// deliverLocal pushes a bridged frame to the user's local connections only.
// Unlike the delivery pipeline's fan-out it never re-publishes remotely,
// which would loop the event through the fleet.
func (m *Manager) deliverLocal(userID string, frame []byte) {
	for _, entry := range m.reg.ConnectionsFor(userID) {
		if err := entry.Conn.Send(frame); err != nil {
			log.Printf("session: bridged push user=%s failed, dropping connection: %v", userID, err)
			if m.reg.Unregister(entry.Token) {
				_ = entry.Conn.Close()
			}
		}
	}
}
