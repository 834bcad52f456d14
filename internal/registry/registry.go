// Package registry maps user identities to their currently open live
// connections. It is the foundation every other real-time component queries:
// presence derives online state from registry occupancy, and the typing and
// delivery paths resolve a user's connections through it for fan-out.
//
// The registry is striped: user identities are hashed onto a fixed number of
// independently locked shards so that register/unregister traffic for
// unrelated users does not contend.
package registry

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultShardCount is the number of lock stripes used when none is given.
const DefaultShardCount = 32

// Conn is the minimal handle the registry holds for a live bidirectional
// channel. Send must enforce its own bounded write timeout; a send to a
// closed connection returns an error which callers treat as a dead peer,
// never as a fault of the registry.
type Conn interface {
	Send(data []byte) error
	Close() error
}

// Token identifies one registration. It is returned by Register and is the
// only way to unregister a connection. The token carries the owning user
// identity so unregistration can find the right shard without a global index.
type Token struct {
	user string
	id   string
}

// UserID returns the identity that owns the registered connection.
func (t Token) UserID() string { return t.user }

// Zero reports whether the token is the zero value (no registration).
func (t Token) Zero() bool { return t.id == "" }

// Entry is a point-in-time view of one registration.
type Entry struct {
	Token         Token
	Conn          Conn
	EstablishedAt time.Time
}

// Observer is notified after a connection is registered or unregistered.
// Callbacks run outside the shard lock and must not call back into the
// registry for the same operation.
type Observer interface {
	ConnectionRegistered(userID string)
	ConnectionUnregistered(userID string)
}

// Registry is a striped user -> connections map.
type Registry struct {
	shards []*shard

	obsMu     sync.RWMutex
	observers []Observer
}

type shard struct {
	mu    sync.RWMutex
	users map[string]map[string]*Entry // userID -> token id -> entry
}

// New creates a registry with DefaultShardCount shards.
func New() *Registry {
	return NewSharded(DefaultShardCount)
}

// NewSharded creates a registry with the given number of shards.
// A count below 1 is treated as 1.
func NewSharded(count int) *Registry {
	if count < 1 {
		count = 1
	}
	shards := make([]*shard, count)
	for i := range shards {
		shards[i] = &shard{users: make(map[string]map[string]*Entry)}
	}
	return &Registry{shards: shards}
}

// Watch adds an observer for registration transitions. Observers added after
// connections already exist do not receive retroactive notifications.
func (r *Registry) Watch(o Observer) {
	r.obsMu.Lock()
	r.observers = append(r.observers, o)
	r.obsMu.Unlock()
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Register adds a live connection for the given user and returns the token
// that identifies this registration. A user may hold any number of
// simultaneous registrations (multi-tab, multi-device).
func (r *Registry) Register(userID string, conn Conn) Token {
	tok := Token{user: userID, id: uuid.New().String()}
	entry := &Entry{Token: tok, Conn: conn, EstablishedAt: time.Now()}

	s := r.shardFor(userID)
	s.mu.Lock()
	conns, ok := s.users[userID]
	if !ok {
		conns = make(map[string]*Entry)
		s.users[userID] = conns
	}
	conns[tok.id] = entry
	s.mu.Unlock()

	r.obsMu.RLock()
	for _, o := range r.observers {
		o.ConnectionRegistered(userID)
	}
	r.obsMu.RUnlock()

	return tok
}

// Unregister removes the registration identified by token. It returns false
// if the token was already removed, in which case no observer fires; this
// makes concurrent removal attempts (read error racing heartbeat eviction,
// delivery timeout racing close) safe.
func (r *Registry) Unregister(tok Token) bool {
	if tok.Zero() {
		return false
	}

	s := r.shardFor(tok.user)
	s.mu.Lock()
	conns, ok := s.users[tok.user]
	if ok {
		_, ok = conns[tok.id]
		if ok {
			delete(conns, tok.id)
			if len(conns) == 0 {
				delete(s.users, tok.user)
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	r.obsMu.RLock()
	for _, o := range r.observers {
		o.ConnectionUnregistered(tok.user)
	}
	r.obsMu.RUnlock()

	return true
}

// ConnectionsFor returns a point-in-time snapshot of the user's live
// registrations. The snapshot may include connections that close between
// snapshot and use; senders must tolerate that.
func (r *Registry) ConnectionsFor(userID string) []Entry {
	s := r.shardFor(userID)
	s.mu.RLock()
	conns := s.users[userID]
	out := make([]Entry, 0, len(conns))
	for _, e := range conns {
		out = append(out, *e)
	}
	s.mu.RUnlock()
	return out
}

// CountFor returns the number of live registrations for the user.
func (r *Registry) CountFor(userID string) int {
	s := r.shardFor(userID)
	s.mu.RLock()
	n := len(s.users[userID])
	s.mu.RUnlock()
	return n
}

// Broadcast sends a frame to every registered connection. Send errors are
// ignored; dead connections are reaped by their own read/heartbeat paths.
func (r *Registry) Broadcast(data []byte) {
	for _, s := range r.shards {
		s.mu.RLock()
		entries := make([]*Entry, 0)
		for _, conns := range s.users {
			for _, e := range conns {
				entries = append(entries, e)
			}
		}
		s.mu.RUnlock()

		for _, e := range entries {
			_ = e.Conn.Send(data)
		}
	}
}
