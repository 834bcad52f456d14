// Package presence derives online/offline state from connection registry
// occupancy. Presence is ephemeral: it is reconstructed entirely from live
// connections and never persisted locally. A Redis mirror (Store) lets a
// fleet of serving instances and the surrounding REST application share the
// derived state.
package presence

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/ripple/social-app/internal/metrics"
)

// DefaultGraceWindow is how long a user's connection count must stay at zero
// before an offline transition is emitted. It absorbs rapid reconnects such
// as tab refreshes without flapping.
const DefaultGraceWindow = 3 * time.Second

const shardCount = 32

// Event is one online/offline transition.
type Event struct {
	UserID string
	Online bool
}

// Subscriber receives presence transitions. Callbacks run on the goroutine
// that triggered the transition (or the grace timer goroutine for offline)
// and must not block for long.
type Subscriber func(Event)

// Tracker maintains a per-user live connection counter and emits
// edge-triggered online/offline events. Online fires exactly when the
// counter crosses 0 to 1; offline fires only after the counter returns to
// zero and stays there for the grace window.
//
// Tracker implements registry.Observer.
type Tracker struct {
	grace  time.Duration
	shards [shardCount]*shard

	subMu sync.RWMutex
	subs  []Subscriber
}

type shard struct {
	mu    sync.Mutex
	users map[string]*userState
}

type userState struct {
	count int
	timer *time.Timer // pending offline grace timer, nil when none
}

// NewTracker creates a tracker with the given grace window. A zero or
// negative grace emits offline immediately on the last disconnect.
func NewTracker(grace time.Duration) *Tracker {
	t := &Tracker{grace: grace}
	for i := range t.shards {
		t.shards[i] = &shard{users: make(map[string]*userState)}
	}
	return t
}

// Subscribe adds a callback for presence transitions.
func (t *Tracker) Subscribe(fn Subscriber) {
	t.subMu.Lock()
	t.subs = append(t.subs, fn)
	t.subMu.Unlock()
}

func (t *Tracker) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return t.shards[h.Sum32()%shardCount]
}

// ConnectionRegistered increments the user's connection counter. The first
// connection emits an online event, unless the user is inside a pending
// offline grace window, in which case the window is cancelled silently so
// peers never observe the flap.
func (t *Tracker) ConnectionRegistered(userID string) {
	s := t.shardFor(userID)

	s.mu.Lock()
	st, ok := s.users[userID]
	if !ok {
		st = &userState{}
		s.users[userID] = st
	}
	st.count++
	first := st.count == 1

	reconnect := false
	if first && st.timer != nil {
		// Reconnect within the grace window: cancel the pending offline and
		// suppress the redundant online event.
		st.timer.Stop()
		st.timer = nil
		reconnect = true
	}
	s.mu.Unlock()

	if first && !reconnect {
		metrics.OnlineUsers.Inc()
		t.emit(Event{UserID: userID, Online: true})
	}
}

// ConnectionUnregistered decrements the user's connection counter. When the
// counter reaches zero a single-shot grace timer is armed; if it fires with
// the counter still at zero, an offline event is emitted and the entry is
// dropped.
func (t *Tracker) ConnectionUnregistered(userID string) {
	s := t.shardFor(userID)

	s.mu.Lock()
	st, ok := s.users[userID]
	if !ok || st.count == 0 {
		// Unbalanced call; the count invariant is never allowed below zero.
		s.mu.Unlock()
		return
	}
	st.count--
	if st.count == 0 {
		if st.timer != nil {
			st.timer.Stop()
		}
		if t.grace <= 0 {
			delete(s.users, userID)
			s.mu.Unlock()
			metrics.OnlineUsers.Dec()
			t.emit(Event{UserID: userID, Online: false})
			return
		}
		st.timer = time.AfterFunc(t.grace, func() { t.graceExpired(userID) })
	}
	s.mu.Unlock()
}

// graceExpired runs when a user's offline grace timer fires. It re-checks
// the counter under the shard lock: a reconnect may have raced the timer.
func (t *Tracker) graceExpired(userID string) {
	s := t.shardFor(userID)

	s.mu.Lock()
	st, ok := s.users[userID]
	if !ok || st.count > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.users, userID)
	s.mu.Unlock()

	metrics.OnlineUsers.Dec()
	t.emit(Event{UserID: userID, Online: false})
}

// IsOnline reports whether the user currently has at least one live
// connection. A user inside the offline grace window still counts as
// offline by connection count but has not yet been announced as such;
// IsOnline reflects the raw counter.
func (t *Tracker) IsOnline(userID string) bool {
	s := t.shardFor(userID)
	s.mu.Lock()
	st, ok := s.users[userID]
	online := ok && st.count > 0
	s.mu.Unlock()
	return online
}

// OnlineUsers returns a snapshot of all users with at least one live
// connection on this instance.
func (t *Tracker) OnlineUsers() []string {
	var out []string
	for _, s := range t.shards {
		s.mu.Lock()
		for userID, st := range s.users {
			if st.count > 0 {
				out = append(out, userID)
			}
		}
		s.mu.Unlock()
	}
	return out
}

func (t *Tracker) emit(ev Event) {
	t.subMu.RLock()
	subs := t.subs
	t.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
