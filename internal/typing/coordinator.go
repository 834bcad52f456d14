// Package typing implements the per-pair typing indicator state machine.
// Each (sender, peer) pair is either Idle or Typing. The Idle to Typing edge
// emits a single start notification and arms a stop timer; further
// keystrokes re-arm the timer without re-emitting. The timer firing, an
// explicit stop, or a sent message returns the pair to Idle and emits a
// single stop notification.
package typing

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/ripple/social-app/internal/metrics"
)

// DefaultStopDelay is the debounce quiet period after the last keystroke
// before a stop-typing notification fires.
const DefaultStopDelay = 500 * time.Millisecond

const shardCount = 32

// Notifier delivers a typing transition to the peer. It is called with the
// pair's entry lock held so the peer observes transitions in emission order;
// it must complete quickly (a registry fan-out with bounded write timeouts).
type Notifier func(senderID, peerID string, typing bool)

// Coordinator owns all pair state machines. Pairs are fully independent:
// the map is sharded and each pair additionally serializes its transitions
// on its own lock, so keystroke bursts for one pair never contend with
// another.
type Coordinator struct {
	delay  time.Duration
	notify Notifier
	shards [shardCount]*shard
}

type shard struct {
	mu    sync.Mutex
	pairs map[pairKey]*pair
}

type pairKey struct {
	sender string
	peer   string
}

type pair struct {
	mu      sync.Mutex
	typing  bool
	gen     uint64 // invalidates stale timer callbacks
	timer   *time.Timer
	removed bool
}

// NewCoordinator creates a coordinator emitting through notify with the
// given stop delay. A non-positive delay falls back to DefaultStopDelay.
func NewCoordinator(delay time.Duration, notify Notifier) *Coordinator {
	if delay <= 0 {
		delay = DefaultStopDelay
	}
	c := &Coordinator{delay: delay, notify: notify}
	for i := range c.shards {
		c.shards[i] = &shard{pairs: make(map[pairKey]*pair)}
	}
	return c
}

func (c *Coordinator) shardFor(key pairKey) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.sender))
	h.Write([]byte{0})
	h.Write([]byte(key.peer))
	return c.shards[h.Sum32()%shardCount]
}

// getPair returns the live pair entry for the key, creating it if needed.
// It retries if it loses a race with removal.
func (c *Coordinator) getPair(key pairKey) *pair {
	s := c.shardFor(key)
	for {
		s.mu.Lock()
		p, ok := s.pairs[key]
		if !ok {
			p = &pair{}
			s.pairs[key] = p
		}
		s.mu.Unlock()

		p.mu.Lock()
		if p.removed {
			p.mu.Unlock()
			continue
		}
		return p // returned locked
	}
}

// Keystroke records a typing input event from sender towards peer. The
// first keystroke of a burst emits a start notification; every keystroke
// (re)arms the stop timer.
func (c *Coordinator) Keystroke(senderID, peerID string) {
	key := pairKey{sender: senderID, peer: peerID}
	p := c.getPair(key)
	defer p.mu.Unlock()

	p.gen++
	gen := p.gen
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(c.delay, func() { c.stopExpired(key, gen) })

	if !p.typing {
		p.typing = true
		metrics.TypingEvents.WithLabelValues("start").Inc()
		c.notify(senderID, peerID, true)
	}
}

// Stop returns the pair to Idle immediately, cancelling any pending timer.
// It backs both the explicit stop-typing event and the message-sent event.
// Calling Stop on an Idle pair is a no-op.
func (c *Coordinator) Stop(senderID, peerID string) {
	key := pairKey{sender: senderID, peer: peerID}
	s := c.shardFor(key)

	s.mu.Lock()
	p, ok := s.pairs[key]
	if ok {
		delete(s.pairs, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.removed {
		return
	}
	p.removed = true
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.typing {
		p.typing = false
		metrics.TypingEvents.WithLabelValues("stop").Inc()
		c.notify(senderID, peerID, false)
	}
}

// stopExpired runs when a pair's stop timer fires. A keystroke or explicit
// stop that raced the timer bumps the generation, invalidating this callback.
func (c *Coordinator) stopExpired(key pairKey, gen uint64) {
	s := c.shardFor(key)

	s.mu.Lock()
	p, ok := s.pairs[key]
	s.mu.Unlock()
	if !ok {
		return
	}

	p.mu.Lock()
	if p.removed || p.gen != gen || !p.typing {
		p.mu.Unlock()
		return
	}
	p.typing = false
	p.removed = true
	p.timer = nil
	metrics.TypingEvents.WithLabelValues("stop").Inc()
	c.notify(key.sender, key.peer, false)
	p.mu.Unlock()

	s.mu.Lock()
	if cur, ok := s.pairs[key]; ok && cur == p {
		delete(s.pairs, key)
	}
	s.mu.Unlock()
}

// FlushSender tears down every pair the sender participates in, emitting
// stop notifications for pairs that were mid-burst. Called when the sender's
// last connection drops so peers do not see a typing indicator stuck on.
func (c *Coordinator) FlushSender(senderID string) {
	for _, s := range c.shards {
		s.mu.Lock()
		var keys []pairKey
		for key := range s.pairs {
			if key.sender == senderID {
				keys = append(keys, key)
			}
		}
		s.mu.Unlock()

		for _, key := range keys {
			c.Stop(key.sender, key.peer)
		}
	}
}
