package presence

import (
	"sync"
	"testing"
	"time"
)

// collector records emitted events in order.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) record(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestOnlineEdgeTriggered(t *testing.T) {
	tr := NewTracker(0)
	c := &collector{}
	tr.Subscribe(c.record)

	tr.ConnectionRegistered("alice")
	tr.ConnectionRegistered("alice") // second tab, no event
	tr.ConnectionRegistered("alice") // third tab, no event

	events := c.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d: %v", len(events), events)
	}
	if !events[0].Online || events[0].UserID != "alice" {
		t.Errorf("unexpected event: %+v", events[0])
	}
	if !tr.IsOnline("alice") {
		t.Error("alice should be online")
	}
}

func TestOfflineImmediateWithZeroGrace(t *testing.T) {
	tr := NewTracker(0)
	c := &collector{}
	tr.Subscribe(c.record)

	tr.ConnectionRegistered("alice")
	tr.ConnectionRegistered("alice")
	tr.ConnectionUnregistered("alice") // count 1, no event
	tr.ConnectionUnregistered("alice") // count 0, offline

	events := c.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %v", len(events), events)
	}
	if events[1].Online {
		t.Errorf("second event should be offline: %+v", events[1])
	}
	if tr.IsOnline("alice") {
		t.Error("alice should be offline")
	}
}

func TestCountNeverNegative(t *testing.T) {
	tr := NewTracker(0)
	c := &collector{}
	tr.Subscribe(c.record)

	tr.ConnectionUnregistered("alice") // unbalanced, must be ignored
	tr.ConnectionRegistered("alice")
	tr.ConnectionUnregistered("alice")
	tr.ConnectionUnregistered("alice") // unbalanced again

	events := c.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected online+offline only, got %v", events)
	}
}

func TestReconnectWithinGraceSuppressesFlap(t *testing.T) {
	tr := NewTracker(200 * time.Millisecond)
	c := &collector{}
	tr.Subscribe(c.record)

	tr.ConnectionRegistered("alice")
	tr.ConnectionUnregistered("alice")

	// Reconnect well inside the grace window.
	time.Sleep(20 * time.Millisecond)
	tr.ConnectionRegistered("alice")

	// Wait past where the grace timer would have fired.
	time.Sleep(400 * time.Millisecond)

	events := c.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected only the initial online event, got %v", events)
	}
	if !tr.IsOnline("alice") {
		t.Error("alice should still be online")
	}
}

func TestOfflineAfterGraceExpires(t *testing.T) {
	tr := NewTracker(50 * time.Millisecond)
	c := &collector{}
	tr.Subscribe(c.record)

	tr.ConnectionRegistered("alice")
	tr.ConnectionUnregistered("alice")

	time.Sleep(300 * time.Millisecond)

	events := c.snapshot()
	if len(events) != 2 {
		t.Fatalf("expected online then offline, got %v", events)
	}
	if events[0].Online != true || events[1].Online != false {
		t.Errorf("wrong event order: %v", events)
	}
}

func TestOfflineAtMostOncePerZeroStreak(t *testing.T) {
	tr := NewTracker(30 * time.Millisecond)
	c := &collector{}
	tr.Subscribe(c.record)

	tr.ConnectionRegistered("alice")
	tr.ConnectionUnregistered("alice")
	time.Sleep(200 * time.Millisecond)

	// Another unbalanced unregister during the zero streak must not emit a
	// second offline.
	tr.ConnectionUnregistered("alice")
	time.Sleep(100 * time.Millisecond)

	offline := 0
	for _, ev := range c.snapshot() {
		if !ev.Online {
			offline++
		}
	}
	if offline != 1 {
		t.Errorf("expected exactly 1 offline event, got %d", offline)
	}
}

func TestUsersIndependent(t *testing.T) {
	tr := NewTracker(0)
	c := &collector{}
	tr.Subscribe(c.record)

	tr.ConnectionRegistered("alice")
	tr.ConnectionRegistered("bob")
	tr.ConnectionUnregistered("alice")

	if tr.IsOnline("alice") {
		t.Error("alice should be offline")
	}
	if !tr.IsOnline("bob") {
		t.Error("bob should be online")
	}

	users := tr.OnlineUsers()
	if len(users) != 1 || users[0] != "bob" {
		t.Errorf("OnlineUsers = %v, want [bob]", users)
	}
}

func TestConcurrentChurnNetCount(t *testing.T) {
	tr := NewTracker(0)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tr.ConnectionRegistered("alice")
				tr.ConnectionUnregistered("alice")
			}
		}()
	}
	wg.Wait()

	if tr.IsOnline("alice") {
		t.Error("net count should be zero after balanced churn")
	}
}
