package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ripple/social-app/internal/auth"
	"github.com/ripple/social-app/internal/registry"
	"github.com/ripple/social-app/internal/typing"
)

// fakeResolver accepts tokens of the form "ok:<userID>".
type fakeResolver struct{}

func (fakeResolver) Verify(token string) (auth.Identity, error) {
	if len(token) > 3 && token[:3] == "ok:" {
		return auth.Identity{UserID: token[3:]}, nil
	}
	return auth.Identity{}, auth.ErrInvalidToken
}

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	c.frames = append(c.frames, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// fakeBridge records inbox subscriptions.
type fakeBridge struct {
	mu       sync.Mutex
	subs     map[string]func([]byte)
	unsubbed []string
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{subs: make(map[string]func([]byte))}
}

func (b *fakeBridge) SubscribeUserEvents(userID string, handler func(frame []byte)) error {
	b.mu.Lock()
	b.subs[userID] = handler
	b.mu.Unlock()
	return nil
}

func (b *fakeBridge) UnsubscribeUserEvents(userID string) error {
	b.mu.Lock()
	delete(b.subs, userID)
	b.unsubbed = append(b.unsubbed, userID)
	b.mu.Unlock()
	return nil
}

func (b *fakeBridge) deliver(userID string, frame []byte) bool {
	b.mu.Lock()
	handler, ok := b.subs[userID]
	b.mu.Unlock()
	if ok {
		handler(frame)
	}
	return ok
}

func newTestManager(bridge Bridge) (*Manager, *registry.Registry) {
	reg := registry.New()
	coord := typing.NewCoordinator(time.Second, func(string, string, bool) {})
	return NewManager(fakeResolver{}, reg, coord, bridge, nil), reg
}

func TestHandshakeRegistersConnection(t *testing.T) {
	m, reg := newTestManager(nil)

	tok, err := m.OnHandshake(context.Background(), "ok:alice", &fakeConn{})
	if err != nil {
		t.Fatalf("OnHandshake: %v", err)
	}
	if tok.UserID() != "alice" {
		t.Errorf("token user = %q, want alice", tok.UserID())
	}
	if reg.CountFor("alice") != 1 {
		t.Errorf("registry count = %d, want 1", reg.CountFor("alice"))
	}
}

func TestHandshakeRejectsBadCredential(t *testing.T) {
	m, reg := newTestManager(nil)

	_, err := m.OnHandshake(context.Background(), "bogus", &fakeConn{})
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected auth.ErrInvalidToken, got %v", err)
	}
	if reg.CountFor("") != 0 || reg.CountFor("bogus") != 0 {
		t.Error("rejected handshake must not register anything")
	}
}

func TestCloseUnregisters(t *testing.T) {
	m, reg := newTestManager(nil)

	tok, _ := m.OnHandshake(context.Background(), "ok:alice", &fakeConn{})
	m.OnClose(context.Background(), tok)
	m.OnClose(context.Background(), tok) // duplicate close is a no-op

	if reg.CountFor("alice") != 0 {
		t.Errorf("registry count = %d, want 0", reg.CountFor("alice"))
	}
}

func TestInboxFollowedWhileUserServed(t *testing.T) {
	bridge := newFakeBridge()
	m, _ := newTestManager(bridge)

	conn1, conn2 := &fakeConn{}, &fakeConn{}
	tok1, _ := m.OnHandshake(context.Background(), "ok:alice", conn1)
	tok2, _ := m.OnHandshake(context.Background(), "ok:alice", conn2)

	// Bridged frames reach every local connection.
	if !bridge.deliver("alice", []byte(`{"type":"x"}`)) {
		t.Fatal("inbox should be subscribed after first handshake")
	}
	if conn1.frameCount() != 1 || conn2.frameCount() != 1 {
		t.Errorf("bridged frame counts = %d/%d, want 1/1", conn1.frameCount(), conn2.frameCount())
	}

	// Subscription survives while one connection remains.
	m.OnClose(context.Background(), tok1)
	if !bridge.deliver("alice", []byte(`{"type":"y"}`)) {
		t.Fatal("inbox should stay subscribed while a connection remains")
	}

	// Last close drops the subscription.
	m.OnClose(context.Background(), tok2)
	if bridge.deliver("alice", nil) {
		t.Error("inbox should be unsubscribed after last close")
	}
}

// fakeSuspensions suspends exactly the named user.
type fakeSuspensions struct {
	user string
}

func (f fakeSuspensions) IsSuspended(ctx context.Context, userID string) (bool, time.Duration, string, error) {
	if userID == f.user {
		return true, time.Minute, "abuse", nil
	}
	return false, 0, "", nil
}

func TestHandshakeRejectsSuspendedUser(t *testing.T) {
	m, reg := newTestManager(nil)
	m.SetSuspensionChecker(fakeSuspensions{user: "mallory"})

	_, err := m.OnHandshake(context.Background(), "ok:mallory", &fakeConn{})
	if !errors.Is(err, ErrSuspended) {
		t.Fatalf("expected ErrSuspended, got %v", err)
	}
	if reg.CountFor("mallory") != 0 {
		t.Error("suspended handshake must not register anything")
	}

	// Other users are unaffected.
	if _, err := m.OnHandshake(context.Background(), "ok:alice", &fakeConn{}); err != nil {
		t.Fatalf("OnHandshake: %v", err)
	}
}
