package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/ripple/social-app/internal/metrics"
	"github.com/ripple/social-app/internal/registry"
)

// Connection represents a single WebSocket client connection bound to an
// authenticated user. It carries the registry token returned by the session
// lifecycle manager for the connection's lifetime and a write mutex for
// serializing outbound frames.
type Connection struct {
	ID        string         // connection ID (UUID), transport-level
	UserID    string         // authenticated owner, set after handshake
	Token     registry.Token // registration handle, set after handshake
	Conn      net.Conn       // underlying TCP connection
	Fd        int            // file descriptor for epoll lookups
	CreatedAt time.Time      // when the connection was established

	writeTimeout time.Duration // bound on a single outbound frame write
	writeMu      sync.Mutex    // serializes writes to this connection
	processing   int32         // atomic flag: 0 = idle, 1 = being read by handleConn
	lastPing     int64         // unix nanos of last client activity, atomic
}

// Touch records client activity on the connection. Read-path and dispatcher
// goroutines call this; the heartbeat reads it via LastActive, so the
// timestamp is kept as an atomic unix-nano rather than a time.Time.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastPing, time.Now().UnixNano())
}

// LastActive returns the time of the last activity observed from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastPing))
}

// Send writes a WebSocket text frame to this connection within the write
// timeout. It implements registry.Conn: a connection that cannot accept the
// frame in time returns an error and is treated by callers as disconnected.
func (c *Connection) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe transport-level index that maps
// connection IDs and file descriptors to their Connection objects. The
// user-level view lives in the connection registry; this index exists for
// O(1) lookups from the epoll event loop.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // connection ID -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
	metrics.ConnectionsActive.Inc()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
		metrics.ConnectionsActive.Dec()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
