// Package ws handles WebSocket connection management: upgrading HTTP
// connections, authenticating them through the session lifecycle manager,
// maintaining active connections, and dispatching incoming messages to the
// appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/ripple/social-app/internal/auth"
	"github.com/ripple/social-app/internal/metrics"
	"github.com/ripple/social-app/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // bound on a single outbound frame write
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Second,
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, authenticates them through the lifecycle
// manager, registers them with an epoll instance for I/O readiness
// notifications, and dispatches ready connections to a bounded worker pool
// for frame reading.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	lifecycle  *session.Manager
	workerPool chan struct{}                       // semaphore limiting concurrent read workers
	onMessage  func(conn *Connection, data []byte) // message handler callback
	httpServer *http.Server
	extra      map[string]http.Handler // additional routes registered before Start
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server with the given configuration, lifecycle
// manager, and message callback. The onMessage function is called from a
// worker goroutine whenever a complete WebSocket text frame is received
// from a client.
func NewServer(config ServerConfig, lifecycle *session.Manager, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		lifecycle:  lifecycle,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		extra:      make(map[string]http.Handler),
		done:       make(chan struct{}),
	}
}

// Start initializes the epoll instance, configures the HTTP server, and
// begins accepting WebSocket connections. It starts the epoll event loop in
// a background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	for pattern, handler := range s.extra {
		mux.Handle(pattern, handler)
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.startEventLoop()

	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// Handle registers an additional HTTP route on the server's mux. It must be
// called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.extra[pattern] = handler
}

// Credential extracts the auth token from the upgrade request: either a
// "token" query parameter or an Authorization bearer header.
func Credential(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using
// the gobwas/ws zero-copy upgrader, then runs the session handshake. A
// rejected handshake closes the raw connection without registering
// anything.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	token := Credential(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	fd := socketFD(conn)
	c := &Connection{
		ID:           uuid.New().String(),
		Conn:         conn,
		Fd:           fd,
		CreatedAt:    time.Now(),
		writeTimeout: s.config.WriteTimeout,
	}
	c.Touch()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	regTok, err := s.lifecycle.OnHandshake(ctx, token, c)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidToken):
			log.Printf("ws: handshake rejected conn=%s: %v", c.ID, err)
			frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusPolicyViolation, "authentication failed"))
			_ = ws.WriteFrame(conn, frame)
		case errors.Is(err, session.ErrSuspended):
			log.Printf("ws: handshake rejected conn=%s: %v", c.ID, err)
			frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusPolicyViolation, "account suspended"))
			_ = ws.WriteFrame(conn, frame)
		default:
			log.Printf("ws: handshake error conn=%s: %v", c.ID, err)
		}
		_ = conn.Close()
		return
	}
	c.UserID = regTok.UserID()
	c.Token = regTok

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed conn=%s: %v", c.ID, err)
		s.removeConnection(c)
		return
	}

	log.Printf("ws: new connection conn=%s user=%s fd=%d (total=%d)",
		c.ID, c.UserID, fd, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON, including
// the current connection count and uptime. It is used by the load balancer
// for health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed from
// epoll and both the transport index and the registry.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// Don't kill the connection; the heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.removeConnection(c)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.removeConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	// Read data frame payload.
	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.removeConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll, the transport index,
// and (via the lifecycle manager) the registry, then closes the underlying
// network connection. It is exported so that the heartbeat monitor can
// evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	s.removeConnection(c)
}

func (s *Server) removeConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	s.lifecycle.OnClose(ctx, c.Token)
	cancel()

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat monitor).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	// Signal the event loop to stop.
	close(s.done)

	// Stop accepting new HTTP connections with a deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	// Unwind every remaining connection through the normal close path so
	// presence and routing records stay consistent.
	for _, c := range s.conns.All() {
		s.removeConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
