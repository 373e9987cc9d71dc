package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sendBuffer is the per-connection outbound queue depth. A subscriber that
// falls this far behind starts losing frames rather than stalling the turn.
const sendBuffer = 100

// wsConn is one WebSocket subscriber. All writes go through the send
// channel; the write loop is the only goroutine touching the socket writer.
type wsConn struct {
	sock *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce sync.Once

	mu         sync.Mutex
	lastActive time.Time
}

func newWSConn(sock *websocket.Conn) *wsConn {
	return &wsConn{
		sock:       sock,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		lastActive: time.Now(),
	}
}

// enqueue queues a frame, dropping it when the buffer is full or the
// connection is closing. Reports whether the frame was accepted.
func (c *wsConn) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.sock.Close()
	})
}

func (c *wsConn) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *wsConn) idleSince(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive.Before(cutoff)
}

// Registry tracks WebSocket subscribers per session so turns started on any
// transport fan out to every watcher of that session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[*wsConn]struct{}
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]map[*wsConn]struct{})}
}

func (r *Registry) attach(sessionID string, c *wsConn) {
	r.mu.Lock()
	conns, ok := r.sessions[sessionID]
	if !ok {
		conns = make(map[*wsConn]struct{})
		r.sessions[sessionID] = conns
	}
	conns[c] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) detach(sessionID string, c *wsConn) {
	r.mu.Lock()
	if conns, ok := r.sessions[sessionID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(r.sessions, sessionID)
		}
	}
	r.mu.Unlock()
	c.close()
}

// Broadcast fans a frame out to every subscriber of the session. Slow
// subscribers lose the frame; the sender never blocks.
func (r *Registry) Broadcast(sessionID string, payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.sessions[sessionID] {
		c.enqueue(payload)
	}
}

// Count reports the number of live subscribers across all sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, conns := range r.sessions {
		n += len(conns)
	}
	return n
}

// Sweep closes connections idle past the cutoff and reports how many were
// dropped. Closing unblocks their read loops, which then detach themselves.
func (r *Registry) Sweep(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	r.mu.RLock()
	var stale []*wsConn
	for _, conns := range r.sessions {
		for c := range conns {
			if c.idleSince(cutoff) {
				stale = append(stale, c)
			}
		}
	}
	r.mu.RUnlock()

	for _, c := range stale {
		c.close()
	}
	return len(stale)
}
