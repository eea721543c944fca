package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dontdude/execd/internal/protocol"
	"github.com/gorilla/websocket"
)

// State is the lifecycle position of a connection.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const maxMessageSize = 64 * 1024

// Conn is one authenticated live connection. Only the gateway's owner loop
// mutates it; other goroutines talk to it through enqueue and close.
type Conn struct {
	id     string
	userID string
	ws     *websocket.Conn

	send chan protocol.Envelope
	done chan struct{}

	writeTimeout time.Duration

	state     atomic.Int32
	closeOnce sync.Once

	mu          sync.Mutex
	expiresAt   time.Time
	closeCode   int
	closeReason string
}

func newConn(id, userID string, ws *websocket.Conn, expiresAt time.Time, buffer int, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:           id,
		userID:       userID,
		ws:           ws,
		send:         make(chan protocol.Envelope, buffer),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		expiresAt:    expiresAt,
		closeCode:    websocket.CloseNormalClosure,
	}
}

// ID returns the gateway-assigned connection id.
func (c *Conn) ID() string { return c.id }

// UserID returns the identity bound at handshake.
func (c *Conn) UserID() string { return c.userID }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// ExpiresAt returns the deadline of the currently accepted credential.
func (c *Conn) ExpiresAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiresAt
}

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

func (c *Conn) setExpiry(t time.Time) {
	c.mu.Lock()
	c.expiresAt = t
	c.mu.Unlock()
}

// enqueue hands env to the write pump. It reports false once the connection
// is closing or when the peer does not drain its buffer in time.
func (c *Conn) enqueue(env protocol.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.send <- env:
		return true
	case <-c.done:
		return false
	case <-timer.C:
		return false
	}
}

// close starts teardown. Messages already enqueued are flushed before the
// close frame is written.
func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		c.setState(StateClosing)
		close(c.done)
	})
}

// readPump forwards decoded frames to inbound and closes it when the peer
// goes away or sends something that is not an envelope.
func (c *Conn) readPump(inbound chan<- protocol.Envelope) {
	defer close(inbound)
	c.ws.SetReadLimit(maxMessageSize)
	for {
		var env protocol.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return
		}
		select {
		case inbound <- env:
		case <-c.done:
			return
		}
	}
}

// writePump is the only writer on the socket.
func (c *Conn) writePump() {
	defer c.ws.Close()
	for {
		select {
		case env := <-c.send:
			if err := c.write(env); err != nil {
				c.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-c.done:
			c.flush()
			c.mu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.mu.Unlock()
			deadline := time.Now().Add(c.writeTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
			return
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case env := <-c.send:
			if err := c.write(env); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(env protocol.Envelope) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(env)
}
