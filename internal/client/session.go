package client

import (
	"sync"
	"time"

	"github.com/dontdude/execd/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// session is one websocket connection. A Manager replaces it on reconnect.
type session struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Envelope

	done chan struct{}
	once sync.Once
	err  error
}

func newSession(ws *websocket.Conn) *session {
	ws.SetReadLimit(maxMessageSize)
	return &session{
		ws:      ws,
		pending: make(map[string]chan protocol.Envelope),
		done:    make(chan struct{}),
	}
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// close records cause and tears the socket down. Only the first cause is kept.
func (s *session) close(cause error) {
	s.once.Do(func() {
		s.err = cause
		close(s.done)
		s.ws.Close()
	})
}

// shutdown says goodbye with a close frame before closing.
func (s *session) shutdown(cause error) {
	deadline := time.Now().Add(time.Second)
	_ = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	s.close(cause)
}

func (s *session) write(env protocol.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.ws.WriteJSON(env)
}

func (s *session) await(id string) chan protocol.Envelope {
	ch := make(chan protocol.Envelope, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	return ch
}

func (s *session) forget(id string) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// deliver routes a reply to its waiting request. It reports false when
// nobody is waiting for env.ID.
func (s *session) deliver(env protocol.Envelope) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[env.ID]
	delete(s.pending, env.ID)
	s.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	return true
}
