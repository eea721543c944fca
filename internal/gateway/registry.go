package gateway

import (
	"context"
	"sync"

	"github.com/dontdude/execd/internal/dispatch"
	"github.com/dontdude/execd/internal/domain"
	"github.com/dontdude/execd/internal/metrics"
	"github.com/dontdude/execd/internal/protocol"
	"github.com/gorilla/websocket"
)

// Registry maps connection ids to live connections.
// Entries are added and removed only by the Gateway.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

var _ dispatch.LivePusher = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

func (r *Registry) add(c *Conn) {
	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
	metrics.LiveConnections.Inc()
}

func (r *Registry) remove(id string) bool {
	r.mu.Lock()
	_, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()
	if ok {
		metrics.LiveConnections.Dec()
	}
	return ok
}

// Get returns the live connection registered under id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Push sends a finished job's result to connID. It reports false when the
// connection is gone, in which case the result is dropped.
func (r *Registry) Push(_ context.Context, connID, jobID string, result domain.ExecResult) bool {
	c, ok := r.Get(connID)
	if !ok {
		return false
	}
	env, err := protocol.New(protocol.TypeExecResult, "", protocol.ExecResult{JobID: jobID, ExecResult: result})
	if err != nil {
		return false
	}
	return c.enqueue(env)
}

// CloseAll disconnects every live connection with reason.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, reason)
	}
}
