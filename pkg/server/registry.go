package server

import (
	"sync"
	"time"
)

// Registry tracks every live connection, indexed by connection id and by
// user id. The user index is what makes multi-device fan-out cheap: all of
// a user's sockets are one lookup away.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Conn
	byUser  map[string]map[string]*Conn // userID -> connID -> conn
	metrics *Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
	}
}

// SetMetrics attaches metrics to the registry.
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// Register adds a connection. Returns the number of connections the user
// now has; 1 means this is the user's first device coming online.
func (r *Registry) Register(conn *Conn) int {
	r.mu.Lock()
	r.conns[conn.ID] = conn
	userConns := r.byUser[conn.Identity.UserID]
	if userConns == nil {
		userConns = make(map[string]*Conn)
		r.byUser[conn.Identity.UserID] = userConns
	}
	userConns[conn.ID] = conn
	userCount := len(userConns)
	total := len(r.conns)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveConnections(total)
		r.metrics.RecordConnectionOpened()
	}
	return userCount
}

// Deregister removes a connection and closes it. Returns the connection's
// user id and how many connections that user still has; 0 means the user's
// last device just went offline.
func (r *Registry) Deregister(connID string) (string, int, bool) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return "", 0, false
	}
	delete(r.conns, connID)
	userID := conn.Identity.UserID
	remaining := 0
	if userConns := r.byUser[userID]; userConns != nil {
		delete(userConns, connID)
		remaining = len(userConns)
		if remaining == 0 {
			delete(r.byUser, userID)
		}
	}
	total := len(r.conns)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.RecordActiveConnections(total)
		r.metrics.RecordConnectionClosed()
	}

	conn.Close()
	return userID, remaining, true
}

// Get returns a connection by id.
func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	return conn, ok
}

// ConnectionsFor returns all of a user's live connections.
func (r *Registry) ConnectionsFor(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userConns := r.byUser[userID]
	if len(userConns) == 0 {
		return nil
	}
	result := make([]*Conn, 0, len(userConns))
	for _, conn := range userConns {
		result = append(result, conn)
	}
	return result
}

// All returns every live connection.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		result = append(result, conn)
	}
	return result
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// Stale returns connections idle past the timeout. The sweeper drops them
// through the normal disconnect path so presence and typing still settle.
func (r *Registry) Stale(timeout time.Duration) []*Conn {
	cutoff := time.Now().Add(-timeout).UnixMilli()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var stale []*Conn
	for _, conn := range r.conns {
		if conn.LastActivity() < cutoff {
			stale = append(stale, conn)
		}
	}
	return stale
}

// CloseAll closes every connection. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[string]*Conn)
	r.byUser = make(map[string]map[string]*Conn)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
