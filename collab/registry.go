package collab

import (
	"sync"
)

type ConnState int

const (
	StateUnjoined ConnState = iota
	StateJoined
	StateLeft
)

func (s ConnState) String() string {
	switch s {
	case StateUnjoined:
		return "unjoined"
	case StateJoined:
		return "joined"
	case StateLeft:
		return "left"
	}
	return "unknown"
}

// Registry maps live connections to who they are. It is the only place a connection's
// identity is looked up or removed.
type Registry struct {
	conns map[Conn]Identity
	// connections which have left but whose transport is still open. Messages from them
	// are ignored and they cannot join again.
	left map[Conn]struct{}
	mu   *sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[Conn]Identity),
		left:  make(map[Conn]struct{}),
		mu:    &sync.Mutex{},
	}
}

// Register records the identity of a connection which has just joined. Returns false and
// does nothing if the connection has already joined or left.
func (r *Registry) Register(conn Conn, id Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[conn]; exists {
		return false
	}
	if _, hasLeft := r.left[conn]; hasLeft {
		return false
	}
	r.conns[conn] = id
	return true
}

// Lookup returns the identity of a joined connection.
func (r *Registry) Lookup(conn Conn) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.conns[conn]
	return id, ok
}

// Remove deletes the mapping for this connection and returns what it was. Only the first
// call for a joined connection returns true, which makes it safe to call on leave, close
// and error alike.
func (r *Registry) Remove(conn Conn) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.conns[conn]
	if !ok {
		return Identity{}, false
	}
	delete(r.conns, conn)
	r.left[conn] = struct{}{}
	return id, true
}

// Forget drops all knowledge of a connection. Call when the transport is gone.
func (r *Registry) Forget(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, conn)
	delete(r.left, conn)
}

func (r *Registry) State(conn Conn) ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[conn]; ok {
		return StateJoined
	}
	if _, ok := r.left[conn]; ok {
		return StateLeft
	}
	return StateUnjoined
}

// Len returns the number of joined connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Identities returns the identities of every joined connection in this project.
func (r *Registry) Identities(projectID string) []Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []Identity
	for _, id := range r.conns {
		if id.ProjectID == projectID {
			ids = append(ids, id)
		}
	}
	return ids
}
