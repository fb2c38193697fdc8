package gateway

import "sync"

// Registry maps authenticated device identities to their live connections.
// Register swaps atomically so an identity never has two entries; the caller
// terminates the displaced connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register installs c for the identity and returns the connection it
// displaced, if any.
func (r *Registry) Register(identity string, c *Conn) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[identity]
	r.conns[identity] = c
	if prev == c {
		return nil
	}
	return prev
}

// Unregister removes the entry only when it still belongs to the caller, so a
// superseded connection's cleanup cannot evict its successor. Idempotent.
func (r *Registry) Unregister(identity string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[identity] == c {
		delete(r.conns, identity)
	}
}

// Lookup returns the live connection for an identity.
func (r *Registry) Lookup(identity string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[identity]
	return c, ok
}

// Count returns the number of registered identities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
