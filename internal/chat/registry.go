package chat

import (
	"sort"
	"strings"
	"sync"
)

// serverName is the immutable pseudo-username used as the sender of system
// notices ("X has joined", "X has left"), per §3.
const serverName = "[Server]"

// Registry is the set of live connection records (C3). Every operation is
// guarded by mu: C6's transition table requires synchronous lookups
// (FindByUsername at REGISTER time) from inside a worker's dispatch, so the
// registry is a directly-locked map rather than the teacher's
// channel-owned-map actor (see DESIGN.md, Open Question resolutions).
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Connection
	clients map[*Connection]struct{}
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]*Connection),
		clients: make(map[*Connection]struct{}),
	}
}

// ServerName returns the pseudo-username used for system notices.
func (r *Registry) ServerName() string { return serverName }

// Track adds a freshly accepted connection that has not yet registered a
// username. It is not addressable by name until Insert is called.
func (r *Registry) Track(c *Connection) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
}

// Insert registers c under username. Returns ErrUsernameTaken if the name
// is already held by a live connection.
func (r *Registry) Insert(username string, c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[username]; exists {
		return ErrUsernameTaken
	}
	r.byName[username] = c
	r.clients[c] = struct{}{}
	ConnectedClients.Set(float64(len(r.clients)))
	return nil
}

// Remove drops c from the registry entirely, by both name (if any) and
// connection identity.
func (r *Registry) Remove(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, held := range r.byName {
		if held == c {
			delete(r.byName, name)
		}
	}
	delete(r.clients, c)
	ConnectedClients.Set(float64(len(r.clients)))
}

// FindByUsername returns the live connection registered under name, if
// any. Byte-exact comparison (Go map equality), per spec.md §9 OQ2.
func (r *Registry) FindByUsername(name string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	return c, ok
}

// ListUsernames formats currently registered usernames into a sorted,
// comma-separated list, matching the teacher's handleUsers shape.
func (r *Registry) ListUsernames() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// Each runs f against a snapshot of all tracked connections, taken under
// RLock. f must not block on the registry.
func (r *Registry) Each(f func(*Connection)) {
	r.mu.RLock()
	snapshot := make([]*Connection, 0, len(r.clients))
	for c := range r.clients {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()
	for _, c := range snapshot {
		f(c)
	}
}

// Count returns the number of tracked connections (registered or not).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
