// Package registry maps user ids to their active connection handles on this
// instance: the global notification socket plus zero or more chat sockets.
package registry

import (
	"sync"

	"veil/internal/hub"
)

// Registry is the only shared mutable state inside an instance.
// All access goes through the narrow add/remove/get/snapshot interface.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[*hub.Client]struct{}
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]map[*hub.Client]struct{}),
	}
}

// Add records a connection handle for the user.
func (r *Registry) Add(userHex string, c *hub.Client) {
	if userHex == "" || c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userHex]
	if !ok {
		set = make(map[*hub.Client]struct{}, 2)
		r.conns[userHex] = set
	}
	set[c] = struct{}{}
}

// Remove drops a connection handle; the user entry disappears with its last handle.
func (r *Registry) Remove(userHex string, c *hub.Client) {
	if userHex == "" || c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.conns[userHex]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.conns, userHex)
	}
}

// Get returns the user's active handles (a copy; safe to range without locks).
func (r *Registry) Get(userHex string) []*hub.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.conns[userHex]
	if !ok {
		return nil
	}
	out := make([]*hub.Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// Snapshot returns every connected user's handles.
func (r *Registry) Snapshot() map[string][]*hub.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]*hub.Client, len(r.conns))
	for user, set := range r.conns {
		handles := make([]*hub.Client, 0, len(set))
		for c := range set {
			handles = append(handles, c)
		}
		out[user] = handles
	}
	return out
}

// Connected reports whether the user holds at least one connection here.
func (r *Registry) Connected(userHex string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns[userHex]) > 0
}
