// Package group reconciles group snapshot events into one canonical record
// per group id.
package group

import (
	"sort"
	"sync"

	"github.com/pvdmeer/babbel/internal/wire"
)

// RegistryEvent notifies listeners of a registry change.
type RegistryEvent struct {
	Type  string      `json:"type"` // "upsert" | "replace"
	Group *wire.Group `json:"group,omitempty"`
}

// Registry holds the canonical per-group records. The server is the single
// source of truth for membership: every inbound event carries a complete
// snapshot, and Upsert fully replaces the stored record, never merges.
type Registry struct {
	mu        sync.Mutex
	groups    map[string]wire.Group
	listeners []chan RegistryEvent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		groups:    make(map[string]wire.Group),
		listeners: make([]chan RegistryEvent, 0),
	}
}

// Upsert inserts or fully replaces the record for g.ID. Replaying the same
// snapshot is idempotent: one record per id, always.
func (r *Registry) Upsert(g wire.Group) {
	r.mu.Lock()
	r.groups[g.ID] = g
	r.mu.Unlock()
	r.notify(RegistryEvent{Type: "upsert", Group: &g})
}

// Seed replaces the whole registry with the login response snapshot.
func (r *Registry) Seed(groups []wire.Group) {
	r.mu.Lock()
	r.groups = make(map[string]wire.Group, len(groups))
	for _, g := range groups {
		r.groups[g.ID] = g
	}
	r.mu.Unlock()
	r.notify(RegistryEvent{Type: "replace"})
}

// Get looks up a group by id. O(1).
func (r *Registry) Get(id string) (wire.Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	return g, ok
}

// List returns all groups sorted by id.
func (r *Registry) List() []wire.Group {
	r.mu.Lock()
	out := make([]wire.Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

// Subscribe returns a channel that receives registry events.
func (r *Registry) Subscribe() chan RegistryEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan RegistryEvent, 16)
	r.listeners = append(r.listeners, ch)
	return ch
}

// Unsubscribe removes a listener channel.
func (r *Registry) Unsubscribe(ch chan RegistryEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, listener := range r.listeners {
		if listener == ch {
			close(listener)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

func (r *Registry) notify(evt RegistryEvent) {
	r.mu.Lock()
	listeners := make([]chan RegistryEvent, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
