package state

import (
	"sort"
	"sync"
)

// DirectoryEvent notifies listeners that the known-user set changed.
type DirectoryEvent struct {
	Type  string   `json:"type"` // "replace"
	Users []string `json:"users"`
}

// Directory is the set of known usernames, excluding self. It is replaced
// wholesale on login and never partially mutated. Membership changes arrive
// only as group events, not as directory deltas.
type Directory struct {
	mu        sync.Mutex
	self      string
	users     map[string]struct{}
	listeners []chan DirectoryEvent
}

func NewDirectory() *Directory {
	return &Directory{
		users:     map[string]struct{}{},
		listeners: make([]chan DirectoryEvent, 0),
	}
}

// Replace swaps in the login response's user list, dropping self.
func (d *Directory) Replace(self string, users []string) {
	d.mu.Lock()
	d.self = self
	d.users = make(map[string]struct{}, len(users))
	for _, u := range users {
		if u == self {
			continue
		}
		d.users[u] = struct{}{}
	}
	snapshot := d.listLocked()
	d.mu.Unlock()
	d.notifyListeners(DirectoryEvent{Type: "replace", Users: snapshot})
}

// Contains reports whether a username is known.
func (d *Directory) Contains(user string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.users[user]
	return ok
}

// Self returns the authenticated username.
func (d *Directory) Self() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.self
}

// List returns all known usernames, sorted.
func (d *Directory) List() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listLocked()
}

func (d *Directory) listLocked() []string {
	out := make([]string, 0, len(d.users))
	for u := range d.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (d *Directory) Subscribe() chan DirectoryEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan DirectoryEvent, 16)
	d.listeners = append(d.listeners, ch)
	return ch
}

func (d *Directory) Unsubscribe(ch chan DirectoryEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, listener := range d.listeners {
		if listener == ch {
			close(listener)
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			return
		}
	}
}

func (d *Directory) notifyListeners(evt DirectoryEvent) {
	d.mu.Lock()
	listeners := make([]chan DirectoryEvent, len(d.listeners))
	copy(listeners, d.listeners)
	d.mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
