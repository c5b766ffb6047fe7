package multipath

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the multipath groups of a host, keyed by namespace NGUID
type Registry struct {
	cfg      Config
	listener Listener

	mu     sync.RWMutex
	groups map[string]*Group
	wake   func()
}

// NewRegistry creates an empty registry. Groups it creates share cfg and
// listener.
func NewRegistry(cfg Config, listener Listener) *Registry {
	return &Registry{
		cfg:      cfg,
		listener: listener,
		groups:   make(map[string]*Group),
	}
}

// SetWake sets the function groups call when queued I/O can move
func (r *Registry) SetWake(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wake = fn
}

// Wake asks the resubmitter to run now
func (r *Registry) Wake() {
	r.mu.RLock()
	fn := r.wake
	r.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Attach adds p to group id, creating the group on first use. Lookup,
// creation and the add happen under the registry lock, so a concurrent
// Detach cannot drop the group in between.
func (r *Registry) Attach(id string, p Path) (*Group, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[id]
	if !ok {
		g = NewGroup(id, r.cfg, r.listener, r.Wake)
	}
	if err := g.AddMember(p); err != nil {
		return nil, false, fmt.Errorf("attach %s: %w", p.Name(), err)
	}
	if !ok {
		r.groups[id] = g
	}
	return g, !ok, nil
}

// Detach removes p from group id. The group is closed and dropped when its
// last member goes; the return value reports that.
func (r *Registry) Detach(id string, p Path) bool {
	r.mu.Lock()
	g, ok := r.groups[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	remaining, wasActive := g.removeMember(p)
	if remaining == 0 {
		delete(r.groups, id)
	}
	r.mu.Unlock()

	if remaining > 0 {
		g.failoverAfterRemoval(remaining, wasActive)
		return false
	}
	g.Close()
	return true
}

// Get returns group id
func (r *Registry) Get(id string) (*Group, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	return g, ok
}

// Groups returns every group ordered by id
func (r *Registry) Groups() []*Group {
	r.mu.RLock()
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of groups
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

// Close closes and drops every group
func (r *Registry) Close() {
	r.mu.Lock()
	groups := r.groups
	r.groups = make(map[string]*Group)
	r.mu.Unlock()

	for _, g := range groups {
		g.Close()
	}
}
