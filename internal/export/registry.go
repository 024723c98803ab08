package export

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type registryEntry struct {
	export  *Export
	created time.Time
	release func()
}

// Registry keeps exports by id until they are removed or pruned.
type Registry struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	entries map[string]*registryEntry
}

// NewRegistry creates an empty registry. A nil clock uses the real clock.
func NewRegistry(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		clock:   clock,
		entries: make(map[string]*registryEntry),
	}
}

// Add registers e. release, if not nil, runs once when e leaves the registry.
func (r *Registry) Add(e *Export, release func()) {
	r.mu.Lock()
	prev := r.entries[e.ID()]
	r.entries[e.ID()] = &registryEntry{export: e, created: r.clock.Now(), release: release}
	r.mu.Unlock()

	if prev != nil && prev.release != nil {
		prev.release()
	}
}

func (r *Registry) Get(id string) (*Export, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return entry.export, true
}

// List returns every export, oldest first.
func (r *Registry) List() []*Export {
	r.mu.RLock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].created.Equal(entries[j].created) {
			return entries[i].export.ID() < entries[j].export.ID()
		}
		return entries[i].created.Before(entries[j].created)
	})
	out := make([]*Export, len(entries))
	for i, entry := range entries {
		out[i] = entry.export
	}
	return out
}

// Remove drops id and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	entry, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if ok && entry.release != nil {
		entry.release()
	}
	return ok
}

// Prune removes exports that stopped more than maxAge ago. Running exports
// and failed exports still inside the window are kept.
func (r *Registry) Prune(maxAge time.Duration) int {
	cutoff := r.clock.Now().Add(-maxAge)

	r.mu.Lock()
	var pruned []*registryEntry
	for id, entry := range r.entries {
		st := entry.export.Status()
		if !State(st.State).Terminal() || entry.export.isRunning() {
			continue
		}
		if st.UpdatedAt.After(cutoff) {
			continue
		}
		pruned = append(pruned, entry)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, entry := range pruned {
		if entry.release != nil {
			entry.release()
		}
	}
	return len(pruned)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
