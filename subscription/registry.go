// Package subscription holds the per-process map from message type to an
// ordered list of handlers.
package subscription

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/ctxbus/envelope"
)

// Handler processes one inbound envelope. A returned error is logged by
// the dispatcher and never reaches other handlers or the sender.
type Handler func(ctx context.Context, env *envelope.Envelope) error

// Entry is one registration.
type Entry struct {
	id      uint64
	Type    envelope.Type
	Handler Handler
	active  atomic.Bool
}

// Active reports whether the registration is still in place. A handler
// cancelled while a dispatch snapshot is in flight is skipped.
func (e *Entry) Active() bool { return e.active.Load() }

// Registry maps types to handlers in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries map[envelope.Type][]*Entry
	nextID  uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[envelope.Type][]*Entry)}
}

// Add registers h for t and returns a cancel func that removes exactly
// this registration. Cancel is idempotent.
func (r *Registry) Add(t envelope.Type, h Handler) (cancel func()) {
	r.mu.Lock()
	r.nextID++
	e := &Entry{id: r.nextID, Type: t, Handler: h}
	e.active.Store(true)
	r.entries[t] = append(r.entries[t], e)
	r.mu.Unlock()

	return func() { r.remove(e) }
}

func (r *Registry) remove(target *Entry) {
	if !target.active.Swap(false) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.entries[target.Type]
	for i, e := range list {
		if e == target {
			next := make([]*Entry, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(r.entries, target.Type)
			} else {
				r.entries[target.Type] = next
			}
			return
		}
	}
}

// Snapshot returns the registrations for t in registration order.
func (r *Registry) Snapshot(t envelope.Type) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Entry(nil), r.entries[t]...)
}

// Len returns the number of registrations for t.
func (r *Registry) Len(t envelope.Type) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries[t])
}

// Total returns the number of registrations across all types.
func (r *Registry) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, list := range r.entries {
		n += len(list)
	}
	return n
}

// Types returns the types with at least one registration, sorted.
func (r *Registry) Types() []envelope.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]envelope.Type, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Clear removes every registration. Outstanding cancel funcs become no-ops.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, list := range r.entries {
		for _, e := range list {
			e.active.Store(false)
		}
	}
	r.entries = make(map[envelope.Type][]*Entry)
}
