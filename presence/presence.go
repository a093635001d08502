// Package presence tracks which contexts of an extension are reachable.
//
// The background registers itself once started, a content context while
// its tab is loaded and the panel while it is open. Entries live in a
// state.Store so contexts in separate processes share one view.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/ctxbus/envelope"
	"github.com/vinayprograms/ctxbus/state"
)

// DefaultPrefix is the key prefix of presence entries.
const DefaultPrefix = "presence"

// Common errors.
var (
	ErrNotFound = errors.New("context not registered")
	ErrClosed   = errors.New("presence directory closed")
)

// Entry is one registered context.
type Entry struct {
	// Identity of the registered context.
	Identity envelope.Identity `json:"identity"`

	// Instance distinguishes successive registrations of the same identity,
	// for example a panel that was closed and opened again.
	Instance string `json:"instance"`

	// Since is when the entry was written.
	Since time.Time `json:"since"`
}

// EventType represents the type of presence change.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event reports a change in the directory.
// For removals only Entry.Identity is set.
type Event struct {
	Type  EventType
	Entry Entry
}

// Directory is the reachability source of truth.
type Directory struct {
	store  state.Store
	prefix string
	closed atomic.Bool
}

// New creates a directory over store. The store is not closed by the
// directory.
func New(store state.Store) *Directory {
	return NewWithPrefix(store, DefaultPrefix)
}

// NewWithPrefix creates a directory whose keys start with prefix.
func NewWithPrefix(store state.Store, prefix string) *Directory {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Directory{store: store, prefix: strings.TrimSuffix(prefix, ".")}
}

func (d *Directory) key(id envelope.Identity) string {
	return d.prefix + "." + id.Subject()
}

func (d *Directory) identityFromKey(key string) (envelope.Identity, error) {
	return envelope.ParseSubject(strings.TrimPrefix(key, d.prefix+"."))
}

// Register adds or replaces the entry for e.Identity.
func (d *Directory) Register(ctx context.Context, e Entry) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if err := e.Identity.Validate(); err != nil {
		return err
	}
	if e.Since.IsZero() {
		e.Since = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode presence entry: %w", err)
	}
	if _, err := d.store.Put(ctx, d.key(e.Identity), data); err != nil {
		return fmt.Errorf("register %s: %w", e.Identity, err)
	}
	return nil
}

// Deregister removes the entry for id. When instance is non-empty the entry
// is removed only if it still belongs to that instance, so a stale context
// never removes a newer registration. Removing a missing entry is not an
// error.
func (d *Directory) Deregister(ctx context.Context, id envelope.Identity, instance string) error {
	if d.closed.Load() {
		return ErrClosed
	}
	key := d.key(id)
	if instance == "" {
		if err := d.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("deregister %s: %w", id, err)
		}
		return nil
	}

	kv, err := d.store.GetKeyValue(ctx, key)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deregister %s: %w", id, err)
	}
	var current Entry
	if err := json.Unmarshal(kv.Value, &current); err != nil {
		return fmt.Errorf("decode presence entry %s: %w", key, err)
	}
	if current.Instance != instance {
		return nil
	}

	err = d.store.DeleteIf(ctx, key, kv.Revision)
	if errors.Is(err, state.ErrRevisionMismatch) {
		// Re-registered in between.
		return nil
	}
	if err != nil {
		return fmt.Errorf("deregister %s: %w", id, err)
	}
	return nil
}

// Lookup returns the entry for id or ErrNotFound.
func (d *Directory) Lookup(ctx context.Context, id envelope.Identity) (Entry, error) {
	if d.closed.Load() {
		return Entry{}, ErrClosed
	}
	data, err := d.store.Get(ctx, d.key(id))
	if errors.Is(err, state.ErrNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("lookup %s: %w", id, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("decode presence entry %s: %w", id, err)
	}
	return e, nil
}

// Reachable reports whether id is currently registered.
func (d *Directory) Reachable(ctx context.Context, id envelope.Identity) bool {
	_, err := d.Lookup(ctx, id)
	return err == nil
}

// List returns all registered contexts: background first, then content
// contexts by tab, then the panel.
func (d *Directory) List(ctx context.Context) ([]Entry, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	keys, err := d.store.Keys(ctx, d.prefix+".*")
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		data, err := d.store.Get(ctx, key)
		if errors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list presence: %w", err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return Less(entries[i].Identity, entries[j].Identity)
	})
	return entries, nil
}

// Less orders identities background, content by tab, panel.
func Less(a, b envelope.Identity) bool {
	ra, rb := rank(a.Kind), rank(b.Kind)
	if ra != rb {
		return ra < rb
	}
	return a.TabID < b.TabID
}

func rank(k envelope.Kind) int {
	switch k {
	case envelope.KindBackground:
		return 0
	case envelope.KindContent:
		return 1
	default:
		return 2
	}
}

// Watch reports registrations and removals until ctx ends.
func (d *Directory) Watch(ctx context.Context) (<-chan Event, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	known := map[string]bool{}
	current, err := d.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range current {
		known[d.key(e.Identity)] = true
	}

	updates, err := d.store.Watch(ctx, d.prefix+".*")
	if err != nil {
		return nil, fmt.Errorf("watch presence: %w", err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for kv := range updates {
			ev, ok := d.toEvent(kv, known)
			if !ok {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (d *Directory) toEvent(kv *state.KeyValue, known map[string]bool) (Event, bool) {
	if kv.Operation == state.OpDelete {
		id, err := d.identityFromKey(kv.Key)
		if err != nil {
			return Event{}, false
		}
		delete(known, kv.Key)
		return Event{Type: EventRemoved, Entry: Entry{Identity: id}}, true
	}

	var e Entry
	if err := json.Unmarshal(kv.Value, &e); err != nil {
		return Event{}, false
	}
	typ := EventAdded
	if known[kv.Key] {
		typ = EventUpdated
	}
	known[kv.Key] = true
	return Event{Type: typ, Entry: e}, true
}

// Close stops the directory. Later calls return ErrClosed.
func (d *Directory) Close() error {
	d.closed.Store(true)
	return nil
}
