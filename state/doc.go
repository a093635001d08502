// Package state provides the key-value store shared by the contexts of an
// extension.
//
// Presence entries (which contexts are reachable) and user settings live
// here. Watchers see puts and deletes as they happen.
//
// # Backends
//
//   - MemoryStore: all contexts in one process
//   - NATSStore: JetStream KV bucket, for contexts in separate processes
//
// # Usage
//
//	store := state.NewMemoryStore()
//
//	rev, _ := store.Put(ctx, "presence.panel", data)
//	ch, _ := store.Watch(ctx, "presence.*")
//	for kv := range ch {
//	    fmt.Printf("%s %s\n", kv.Operation, kv.Key)
//	}
//
//	// Remove only the entry we wrote, not a newer one
//	err := store.DeleteIf(ctx, "presence.panel", rev)
package state
