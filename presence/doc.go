// Package presence tracks which contexts are reachable.
//
// # Reachability
//
//   - background: reachable once started
//   - content(tab): reachable while its tab is loaded
//   - panel: reachable while open
//
// # Usage
//
//	dir := presence.New(state.NewMemoryStore())
//	dir.Register(ctx, presence.Entry{Identity: envelope.Panel(), Instance: sessionID})
//
//	if dir.Reachable(ctx, envelope.Content(42)) {
//	    // deliver directly
//	}
//
// Deregister takes the instance that registered. A panel that closed and
// opened again is not removed by the cleanup of its earlier session:
//
//	dir.Deregister(ctx, envelope.Panel(), oldSessionID) // no-op if re-registered
package presence
