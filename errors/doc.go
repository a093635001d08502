// Package errors provides the structured error taxonomy of the bus.
//
// # Error Categories
//
//   - Transient: the same call may succeed later (an unreachable tab, a timed out request)
//   - Permanent: retrying the same input fails again (unserializable payload, unbound context)
//   - Internal: a subscriber failed or the bus hit a bug
//
// # Error Codes
//
//   - SERIALIZATION: payload cannot be made transport-safe; raised before any delivery
//   - TARGET_UNAVAILABLE: an explicitly targeted context is not reachable
//   - HANDLER_FAILED: a subscriber returned an error or panicked; logged, never propagated
//   - TIMEOUT, CANCELED, CLOSED, NO_CONTEXT, CONTEXT_BOUND, INVALID_ENVELOPE, UNKNOWN_TYPE, INTERNAL
//
// The bus never retries. Callers decide:
//
//	if _, err := b.SendMessage(ctx, messages.TypeSelectElement, p, ctxbus.ToTab(id)); errors.IsTargetUnavailable(err) {
//	    // re-query the active tab and try again
//	}
//
// # JSON Serialization
//
// Errors marshal to JSON so a failure can travel inside a result payload.
package errors
