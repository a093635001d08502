// Package bus provides the one-shot delivery primitive between contexts.
//
// # Overview
//
// A MessageBus carries opaque frames from a publisher to every current
// subscriber of a subject. Delivery is fire-and-forget: Publish returns once
// the primitive has accepted the frame. Frames from one publisher to one
// subject arrive in publish order; nothing is promised across publishers.
//
// # Available Implementations
//
//   - MemoryBus: every context in one process (tests, the example)
//   - NATSBus: one process per context, NATS as the router
//
// # Pattern
//
//	sub, _ := b.Subscribe("ctxbus.background")
//	go func() {
//	    for msg := range sub.Messages() {
//	        // decode frame
//	    }
//	}()
//	b.Publish("ctxbus.background", frame)
//
// Subscription queues grow instead of dropping, so a slow consumer delays
// but never loses frames while it stays subscribed.
package bus
