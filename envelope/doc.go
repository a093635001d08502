// Package envelope defines context identities and the immutable envelope
// exchanged between them.
//
// An Identity names one context: the background, the content context of a
// tab, or the panel. An Envelope carries a typed, JSON-serialized payload
// from a source identity to either one target identity or, with no target,
// every reachable context.
//
//	env, err := envelope.New(envelope.Spec{
//	    Type:    "PING",
//	    Payload: map[string]int{"n": 1},
//	    Source:  envelope.Panel(),
//	})
//
// Payloads are serialized at construction, so a payload holding functions,
// channels or cycles is rejected before anything is sent.
package envelope
