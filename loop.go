package ctxbus

import (
	"sync"

	"github.com/vinayprograms/ctxbus/envelope"
	"github.com/vinayprograms/ctxbus/telemetry"
	"github.com/vinayprograms/ctxbus/transport"
)

// envelopeQueue is an unbounded FIFO between the reader and the dispatch
// loop. The reader never blocks on it, so replies keep resolving while a
// handler waits on a Request.
type envelopeQueue struct {
	mu     sync.Mutex
	items  []*envelope.Envelope
	closed bool
	signal chan struct{}
}

func newEnvelopeQueue() *envelopeQueue {
	return &envelopeQueue{signal: make(chan struct{}, 1)}
}

func (q *envelopeQueue) push(env *envelope.Envelope) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, env)
	q.mu.Unlock()
	q.wake()
}

// pop blocks until an envelope is queued or the queue closes.
func (q *envelopeQueue) pop() (*envelope.Envelope, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.items) > 0 {
			env := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return env, true
		}
		q.mu.Unlock()
		<-q.signal
	}
}

func (q *envelopeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
	q.wake()
}

func (q *envelopeQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// read resolves correlated replies and queues every envelope for dispatch.
func (b *Bus) read(l *transport.Listener) {
	for in := range l.C() {
		b.resolve(in.Envelope)
		b.queue.push(in.Envelope)
	}
}

// relay forwards envelopes sent to the background on behalf of contexts
// that cannot reach each other directly.
func (b *Bus) relay(l *transport.Listener) {
	for in := range l.C() {
		b.dispatcher.Relay(b.base, in)
	}
}

// loop dispatches one envelope at a time; each runs to completion before
// the next starts.
func (b *Bus) loop() {
	for {
		env, ok := b.queue.pop()
		if !ok {
			return
		}
		res := b.dispatcher.Dispatch(b.base, env)
		for _, f := range res.Failed {
			b.opts.Events.Record(telemetry.EnvelopeEvent(telemetry.EventHandlerFailed, env, map[string]interface{}{
				"handler": f.Index,
				"error":   f.Err.Error(),
			}))
		}
	}
}
