package transport

import (
	"context"
	"testing"
	"time"

	"github.com/vinayprograms/ctxbus/bus"
	"github.com/vinayprograms/ctxbus/envelope"
	buserr "github.com/vinayprograms/ctxbus/errors"
)

func newTestAdapter(t *testing.T) (*Adapter, *bus.MemoryBus) {
	t.Helper()
	b := bus.NewMemoryBus(bus.DefaultConfig())
	t.Cleanup(func() { b.Close() })
	return New(b, DefaultConfig()), b
}

func mustEnvelope(t *testing.T, typ envelope.Type, payload any, from envelope.Identity) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.Spec{Type: typ, Payload: payload, Source: from})
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	return env
}

func next(t *testing.T, l *Listener) Inbound {
	t.Helper()
	select {
	case in, ok := <-l.C():
		if !ok {
			t.Fatal("listener closed")
		}
		return in
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for envelope")
	}
	return Inbound{}
}

// --- Unit Tests ---

func TestAdapter_Subjects(t *testing.T) {
	a, _ := newTestAdapter(t)

	if got := a.Subject(envelope.Content(42)); got != "ctxbus.content.42" {
		t.Errorf("Subject = %q", got)
	}
	if got := a.RelaySubject(envelope.Background()); got != "ctxbus.background.relay" {
		t.Errorf("RelaySubject = %q", got)
	}

	custom := New(bus.NewMemoryBus(bus.DefaultConfig()), Config{Namespace: "ext1"})
	if got := custom.Subject(envelope.Panel()); got != "ext1.panel" {
		t.Errorf("custom Subject = %q", got)
	}
}

func TestDecodeFrame_Invalid(t *testing.T) {
	tests := []string{
		`not json`,
		`{"v":2,"envelope":{"id":"x","type":"PING","source":"panel"}}`,
		`{"v":1}`,
		`{"v":1,"envelope":{"id":"x","type":"","source":"panel"}}`,
	}
	for _, in := range tests {
		if _, err := DecodeFrame([]byte(in)); !buserr.Is(err, buserr.ErrCodeInvalidEnvelope) {
			t.Errorf("DecodeFrame(%s) = %v", in, err)
		}
	}
}

// --- Integration Tests ---

func TestAdapter_DeliverAndListen(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	l, err := a.Listen(envelope.Panel())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	env := mustEnvelope(t, "PING", map[string]int{"n": 1}, envelope.Background())
	if err := a.Deliver(ctx, envelope.Panel(), env); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	in := next(t, l)
	if in.Envelope.ID() != env.ID() {
		t.Errorf("ID = %q, want %q", in.Envelope.ID(), env.ID())
	}
	if string(in.Envelope.Payload()) != `{"n":1}` {
		t.Errorf("payload = %s", in.Envelope.Payload())
	}
	if in.RelayTo != nil {
		t.Error("direct delivery should carry no relay destination")
	}
}

func TestAdapter_DeliverVia(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	relay, err := a.ListenRelay(envelope.Background())
	if err != nil {
		t.Fatalf("ListenRelay: %v", err)
	}
	defer relay.Close()

	env := mustEnvelope(t, "SELECT_ELEMENT", map[string][]int{"path": {1, 2}}, envelope.Panel())
	if err := a.DeliverVia(ctx, envelope.Background(), envelope.Content(9), env); err != nil {
		t.Fatalf("DeliverVia: %v", err)
	}

	in := next(t, relay)
	if in.RelayTo == nil || *in.RelayTo != envelope.Content(9) {
		t.Errorf("RelayTo = %v", in.RelayTo)
	}
	if in.Envelope.Source() != envelope.Panel() {
		t.Errorf("source = %v", in.Envelope.Source())
	}
}

func TestAdapter_DropsMalformed(t *testing.T) {
	a, b := newTestAdapter(t)
	ctx := context.Background()

	l, _ := a.Listen(envelope.Background())
	defer l.Close()
	relay, _ := a.ListenRelay(envelope.Background())
	defer relay.Close()

	b.Publish(a.Subject(envelope.Background()), []byte("garbage"))
	// A direct frame on the relay subject has no destination.
	env := mustEnvelope(t, "PING", nil, envelope.Panel())
	a.Deliver(ctx, envelope.Background(), env)
	b.Publish(a.RelaySubject(envelope.Background()), []byte(`{"v":1,"envelope":`+string(mustJSON(t, env))+`}`))

	if in := next(t, l); in.Envelope.ID() != env.ID() {
		t.Errorf("valid frame after garbage not delivered")
	}

	deadline := time.After(time.Second)
	for a.Dropped() < 2 {
		select {
		case <-deadline:
			t.Fatalf("Dropped = %d, want 2", a.Dropped())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAdapter_Closed(t *testing.T) {
	a, b := newTestAdapter(t)
	b.Close()

	env := mustEnvelope(t, "PING", nil, envelope.Panel())
	if err := a.Deliver(context.Background(), envelope.Background(), env); !buserr.Is(err, buserr.ErrCodeClosed) {
		t.Errorf("Deliver on closed bus = %v", err)
	}
	if _, err := a.Listen(envelope.Panel()); !buserr.Is(err, buserr.ErrCodeClosed) {
		t.Errorf("Listen on closed bus = %v", err)
	}
}

func TestAdapter_DeliverCanceled(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	env := mustEnvelope(t, "PING", nil, envelope.Panel())
	if err := a.Deliver(ctx, envelope.Background(), env); !buserr.Is(err, buserr.ErrCodeCanceled) {
		t.Errorf("Deliver canceled = %v", err)
	}
}

func TestListener_Close(t *testing.T) {
	a, b := newTestAdapter(t)

	l, _ := a.Listen(envelope.Panel())
	if err := l.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	l.Close()

	select {
	case _, ok := <-l.C():
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("listener channel not closed")
	}
	if b.Subscribers(a.Subject(envelope.Panel())) != 0 {
		t.Error("subscription should be removed")
	}
}

func mustJSON(t *testing.T, env *envelope.Envelope) []byte {
	t.Helper()
	data, err := env.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	return data
}
