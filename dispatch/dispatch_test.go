package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/vinayprograms/ctxbus/envelope"
	buserr "github.com/vinayprograms/ctxbus/errors"
	"github.com/vinayprograms/ctxbus/presence"
	"github.com/vinayprograms/ctxbus/state"
	"github.com/vinayprograms/ctxbus/subscription"
	"github.com/vinayprograms/ctxbus/transport"
)

type call struct {
	via *envelope.Identity
	to  envelope.Identity
}

// fakeTransport records deliveries instead of publishing them.
type fakeTransport struct {
	mu    sync.Mutex
	calls []call
	fail  map[envelope.Identity]error
}

func (f *fakeTransport) Deliver(ctx context.Context, to envelope.Identity, env *envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[to]; err != nil {
		return err
	}
	f.calls = append(f.calls, call{to: to})
	return nil
}

func (f *fakeTransport) DeliverVia(ctx context.Context, via, to envelope.Identity, env *envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := via
	f.calls = append(f.calls, call{via: &v, to: to})
	return nil
}

func setup(t *testing.T, registered ...envelope.Identity) (*Dispatcher, *fakeTransport, *subscription.Registry) {
	t.Helper()
	store := state.NewMemoryStore()
	dir := presence.New(store)
	t.Cleanup(func() { store.Close() })
	for _, id := range registered {
		if err := dir.Register(context.Background(), presence.Entry{Identity: id}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	tr := &fakeTransport{fail: map[envelope.Identity]error{}}
	reg := subscription.NewRegistry()
	return New(dir, tr, reg, Config{}), tr, reg
}

func mustEnvelope(t *testing.T, typ envelope.Type, src envelope.Identity, target *envelope.Identity) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.Spec{Type: typ, Payload: map[string]int{"n": 1}, Source: src, Target: target})
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	return env
}

func ptr(id envelope.Identity) *envelope.Identity { return &id }

// --- Unit Tests ---

func TestDirect(t *testing.T) {
	bg, panel := envelope.Background(), envelope.Panel()
	c1, c2 := envelope.Content(1), envelope.Content(2)

	tests := []struct {
		from, to envelope.Identity
		want     bool
	}{
		{bg, c1, true},
		{bg, panel, true},
		{c1, bg, true},
		{c1, panel, true},
		{c1, c2, false},
		{c1, c1, true},
		{panel, bg, true},
		{panel, c1, false},
		{panel, panel, true},
	}
	for _, tt := range tests {
		if got := Direct(tt.from, tt.to); got != tt.want {
			t.Errorf("Direct(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRoute_BroadcastExcludesSender(t *testing.T) {
	d, tr, _ := setup(t, envelope.Background(), envelope.Panel(), envelope.Content(3))

	env := mustEnvelope(t, "PING", envelope.Panel(), nil)
	rep, err := d.Route(context.Background(), env)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if rep.Delivered != 1 || rep.Relayed != 1 || rep.Skipped != 0 {
		t.Errorf("report = %+v", rep)
	}
	if rep.Reached() != 2 {
		t.Errorf("Reached() = %d", rep.Reached())
	}
	for _, c := range tr.calls {
		if c.to == envelope.Panel() {
			t.Error("broadcast looped back to the sender")
		}
	}
}

func TestRoute_BroadcastNoListeners(t *testing.T) {
	d, _, _ := setup(t, envelope.Panel())

	rep, err := d.Route(context.Background(), mustEnvelope(t, "PING", envelope.Panel(), nil))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if rep.Reached() != 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestRoute_BroadcastSkipsFailures(t *testing.T) {
	d, tr, _ := setup(t, envelope.Background(), envelope.Content(1), envelope.Content(2))
	tr.fail[envelope.Content(1)] = buserr.TargetUnavailable("PING", "content(1)")

	rep, err := d.Route(context.Background(), mustEnvelope(t, "PING", envelope.Background(), nil))
	if err != nil {
		t.Fatalf("partial broadcast should succeed: %v", err)
	}
	if rep.Delivered != 1 || rep.Skipped != 1 {
		t.Errorf("report = %+v", rep)
	}
}

func TestRoute_TargetUnavailable(t *testing.T) {
	d, tr, _ := setup(t, envelope.Background(), envelope.Panel())

	env := mustEnvelope(t, "SELECT_ELEMENT", envelope.Panel(), ptr(envelope.Content(7)))
	_, err := d.Route(context.Background(), env)
	if !buserr.IsTargetUnavailable(err) {
		t.Fatalf("expected TARGET_UNAVAILABLE, got %v", err)
	}
	if len(tr.calls) != 0 {
		t.Errorf("nothing should be delivered, got %v", tr.calls)
	}
}

func TestRoute_PanelToContentViaBackground(t *testing.T) {
	d, tr, _ := setup(t, envelope.Background(), envelope.Panel(), envelope.Content(4))

	env := mustEnvelope(t, "SELECT_ELEMENT", envelope.Panel(), ptr(envelope.Content(4)))
	rep, err := d.Route(context.Background(), env)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if rep.Relayed != 1 || len(tr.calls) != 1 {
		t.Fatalf("report = %+v calls = %v", rep, tr.calls)
	}
	c := tr.calls[0]
	if c.via == nil || *c.via != envelope.Background() || c.to != envelope.Content(4) {
		t.Errorf("call = %+v", c)
	}
}

func TestRoute_RelayWithoutBackground(t *testing.T) {
	d, _, _ := setup(t, envelope.Panel(), envelope.Content(4))

	env := mustEnvelope(t, "SELECT_ELEMENT", envelope.Panel(), ptr(envelope.Content(4)))
	if _, err := d.Route(context.Background(), env); !buserr.IsTargetUnavailable(err) {
		t.Errorf("expected TARGET_UNAVAILABLE, got %v", err)
	}
}

func TestRoute_SelfTarget(t *testing.T) {
	d, tr, _ := setup(t)

	env := mustEnvelope(t, "PING", envelope.Panel(), ptr(envelope.Panel()))
	rep, err := d.Route(context.Background(), env)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if rep.Delivered != 1 || tr.calls[0].to != envelope.Panel() {
		t.Errorf("self target should loop back: %+v", rep)
	}
}

func TestDispatch_OrderAndFailures(t *testing.T) {
	d, _, reg := setup(t)

	var order []int
	reg.Add("PING", func(ctx context.Context, env *envelope.Envelope) error {
		order = append(order, 1)
		return errors.New("first fails")
	})
	reg.Add("PING", func(ctx context.Context, env *envelope.Envelope) error {
		order = append(order, 2)
		panic("second panics")
	})
	reg.Add("PING", func(ctx context.Context, env *envelope.Envelope) error {
		order = append(order, 3)
		return nil
	})

	res := d.Dispatch(context.Background(), mustEnvelope(t, "PING", envelope.Panel(), nil))
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order = %v", order)
	}
	if res.Handlers != 3 || len(res.Failed) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if !buserr.IsHandlerFailed(res.Failed[1].Err) || res.Failed[1].Index != 1 {
		t.Errorf("failure = %+v", res.Failed[1])
	}
	if reg.Len("PING") != 3 {
		t.Error("registry should remain queryable after failures")
	}
}

func TestDispatch_CancelledDuringDispatch(t *testing.T) {
	d, _, reg := setup(t)

	secondCalled := false
	var cancelSecond func()
	reg.Add("PING", func(ctx context.Context, env *envelope.Envelope) error {
		cancelSecond()
		return nil
	})
	cancelSecond = reg.Add("PING", func(ctx context.Context, env *envelope.Envelope) error {
		secondCalled = true
		return nil
	})

	res := d.Dispatch(context.Background(), mustEnvelope(t, "PING", envelope.Panel(), nil))
	if secondCalled {
		t.Error("handler cancelled mid-dispatch must not run")
	}
	if res.Handlers != 1 {
		t.Errorf("Handlers = %d", res.Handlers)
	}
}

func TestRelay(t *testing.T) {
	d, tr, _ := setup(t, envelope.Background(), envelope.Content(4))
	env := mustEnvelope(t, "SELECT_ELEMENT", envelope.Panel(), ptr(envelope.Content(4)))

	if err := d.Relay(context.Background(), transport.Inbound{Envelope: env, RelayTo: ptr(envelope.Content(4))}); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if len(tr.calls) != 1 || tr.calls[0].via != nil || tr.calls[0].to != envelope.Content(4) {
		t.Errorf("calls = %+v", tr.calls)
	}

	err := d.Relay(context.Background(), transport.Inbound{Envelope: env, RelayTo: ptr(envelope.Content(9))})
	if !buserr.IsTargetUnavailable(err) {
		t.Errorf("relay to unknown tab = %v", err)
	}
	if err := d.Relay(context.Background(), transport.Inbound{Envelope: env}); !buserr.Is(err, buserr.ErrCodeInvalidEnvelope) {
		t.Errorf("relay without destination = %v", err)
	}
}
