package ctxbus

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/ctxbus/bus"
	"github.com/vinayprograms/ctxbus/envelope"
	buserr "github.com/vinayprograms/ctxbus/errors"
	"github.com/vinayprograms/ctxbus/messages"
	"github.com/vinayprograms/ctxbus/state"
)

// world is a set of contexts sharing one primitive and one store.
type world struct {
	bus   *bus.MemoryBus
	store *state.MemoryStore
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		bus:   bus.NewMemoryBus(bus.DefaultConfig()),
		store: state.NewMemoryStore(),
	}
	t.Cleanup(func() {
		w.bus.Close()
		w.store.Close()
	})
	return w
}

func (w *world) context(t *testing.T, id envelope.Identity) *Bus {
	t.Helper()
	b := NewProcess(Options{Bus: w.bus, Store: w.store, RequestTimeout: time.Second}).Bus()
	if err := b.SetContext(context.Background(), id); err != nil {
		t.Fatalf("SetContext(%s): %v", id, err)
	}
	t.Cleanup(func() { b.Close(context.Background()) })
	return b
}

// collect subscribes to t and forwards every envelope to a channel.
func collect(b *Bus, t envelope.Type) (<-chan *envelope.Envelope, Unsubscribe) {
	ch := make(chan *envelope.Envelope, 16)
	unsub := b.Subscribe(t, func(ctx context.Context, env *envelope.Envelope) error {
		ch <- env
		return nil
	})
	return ch, unsub
}

func expect(t *testing.T, ch <-chan *envelope.Envelope) *envelope.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for envelope")
	}
	return nil
}

func expectNone(t *testing.T, ch <-chan *envelope.Envelope) {
	t.Helper()
	select {
	case env := <-ch:
		t.Fatalf("unexpected envelope %s", env)
	case <-time.After(50 * time.Millisecond):
	}
}

// --- Unit Tests ---

func TestProcess_BusIsSingle(t *testing.T) {
	p := NewProcess(Options{})
	a, b := p.Bus(), p.Bus()
	if a != b {
		t.Error("Bus() should return the same instance")
	}
	defer a.Close(context.Background())
}

func TestSendMessage_NoContext(t *testing.T) {
	b := New(Options{})
	defer b.Close(context.Background())

	_, err := b.SendMessage(context.Background(), messages.TypePing, messages.Ping{N: 1})
	if !buserr.Is(err, buserr.ErrCodeNoContext) {
		t.Errorf("expected NO_CONTEXT, got %v", err)
	}
}

func TestSetContext_Rebinding(t *testing.T) {
	w := newWorld(t)
	b := w.context(t, envelope.Panel())

	if err := b.SetContext(context.Background(), envelope.Panel()); err != nil {
		t.Errorf("same identity should be a no-op, got %v", err)
	}
	err := b.SetContext(context.Background(), envelope.Background())
	if !buserr.Is(err, buserr.ErrCodeContextBound) {
		t.Errorf("expected CONTEXT_BOUND, got %v", err)
	}
	if id, _ := b.Identity(); id != envelope.Panel() {
		t.Errorf("identity changed to %s", id)
	}
}

func TestSetContext_Invalid(t *testing.T) {
	b := New(Options{})
	defer b.Close(context.Background())

	err := b.SetContext(context.Background(), envelope.Content(0))
	if !errors.Is(err, envelope.ErrInvalidIdentity) {
		t.Errorf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestSubscribe_NeverPanics(t *testing.T) {
	b := New(Options{})
	defer b.Close(context.Background())

	b.Subscribe("", func(context.Context, *envelope.Envelope) error { return nil })()
	b.Subscribe("PING", nil)()
	if b.Subscribers("PING") != 0 || b.Subscribers("") != 0 {
		t.Error("invalid subscriptions should register nothing")
	}
}

func TestSendMessage_Unserializable(t *testing.T) {
	w := newWorld(t)
	panel := w.context(t, envelope.Panel())
	bg := w.context(t, envelope.Background())
	got, _ := collect(bg, "WEIRD")

	_, err := panel.SendMessage(context.Background(), "WEIRD", map[string]any{"f": func() {}})
	if !buserr.IsSerialization(err) {
		t.Fatalf("expected SERIALIZATION, got %v", err)
	}
	expectNone(t, got)
}

func TestHandle_InterfacePayloadRegistersNothing(t *testing.T) {
	b := New(Options{})
	defer b.Close(context.Background())

	unsub := Handle(b, func(context.Context, *envelope.Envelope, messages.Payload) error { return nil })
	unsub()
	for _, typ := range messages.Types() {
		if b.Subscribers(typ) != 0 {
			t.Errorf("Subscribers(%s) = %d, want 0", typ, b.Subscribers(typ))
		}
	}
}

func TestSubscribe_RacingClose(t *testing.T) {
	for i := 0; i < 50; i++ {
		b := New(Options{})
		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.Subscribe(messages.TypePing, func(context.Context, *envelope.Envelope) error { return nil })
			}()
		}
		b.Close(context.Background())
		wg.Wait()
		if n := b.Subscribers(messages.TypePing); n != 0 {
			t.Fatalf("run %d: %d subscriptions survived Close", i, n)
		}
	}
}

// --- Integration Tests ---

func TestBroadcast_ExactlyOncePerHandler(t *testing.T) {
	w := newWorld(t)
	panel := w.context(t, envelope.Panel())
	bg := w.context(t, envelope.Background())
	tab := w.context(t, envelope.Content(3))

	bgPings, unsubBG := collect(bg, messages.TypePing)
	tabPings, _ := collect(tab, messages.TypePing)
	selfPings, _ := collect(panel, messages.TypePing)

	rec, err := Send(context.Background(), panel, messages.Ping{N: 1})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rec.Delivered != 2 {
		t.Errorf("Delivered = %d, want 2", rec.Delivered)
	}

	if env := expect(t, bgPings); env.Source() != envelope.Panel() {
		t.Errorf("source = %s", env.Source())
	}
	expect(t, tabPings)
	expectNone(t, bgPings)
	expectNone(t, selfPings)

	unsubBG()
	unsubBG()
	Send(context.Background(), panel, messages.Ping{N: 2})
	expect(t, tabPings)
	expectNone(t, bgPings)
}

func TestPayloadRoundTrip(t *testing.T) {
	w := newWorld(t)
	panel := w.context(t, envelope.Panel())
	bg := w.context(t, envelope.Background())
	got, _ := collect(bg, messages.TypeDebug)

	payload := map[string]any{
		"message": "hello",
		"nested":  map[string]any{"list": []any{1.0, "two", true, nil}},
	}
	if _, err := panel.SendMessage(context.Background(), messages.TypeDebug, payload); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	var decoded map[string]any
	if err := expect(t, got).Decode(&decoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, payload) {
		t.Errorf("payload = %#v, want %#v", decoded, payload)
	}
}

func TestTargetUnavailableVersusBroadcast(t *testing.T) {
	w := newWorld(t)
	panel := w.context(t, envelope.Panel())
	w.context(t, envelope.Background())

	_, err := panel.SendMessage(context.Background(), messages.TypeSelectElement,
		messages.SelectElement{Path: []int{0}}, ToTab(99))
	if !buserr.IsTargetUnavailable(err) {
		t.Fatalf("expected TARGET_UNAVAILABLE, got %v", err)
	}

	rec, err := panel.SendMessage(context.Background(), messages.TypeSelectElement,
		messages.SelectElement{Path: []int{0}})
	if err != nil {
		t.Fatalf("broadcast should succeed: %v", err)
	}
	if rec.Delivered != 1 {
		t.Errorf("Delivered = %d, want 1 (background only)", rec.Delivered)
	}
}

func TestBroadcastWithNobodyReachable(t *testing.T) {
	w := newWorld(t)
	panel := w.context(t, envelope.Panel())

	_, err := panel.SendMessage(context.Background(), messages.TypeSelectElement,
		messages.SelectElement{Path: []int{0}}, ToTab(99))
	if !buserr.IsTargetUnavailable(err) {
		t.Fatalf("expected TARGET_UNAVAILABLE, got %v", err)
	}

	rec, err := panel.SendMessage(context.Background(), messages.TypeSelectElement,
		messages.SelectElement{Path: []int{0}})
	if err != nil {
		t.Fatalf("broadcast should succeed: %v", err)
	}
	if rec.Delivered != 0 {
		t.Errorf("Delivered = %d, want 0", rec.Delivered)
	}
}

func TestFailingHandlerDoesNotBlockOthers(t *testing.T) {
	w := newWorld(t)
	panel := w.context(t, envelope.Panel())
	bg := w.context(t, envelope.Background())

	bg.Subscribe(messages.TypePing, func(context.Context, *envelope.Envelope) error {
		return errors.New("boom")
	})
	bg.Subscribe(messages.TypePing, func(context.Context, *envelope.Envelope) error {
		panic("worse")
	})
	later, _ := collect(bg, messages.TypePing)

	Send(context.Background(), panel, messages.Ping{N: 1})
	expect(t, later)
	if bg.Subscribers(messages.TypePing) != 3 {
		t.Errorf("Subscribers = %d", bg.Subscribers(messages.TypePing))
	}
}

func TestPanelToContentThroughRelay(t *testing.T) {
	w := newWorld(t)
	panel := w.context(t, envelope.Panel())
	w.context(t, envelope.Background())
	tab := w.context(t, envelope.Content(42))

	got, _ := collect(tab, messages.TypeSelectElement)

	rec, err := Send(context.Background(), panel, messages.SelectElement{Path: []int{1, 2}}, ToTab(42))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if rec.Delivered != 1 {
		t.Errorf("Delivered = %d", rec.Delivered)
	}

	env := expect(t, got)
	if env.Source() != envelope.Panel() {
		t.Errorf("relayed envelope should keep its source, got %s", env.Source())
	}
	var p messages.SelectElement
	env.Decode(&p)
	if !reflect.DeepEqual(p.Path, []int{1, 2}) {
		t.Errorf("path = %v", p.Path)
	}
}

func TestTargetSelfLoopsBack(t *testing.T) {
	w := newWorld(t)
	panel := w.context(t, envelope.Panel())
	got, _ := collect(panel, messages.TypePing)

	if _, err := Send(context.Background(), panel, messages.Ping{N: 1}, To(envelope.Panel())); err != nil {
		t.Fatalf("Send: %v", err)
	}
	expect(t, got)
}

func TestHandleTyped(t *testing.T) {
	w := newWorld(t)
	panel := w.context(t, envelope.Panel())
	bg := w.context(t, envelope.Background())

	got := make(chan messages.Debug, 1)
	Handle(bg, func(ctx context.Context, env *envelope.Envelope, m messages.Debug) error {
		got <- m
		return nil
	})

	Send(context.Background(), panel, messages.Debug{Message: "hi", Fields: map[string]string{"k": "v"}})

	select {
	case m := <-got:
		if m.Message != "hi" || m.Fields["k"] != "v" {
			t.Errorf("got %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for typed handler")
	}
}

func TestHandleTyped_PointerPayload(t *testing.T) {
	w := newWorld(t)
	panel := w.context(t, envelope.Panel())
	bg := w.context(t, envelope.Background())

	got := make(chan *messages.Ping, 1)
	Handle(bg, func(ctx context.Context, env *envelope.Envelope, m *messages.Ping) error {
		got <- m
		return nil
	})
	if bg.Subscribers(messages.TypePing) != 1 {
		t.Fatalf("Subscribers = %d, want 1", bg.Subscribers(messages.TypePing))
	}

	Send(context.Background(), panel, &messages.Ping{N: 7})

	select {
	case m := <-got:
		if m == nil || m.N != 7 {
			t.Errorf("got %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for pointer handler")
	}
}

func TestRequestReply(t *testing.T) {
	w := newWorld(t)
	panel := w.context(t, envelope.Panel())
	bg := w.context(t, envelope.Background())

	Handle(bg, func(ctx context.Context, req *envelope.Envelope, m messages.CaptureTab) error {
		_, err := bg.Reply(ctx, req, messages.TypeCaptureTabResult, messages.CaptureTabResult{
			Success: true, URL: req.CorrelationID(),
		})
		return err
	})
	plain, _ := collect(panel, messages.TypeCaptureTabResult)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, env, err := RequestAs[messages.CaptureTabResult](context.Background(), panel,
				messages.CaptureTab{Timestamp: time.Now()}, To(envelope.Background()))
			if err != nil {
				t.Errorf("Request: %v", err)
				return
			}
			if res.URL != env.CorrelationID() {
				t.Errorf("reply %q matched to request %q", res.URL, env.CorrelationID())
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		expect(t, plain)
	}
}

func TestRequestTimeout(t *testing.T) {
	w := newWorld(t)
	panel := w.context(t, envelope.Panel())
	w.context(t, envelope.Background())

	_, err := panel.Request(context.Background(), messages.TypeCaptureTab, messages.CaptureTab{},
		To(envelope.Background()), Timeout(30*time.Millisecond))
	if !buserr.Is(err, buserr.ErrCodeTimeout) {
		t.Errorf("expected TIMEOUT, got %v", err)
	}
}

func TestRequestFailsOnClose(t *testing.T) {
	w := newWorld(t)
	panel := w.context(t, envelope.Panel())
	w.context(t, envelope.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := panel.Request(context.Background(), messages.TypeCaptureTab, messages.CaptureTab{},
			To(envelope.Background()))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	panel.Close(context.Background())

	select {
	case err := <-errCh:
		if !buserr.Is(err, buserr.ErrCodeClosed) {
			t.Errorf("expected CLOSED, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending request not failed on close")
	}
}

func TestRequestFromHandlerDoesNotDeadlock(t *testing.T) {
	w := newWorld(t)
	panel := w.context(t, envelope.Panel())
	bg := w.context(t, envelope.Background())

	bg.Subscribe(messages.TypePing, func(ctx context.Context, req *envelope.Envelope) error {
		_, err := bg.Reply(ctx, req, messages.TypePing, messages.Ping{N: 2})
		return err
	})

	var done atomic.Bool
	panel.Subscribe(messages.TypeDebug, func(ctx context.Context, env *envelope.Envelope) error {
		_, err := panel.Request(ctx, messages.TypePing, messages.Ping{N: 1}, To(envelope.Background()))
		if err == nil {
			done.Store(true)
		}
		return err
	})
	got, _ := collect(panel, messages.TypeDebug)

	Send(context.Background(), bg, messages.Debug{Message: "go"}, To(envelope.Panel()))
	expect(t, got)

	deadline := time.After(time.Second)
	for !done.Load() {
		select {
		case <-deadline:
			t.Fatal("request inside a handler never completed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestClose_DeregistersAndStops(t *testing.T) {
	w := newWorld(t)
	panel := w.context(t, envelope.Panel())
	bg := w.context(t, envelope.Background())

	if !bg.Presence().Reachable(context.Background(), envelope.Panel()) {
		t.Fatal("panel should be reachable after SetContext")
	}
	if err := panel.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	panel.Close(context.Background())

	if bg.Presence().Reachable(context.Background(), envelope.Panel()) {
		t.Error("panel should be unreachable after Close")
	}
	if _, err := Send(context.Background(), panel, messages.Ping{}); !buserr.Is(err, buserr.ErrCodeClosed) {
		t.Errorf("send after close = %v", err)
	}
	if _, err := Send(context.Background(), bg, messages.Ping{}, To(envelope.Panel())); !buserr.IsTargetUnavailable(err) {
		t.Errorf("send to closed panel = %v", err)
	}
}
