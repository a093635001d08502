// Package ctxbus is a message bus connecting the isolated contexts of a
// browser extension: one background, one content context per tab and a
// transient side panel.
//
// Each process binds one identity, subscribes handlers by message type and
// sends envelopes that are routed by target and reachability:
//
//	p := ctxbus.NewProcess(ctxbus.Options{Bus: shared, Store: store})
//	b := p.Bus()
//	b.SetContext(ctx, envelope.Panel())
//	ctxbus.Handle(b, func(ctx context.Context, env *envelope.Envelope, m messages.ElementSelected) error {
//	    return nil
//	})
//	b.SendMessage(ctx, messages.TypeSelectElement, messages.SelectElement{Path: path}, ctxbus.ToTab(42))
package ctxbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/ctxbus/bus"
	"github.com/vinayprograms/ctxbus/dispatch"
	"github.com/vinayprograms/ctxbus/envelope"
	buserr "github.com/vinayprograms/ctxbus/errors"
	"github.com/vinayprograms/ctxbus/logging"
	"github.com/vinayprograms/ctxbus/presence"
	"github.com/vinayprograms/ctxbus/state"
	"github.com/vinayprograms/ctxbus/subscription"
	"github.com/vinayprograms/ctxbus/telemetry"
	"github.com/vinayprograms/ctxbus/transport"
)

// DefaultRequestTimeout bounds Request when the caller sets no timeout.
const DefaultRequestTimeout = 30 * time.Second

// Options configures a bus. Contexts that talk to each other must share
// the same Bus primitive and Store (or NATS servers behind them).
type Options struct {
	// Bus is the one-shot delivery primitive.
	// Default: a private in-memory bus, useful only for a lone context.
	Bus bus.MessageBus

	// Store holds presence entries.
	// Default: a private in-memory store.
	Store state.Store

	// Namespace prefixes transport subjects. Default: "ctxbus"
	Namespace string

	// RequestTimeout bounds Request. Default: 30s
	RequestTimeout time.Duration

	// Logger for bus events. Default: discard.
	Logger *logging.Logger

	// Tracer for send, dispatch and relay spans. Default: global tracer.
	Tracer *telemetry.Tracer

	// Events receives a flat record of sends and handler failures.
	// Default: none.
	Events telemetry.Exporter
}

// Process is the composition root of one context. It builds its Bus on
// first use and returns the same Bus afterwards.
type Process struct {
	opts Options
	once sync.Once
	bus  *Bus
}

// NewProcess creates a process. Nothing is started until Bus is called.
func NewProcess(opts Options) *Process {
	return &Process{opts: opts}
}

// Bus returns the process's bus, creating it on first call.
func (p *Process) Bus() *Bus {
	p.once.Do(func() { p.bus = New(p.opts) })
	return p.bus
}

// Bus is the per-process facade: identity, subscriptions, sending and
// request/response correlation.
type Bus struct {
	opts       Options
	adapter    *transport.Adapter
	dir        *presence.Directory
	registry   *subscription.Registry
	dispatcher *dispatch.Dispatcher
	logger     *logging.Logger
	tracer     *telemetry.Tracer

	mu        sync.Mutex
	identity  envelope.Identity
	bound     bool
	instance  string
	listeners []*transport.Listener
	pending   map[string]pendingRequest
	closed    bool

	seq    atomic.Uint64
	queue  *envelopeQueue
	base   context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an unbound bus. Most callers use Process.Bus instead.
func New(opts Options) *Bus {
	if opts.Bus == nil {
		opts.Bus = bus.NewMemoryBus(bus.DefaultConfig())
	}
	if opts.Store == nil {
		opts.Store = state.NewMemoryStore()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.GetTracer()
	}
	if opts.Events == nil {
		opts.Events = telemetry.NewNoopExporter()
	}

	adapter := transport.New(opts.Bus, transport.Config{
		Namespace: opts.Namespace,
		Logger:    opts.Logger,
	})
	dir := presence.New(opts.Store)
	reg := subscription.NewRegistry()

	base, cancel := context.WithCancel(context.Background())
	return &Bus{
		opts:     opts,
		adapter:  adapter,
		dir:      dir,
		registry: reg,
		dispatcher: dispatch.New(dir, adapter, reg, dispatch.Config{
			Logger: opts.Logger,
			Tracer: opts.Tracer,
		}),
		logger:  opts.Logger,
		tracer:  opts.Tracer,
		pending: make(map[string]pendingRequest),
		queue:   newEnvelopeQueue(),
		base:    base,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// SetContext binds the process to id, starts receiving envelopes for it
// and registers it as reachable. Binding the same identity again is a
// no-op; binding a different one fails with CONTEXT_BOUND.
func (b *Bus) SetContext(ctx context.Context, id envelope.Identity) error {
	if err := id.Validate(); err != nil {
		return buserr.WrapWithCode(err, buserr.ErrCodeInvalidEnvelope, "set context")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return buserr.Closed("bus")
	}
	if b.bound {
		if b.identity == id {
			return nil
		}
		return buserr.Newf(buserr.ErrCodeContextBound,
			"process already bound to %s, cannot bind %s", b.identity, id)
	}

	direct, err := b.adapter.Listen(id)
	if err != nil {
		return err
	}
	listeners := []*transport.Listener{direct}
	if id.Kind == envelope.KindBackground {
		relay, err := b.adapter.ListenRelay(id)
		if err != nil {
			direct.Close()
			return err
		}
		listeners = append(listeners, relay)
	}

	instance := uuid.NewString()
	if err := b.dir.Register(ctx, presence.Entry{Identity: id, Instance: instance}); err != nil {
		for _, l := range listeners {
			l.Close()
		}
		return buserr.Wrap(err, "register presence")
	}

	b.identity, b.bound, b.instance = id, true, instance
	b.listeners = listeners
	b.logger = b.logger.WithComponent(id.String())

	go b.read(direct)
	if len(listeners) > 1 {
		go b.relay(listeners[1])
	}
	go b.loop()

	b.logger.Info("context_bound", map[string]interface{}{"instance": instance})
	return nil
}

// Identity returns the bound identity.
func (b *Bus) Identity() (envelope.Identity, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identity, b.bound
}

// Instance returns the presence instance of this binding, empty if unbound.
func (b *Bus) Instance() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.instance
}

// Presence returns the reachability directory the bus routes with.
func (b *Bus) Presence() *presence.Directory { return b.dir }

// Logger returns the bus logger, tagged with the bound identity.
func (b *Bus) Logger() *logging.Logger {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logger
}

// Unsubscribe removes one subscription. Calling it again does nothing.
type Unsubscribe func()

// Subscribe registers h for envelopes of type t. Handlers run one at a
// time in registration order. An empty type or nil handler registers
// nothing.
func (b *Bus) Subscribe(t envelope.Type, h subscription.Handler) Unsubscribe {
	if t == "" || h == nil {
		return func() {}
	}
	// Held across Add so Close cannot clear the registry in between.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	return Unsubscribe(b.registry.Add(t, h))
}

// Subscribers returns the number of handlers registered for t.
func (b *Bus) Subscribers(t envelope.Type) int {
	return b.registry.Len(t)
}

// Close stops receiving, fails pending requests with CLOSED, removes this
// context from the presence directory and drops every subscription. The
// handler running at the time finishes on its own.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	listeners := b.listeners
	b.listeners = nil
	id, bound, instance := b.identity, b.bound, b.instance
	b.mu.Unlock()

	close(b.done)
	b.cancel()
	for _, l := range listeners {
		l.Close()
	}
	b.queue.close()
	b.registry.Clear()

	var err error
	if bound {
		if derr := b.dir.Deregister(ctx, id, instance); derr != nil {
			err = buserr.Wrap(derr, "deregister presence")
		}
		b.logger.Info("context_closed", nil)
	}
	return err
}

// Done is closed once Close has been called.
func (b *Bus) Done() <-chan struct{} { return b.done }
