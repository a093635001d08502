// Package dispatch routes envelopes between contexts and invokes local
// handlers for envelopes that arrive.
package dispatch

import (
	"context"
	"fmt"

	"github.com/vinayprograms/ctxbus/envelope"
	buserr "github.com/vinayprograms/ctxbus/errors"
	"github.com/vinayprograms/ctxbus/logging"
	"github.com/vinayprograms/ctxbus/presence"
	"github.com/vinayprograms/ctxbus/subscription"
	"github.com/vinayprograms/ctxbus/telemetry"
	"github.com/vinayprograms/ctxbus/transport"
)

// Directory answers reachability questions.
type Directory interface {
	List(ctx context.Context) ([]presence.Entry, error)
	Reachable(ctx context.Context, id envelope.Identity) bool
}

// Transport hands envelopes to the delivery primitive.
type Transport interface {
	Deliver(ctx context.Context, to envelope.Identity, env *envelope.Envelope) error
	DeliverVia(ctx context.Context, via, to envelope.Identity, env *envelope.Envelope) error
}

// Report describes where an outbound envelope went.
type Report struct {
	// Delivered counts destinations handed the envelope directly.
	Delivered int

	// Relayed counts destinations reached through the background.
	Relayed int

	// Skipped counts broadcast destinations that were unreachable.
	Skipped int

	// Destinations lists every reached context.
	Destinations []envelope.Identity
}

// Reached returns the number of destinations that accepted the envelope.
func (r Report) Reached() int { return r.Delivered + r.Relayed }

// HandlerError is one failed handler invocation.
type HandlerError struct {
	Index int
	Err   error
}

// Result describes one inbound dispatch.
type Result struct {
	// Handlers is the number of handlers invoked.
	Handlers int

	// Failed lists handler failures in invocation order.
	Failed []HandlerError
}

// Config holds dispatcher configuration.
type Config struct {
	Logger *logging.Logger
	Tracer *telemetry.Tracer
}

// Dispatcher routes outbound envelopes and dispatches inbound ones.
type Dispatcher struct {
	dir      Directory
	tr       Transport
	registry *subscription.Registry
	logger   *logging.Logger
	tracer   *telemetry.Tracer
}

// New creates a dispatcher.
func New(dir Directory, tr Transport, reg *subscription.Registry, cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}
	return &Dispatcher{
		dir:      dir,
		tr:       tr,
		registry: reg,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
	}
}

// Direct reports whether from can hand an envelope to "to" without the
// background relaying it. The background reaches everything, content
// reaches the background and the panel, the panel reaches the background.
// A context always reaches itself.
func Direct(from, to envelope.Identity) bool {
	if from == to {
		return true
	}
	switch from.Kind {
	case envelope.KindBackground:
		return true
	case envelope.KindContent:
		return to.Kind == envelope.KindBackground || to.Kind == envelope.KindPanel
	case envelope.KindPanel:
		return to.Kind == envelope.KindBackground
	}
	return false
}

// Route hands env to its destinations.
//
// A targeted envelope goes to exactly that context and fails with
// TARGET_UNAVAILABLE when it cannot be reached. A broadcast goes to every
// registered context except the sender; unreachable destinations are
// skipped and the broadcast still succeeds.
func (d *Dispatcher) Route(ctx context.Context, env *envelope.Envelope) (Report, error) {
	var rep Report
	src := env.Source()

	if target, ok := env.Target(); ok {
		relayed, err := d.deliver(ctx, src, target, env)
		if err != nil {
			return rep, err
		}
		rep.add(target, relayed)
		return rep, nil
	}

	entries, err := d.dir.List(ctx)
	if err != nil {
		return rep, buserr.Wrap(err, "list destinations", buserr.WithMessageType(string(env.Type())))
	}
	for _, e := range entries {
		if e.Identity == src {
			continue
		}
		relayed, err := d.deliver(ctx, src, e.Identity, env)
		if err != nil {
			if buserr.Is(err, buserr.ErrCodeClosed) || ctx.Err() != nil {
				return rep, err
			}
			rep.Skipped++
			d.logger.Debug("destination_skipped", map[string]interface{}{
				"type":        string(env.Type()),
				"destination": e.Identity.String(),
				"error":       err.Error(),
			})
			continue
		}
		rep.add(e.Identity, relayed)
	}
	return rep, nil
}

func (r *Report) add(id envelope.Identity, relayed bool) {
	if relayed {
		r.Relayed++
	} else {
		r.Delivered++
	}
	r.Destinations = append(r.Destinations, id)
}

func (d *Dispatcher) deliver(ctx context.Context, src, to envelope.Identity, env *envelope.Envelope) (relayed bool, err error) {
	msgType := string(env.Type())
	if to != src && !d.dir.Reachable(ctx, to) {
		return false, buserr.TargetUnavailable(msgType, to.String())
	}
	if Direct(src, to) {
		return false, d.tr.Deliver(ctx, to, env)
	}

	bg := envelope.Background()
	if !d.dir.Reachable(ctx, bg) {
		return false, buserr.TargetUnavailable(msgType, to.String(),
			buserr.WithMetadata("relay", bg.String()))
	}
	if err := d.tr.DeliverVia(ctx, bg, to, env); err != nil {
		return false, err
	}
	return true, nil
}

// Dispatch runs the handlers registered for env.Type() in registration
// order. A handler that fails or panics is logged and the remaining
// handlers still run. Handlers cancelled before their turn are skipped.
func (d *Dispatcher) Dispatch(ctx context.Context, env *envelope.Envelope) Result {
	var res Result
	entries := d.registry.Snapshot(env.Type())
	d.logger.Received(string(env.Type()), env.Source().String(), len(entries))

	ctx, span := d.tracer.StartDispatchSpan(ctx, env)
	defer func() { d.tracer.EndDispatchSpan(span, res.Handlers, len(res.Failed)) }()

	for i, e := range entries {
		if !e.Active() {
			continue
		}
		res.Handlers++
		if err := invoke(ctx, e.Handler, env); err != nil {
			herr := buserr.HandlerFailed(string(env.Type()), err)
			d.logger.HandlerFailed(string(env.Type()), i, err)
			res.Failed = append(res.Failed, HandlerError{Index: i, Err: herr})
		}
	}
	return res
}

func invoke(ctx context.Context, h subscription.Handler, env *envelope.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, env)
}

// Relay forwards an envelope received on the background's relay subject to
// its final destination. A destination that is no longer reachable is
// logged and the envelope dropped.
func (d *Dispatcher) Relay(ctx context.Context, in transport.Inbound) error {
	if in.Envelope == nil || in.RelayTo == nil {
		return buserr.InvalidEnvelope("relay without destination")
	}
	env, dest := in.Envelope, *in.RelayTo

	ctx, span := d.tracer.StartRelaySpan(ctx, env, dest)

	var err error
	if !d.dir.Reachable(ctx, dest) {
		err = buserr.TargetUnavailable(string(env.Type()), dest.String())
	} else {
		err = d.tr.Deliver(ctx, dest, env)
	}
	d.tracer.EndRelaySpan(span, err)
	d.logger.Relayed(string(env.Type()), env.Source().String(), dest.String(), err)
	return err
}
