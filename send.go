package ctxbus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/ctxbus/dispatch"
	"github.com/vinayprograms/ctxbus/envelope"
	buserr "github.com/vinayprograms/ctxbus/errors"
	"github.com/vinayprograms/ctxbus/telemetry"
)

// SendOption adjusts one send.
type SendOption func(*sendOptions)

type sendOptions struct {
	target      *envelope.Identity
	correlation string
	timeout     time.Duration
	seq         uint64
}

// To addresses the envelope to one context instead of broadcasting it.
func To(id envelope.Identity) SendOption {
	return func(o *sendOptions) { o.target = &id }
}

// ToTab addresses the envelope to the content context of a tab.
func ToTab(tabID int) SendOption {
	return To(envelope.Content(tabID))
}

// Timeout overrides the request timeout for one Request.
func Timeout(d time.Duration) SendOption {
	return func(o *sendOptions) { o.timeout = d }
}

func withCorrelation(id string) SendOption {
	return func(o *sendOptions) { o.correlation = id }
}

// Receipt describes a sent envelope. It reports acceptance by the
// delivery primitive, not handling by remote subscribers.
type Receipt struct {
	ID            string
	Type          envelope.Type
	CorrelationID string

	// Delivered counts contexts the envelope was handed to, directly or
	// through the background relay.
	Delivered int

	// Skipped counts broadcast destinations that were unreachable.
	Skipped int

	Destinations []envelope.Identity
}

// SendMessage builds an envelope from the bound identity and routes it.
// Without a target it is broadcast to every other registered context and
// succeeds even when nothing receives it. With a target it fails with
// TARGET_UNAVAILABLE if that context cannot be reached. A payload that
// cannot be serialized fails before anything is sent.
func (b *Bus) SendMessage(ctx context.Context, t envelope.Type, payload any, opts ...SendOption) (Receipt, error) {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	env, rep, err := b.send(ctx, t, payload, o)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{
		ID:            env.ID(),
		Type:          env.Type(),
		CorrelationID: env.CorrelationID(),
		Delivered:     rep.Reached(),
		Skipped:       rep.Skipped,
		Destinations:  rep.Destinations,
	}, nil
}

func (b *Bus) send(ctx context.Context, t envelope.Type, payload any, o sendOptions) (*envelope.Envelope, dispatch.Report, error) {
	b.mu.Lock()
	closed, bound, src, logger := b.closed, b.bound, b.identity, b.logger
	b.mu.Unlock()

	if closed {
		return nil, dispatch.Report{}, buserr.Closed("bus")
	}
	if !bound {
		return nil, dispatch.Report{}, buserr.New(buserr.ErrCodeNoContext,
			"no context bound: call SetContext before sending",
			buserr.WithMessageType(string(t)))
	}

	seq := o.seq
	if seq == 0 {
		seq = b.seq.Add(1)
	}

	ctx, span := b.tracer.StartSendSpan(ctx, t)
	env, err := envelope.New(envelope.Spec{
		Type:          t,
		Payload:       payload,
		Source:        src,
		Target:        o.target,
		Seq:           seq,
		CorrelationID: o.correlation,
		Headers:       telemetry.Headers(ctx),
	})
	if err != nil {
		b.tracer.EndSendSpan(span, nil, telemetry.SendSpanOptions{}, err)
		return nil, dispatch.Report{}, err
	}

	rep, err := b.dispatcher.Route(ctx, env)
	b.tracer.EndSendSpan(span, env, telemetry.SendSpanOptions{
		Delivered: rep.Delivered,
		Relayed:   rep.Relayed,
		Skipped:   rep.Skipped,
	}, err)

	target := ""
	if id, ok := env.Target(); ok {
		target = id.String()
	}
	if err != nil {
		logger.Warn("send_failed", map[string]interface{}{
			"type":   string(t),
			"target": target,
			"error":  err.Error(),
		})
		return nil, rep, err
	}
	logger.Sent(string(t), src.String(), target, rep.Reached(), rep.Skipped)
	b.opts.Events.Record(telemetry.EnvelopeEvent(telemetry.EventSent, env, map[string]interface{}{
		"delivered": rep.Reached(),
		"skipped":   rep.Skipped,
	}))
	return env, rep, nil
}

// Request sends an envelope carrying a fresh correlation ID and waits for
// the first envelope that echoes it. The wait ends with TIMEOUT after the
// request timeout, with CANCELED or TIMEOUT when ctx ends, and with CLOSED
// when the bus closes. The reply is also dispatched to ordinary
// subscribers of its type.
func (b *Bus) Request(ctx context.Context, t envelope.Type, payload any, opts ...SendOption) (*envelope.Envelope, error) {
	o := sendOptions{timeout: b.opts.RequestTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = b.opts.RequestTimeout
	}
	o.correlation = uuid.NewString()
	o.seq = b.seq.Add(1)

	ch := make(chan *envelope.Envelope, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, buserr.Closed("bus")
	}
	b.pending[o.correlation] = pendingRequest{ch: ch, seq: o.seq}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, o.correlation)
		b.mu.Unlock()
	}()

	if _, _, err := b.send(ctx, t, payload, o); err != nil {
		return nil, err
	}

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		return nil, buserr.Newf(buserr.ErrCodeTimeout, "no reply to %s within %s", t, o.timeout)
	case <-ctx.Done():
		return nil, buserr.Wrap(ctx.Err(), "waiting for reply to "+string(t))
	case <-b.done:
		return nil, buserr.Closed("bus")
	}
}

// Reply answers req: the envelope goes to req's source and echoes its
// correlation ID. An uncorrelated request gets a plain targeted envelope.
func (b *Bus) Reply(ctx context.Context, req *envelope.Envelope, t envelope.Type, payload any) (Receipt, error) {
	if req == nil {
		return Receipt{}, buserr.InvalidEnvelope("reply to nil request")
	}
	opts := []SendOption{To(req.Source())}
	if id := req.CorrelationID(); id != "" {
		opts = append(opts, withCorrelation(id))
	}
	return b.SendMessage(ctx, t, payload, opts...)
}

type pendingRequest struct {
	ch  chan *envelope.Envelope
	seq uint64 // of the request itself, which may loop back to us
}

// resolve hands env to the Request waiting for its correlation ID.
func (b *Bus) resolve(env *envelope.Envelope) {
	id := env.CorrelationID()
	if id == "" {
		return
	}
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok && env.Source() == b.identity && env.Seq() == p.seq {
		ok = false
	}
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if ok {
		p.ch <- env
	}
}
