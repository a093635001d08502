// Package transport bridges envelopes onto the one-shot delivery primitive.
//
// Every context listens on its own subject; the background also listens on
// a relay subject for envelopes it must forward to contexts the sender
// cannot reach directly.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/ctxbus/bus"
	"github.com/vinayprograms/ctxbus/envelope"
	buserr "github.com/vinayprograms/ctxbus/errors"
	"github.com/vinayprograms/ctxbus/logging"
)

// FrameVersion is the wire frame version.
const FrameVersion = 1

// Frame is the wire form of an envelope on the primitive.
type Frame struct {
	V        int                `json:"v"`
	RelayTo  *envelope.Identity `json:"relay_to,omitempty"`
	Envelope *envelope.Envelope `json:"envelope"`
}

// Inbound is an envelope received on a subject.
type Inbound struct {
	Envelope *envelope.Envelope

	// RelayTo is set on relay subjects: the final destination.
	RelayTo *envelope.Identity
}

// Config holds adapter configuration.
type Config struct {
	// Namespace prefixes every subject so several extensions can share a
	// NATS server. Default: "ctxbus"
	Namespace string

	// Logger for dropped frames. Default: discard.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{Namespace: "ctxbus"}
}

// Adapter serializes envelopes onto a MessageBus and decodes them back.
type Adapter struct {
	bus       bus.MessageBus
	namespace string
	logger    *logging.Logger
	dropped   atomic.Uint64
}

// New creates an adapter over b.
func New(b bus.MessageBus, cfg Config) *Adapter {
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultConfig().Namespace
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Adapter{
		bus:       b,
		namespace: cfg.Namespace,
		logger:    cfg.Logger.WithComponent("transport"),
	}
}

// Subject returns the direct delivery subject of id.
func (a *Adapter) Subject(id envelope.Identity) string {
	return a.namespace + "." + id.Subject()
}

// RelaySubject returns the relay subject of id.
func (a *Adapter) RelaySubject(id envelope.Identity) string {
	return a.Subject(id) + ".relay"
}

// Dropped reports how many malformed frames were discarded.
func (a *Adapter) Dropped() uint64 {
	return a.dropped.Load()
}

// Deliver hands env to the primitive for direct delivery to "to".
func (a *Adapter) Deliver(ctx context.Context, to envelope.Identity, env *envelope.Envelope) error {
	return a.publish(ctx, a.Subject(to), Frame{V: FrameVersion, Envelope: env})
}

// DeliverVia hands env to "via" for relay to "to".
func (a *Adapter) DeliverVia(ctx context.Context, via, to envelope.Identity, env *envelope.Envelope) error {
	dest := to
	return a.publish(ctx, a.RelaySubject(via), Frame{V: FrameVersion, RelayTo: &dest, Envelope: env})
}

func (a *Adapter) publish(ctx context.Context, subject string, f Frame) error {
	if err := ctx.Err(); err != nil {
		return buserr.Wrap(err, "deliver "+string(f.Envelope.Type()))
	}
	data, err := json.Marshal(f)
	if err != nil {
		return buserr.Serialization(string(f.Envelope.Type()), err)
	}
	if err := a.bus.Publish(subject, data); err != nil {
		if err == bus.ErrClosed {
			return buserr.Closed("transport")
		}
		return buserr.WrapWithCode(err, buserr.ErrCodeTargetUnavailable,
			fmt.Sprintf("publish %s to %s", f.Envelope.Type(), subject),
			buserr.WithMessageType(string(f.Envelope.Type())))
	}
	return nil
}

// Listener yields envelopes arriving on one subject.
type Listener struct {
	sub       bus.Subscription
	out       chan Inbound
	done      chan struct{}
	closeOnce sync.Once
}

// C returns the inbound channel. It closes when the listener stops.
func (l *Listener) C() <-chan Inbound { return l.out }

// Close stops listening.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.sub.Unsubscribe()
	})
	return err
}

// Listen subscribes to id's direct subject.
func (a *Adapter) Listen(id envelope.Identity) (*Listener, error) {
	return a.listen(a.Subject(id), false)
}

// ListenRelay subscribes to id's relay subject.
func (a *Adapter) ListenRelay(id envelope.Identity) (*Listener, error) {
	return a.listen(a.RelaySubject(id), true)
}

func (a *Adapter) listen(subject string, relay bool) (*Listener, error) {
	sub, err := a.bus.Subscribe(subject)
	if err != nil {
		if err == bus.ErrClosed {
			return nil, buserr.Closed("transport")
		}
		return nil, fmt.Errorf("listen %s: %w", subject, err)
	}

	l := &Listener{
		sub:  sub,
		out:  make(chan Inbound),
		done: make(chan struct{}),
	}
	go a.decodeLoop(l, subject, relay)
	return l, nil
}

func (a *Adapter) decodeLoop(l *Listener, subject string, relay bool) {
	defer close(l.out)
	for msg := range l.sub.Messages() {
		in, err := DecodeFrame(msg.Data)
		if err == nil && relay && in.RelayTo == nil {
			err = fmt.Errorf("relay frame without destination")
		}
		if err != nil {
			a.dropped.Add(1)
			a.logger.Warn("frame_dropped", map[string]interface{}{
				"subject": subject,
				"error":   err.Error(),
			})
			continue
		}
		if !relay {
			in.RelayTo = nil
		}

		select {
		case l.out <- in:
		case <-l.done:
			return
		}
	}
}

// DecodeFrame parses a wire frame.
func DecodeFrame(data []byte) (Inbound, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Inbound{}, buserr.WrapWithCode(err, buserr.ErrCodeInvalidEnvelope, "decode frame")
	}
	if f.V != FrameVersion {
		return Inbound{}, buserr.InvalidEnvelope(fmt.Sprintf("unsupported frame version %d", f.V))
	}
	if f.Envelope == nil {
		return Inbound{}, buserr.InvalidEnvelope("frame without envelope")
	}
	return Inbound{Envelope: f.Envelope, RelayTo: f.RelayTo}, nil
}
