package ctxbus

import (
	"context"
	"fmt"
	"reflect"

	"github.com/vinayprograms/ctxbus/envelope"
	buserr "github.com/vinayprograms/ctxbus/errors"
	"github.com/vinayprograms/ctxbus/messages"
)

// Handle subscribes fn to the message type of P and hands it the decoded
// payload. P may be a payload struct or a pointer to one. A payload that
// does not decode counts as a handler failure. When P names no concrete
// payload type, nothing is registered and the returned Unsubscribe does
// nothing.
func Handle[P messages.Payload](b *Bus, fn func(ctx context.Context, env *envelope.Envelope, p P) error) Unsubscribe {
	if fn == nil {
		return func() {}
	}
	t, ok := payloadType[P]()
	if !ok {
		b.Logger().Error("handle_rejected", map[string]interface{}{
			"payload": reflect.TypeOf((*P)(nil)).Elem().String(),
			"error":   "not a concrete payload type",
		})
		return func() {}
	}
	return b.Subscribe(t, func(ctx context.Context, env *envelope.Envelope) error {
		decoded, err := messages.Decode(env)
		if err != nil {
			return err
		}
		p, ok := asPayload[P](decoded)
		if !ok {
			return buserr.New(buserr.ErrCodeUnknownType,
				fmt.Sprintf("payload of %s decoded as %T", t, decoded),
				buserr.WithMessageType(string(t)))
		}
		return fn(ctx, env, p)
	})
}

// Send sends a typed payload under its own message type.
func Send[P messages.Payload](ctx context.Context, b *Bus, p P, opts ...SendOption) (Receipt, error) {
	return b.SendMessage(ctx, p.Type(), p, opts...)
}

// RequestAs sends a typed request and decodes the reply as R.
func RequestAs[R messages.Payload](ctx context.Context, b *Bus, req messages.Payload, opts ...SendOption) (R, *envelope.Envelope, error) {
	var zero R
	env, err := b.Request(ctx, req.Type(), req, opts...)
	if err != nil {
		return zero, nil, err
	}
	decoded, err := messages.Decode(env)
	if err != nil {
		return zero, env, err
	}
	r, ok := asPayload[R](decoded)
	if !ok {
		want, _ := payloadType[R]()
		return zero, env, buserr.New(buserr.ErrCodeUnknownType,
			fmt.Sprintf("reply %s is not %s", env.Type(), want),
			buserr.WithMessageType(string(env.Type())))
	}
	return r, env, nil
}

// payloadType reports the message type of P without calling a method on
// a nil pointer. Interface types name no message type.
func payloadType[P messages.Payload]() (envelope.Type, bool) {
	rt := reflect.TypeOf((*P)(nil)).Elem()
	if rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt.Kind() == reflect.Interface {
		return "", false
	}
	p, ok := reflect.Zero(rt).Interface().(messages.Payload)
	if !ok {
		return "", false
	}
	return p.Type(), true
}

// asPayload converts a decoded payload, always a struct value, to P.
func asPayload[P messages.Payload](decoded messages.Payload) (P, bool) {
	if p, ok := decoded.(P); ok {
		return p, true
	}
	var zero P
	rt := reflect.TypeOf((*P)(nil)).Elem()
	v := reflect.ValueOf(decoded)
	if rt.Kind() != reflect.Pointer || !v.IsValid() || v.Type() != rt.Elem() {
		return zero, false
	}
	ptr := reflect.New(rt.Elem())
	ptr.Elem().Set(v)
	p, ok := ptr.Interface().(P)
	return p, ok
}
