package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	buserr "github.com/vinayprograms/ctxbus/errors"
)

// Type is a message type name, e.g. "PING".
type Type string

// Spec carries the caller-supplied parts of a new envelope.
type Spec struct {
	Type          Type
	Payload       any
	Source        Identity
	Target        *Identity // nil means broadcast
	Seq           uint64
	CorrelationID string
	Headers       map[string]string
}

// Envelope is the addressed unit exchanged between contexts.
// It is immutable once built.
type Envelope struct {
	id            string
	typ           Type
	payload       json.RawMessage
	source        Identity
	target        *Identity
	timestamp     time.Time
	seq           uint64
	correlationID string
	headers       map[string]string
}

var nullPayload = json.RawMessage("null")

// New validates spec and serializes its payload. A payload that cannot be
// encoded (functions, channels, cycles, NaN) fails with a serialization
// error and no envelope is produced.
func New(spec Spec) (*Envelope, error) {
	if spec.Type == "" {
		return nil, buserr.InvalidEnvelope("empty type")
	}
	if err := spec.Source.Validate(); err != nil {
		return nil, buserr.WrapWithCode(err, buserr.ErrCodeInvalidEnvelope, "invalid envelope: bad source",
			buserr.WithMessageType(string(spec.Type)))
	}
	if spec.Target != nil {
		if err := spec.Target.Validate(); err != nil {
			return nil, buserr.WrapWithCode(err, buserr.ErrCodeInvalidEnvelope, "invalid envelope: bad target",
				buserr.WithMessageType(string(spec.Type)))
		}
	}

	payload, err := encodePayload(spec.Payload)
	if err != nil {
		return nil, buserr.Serialization(string(spec.Type), err)
	}

	env := &Envelope{
		id:            uuid.NewString(),
		typ:           spec.Type,
		payload:       payload,
		source:        spec.Source,
		timestamp:     time.Now().UTC(),
		seq:           spec.Seq,
		correlationID: spec.CorrelationID,
		headers:       copyHeaders(spec.Headers),
	}
	if spec.Target != nil {
		t := *spec.Target
		env.target = &t
	}
	return env, nil
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nullPayload, nil
	case json.RawMessage:
		if len(p) == 0 {
			return nullPayload, nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("raw payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func copyHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// ID returns the unique envelope ID.
func (e *Envelope) ID() string { return e.id }

// Type returns the message type.
func (e *Envelope) Type() Type { return e.typ }

// Source returns the identity of the sending context.
func (e *Envelope) Source() Identity { return e.source }

// Target returns the explicit target, if any.
func (e *Envelope) Target() (Identity, bool) {
	if e.target == nil {
		return Identity{}, false
	}
	return *e.target, true
}

// IsBroadcast reports whether the envelope has no explicit target.
func (e *Envelope) IsBroadcast() bool { return e.target == nil }

// Timestamp returns the wall-clock send time (UTC).
func (e *Envelope) Timestamp() time.Time { return e.timestamp }

// Seq returns the per-source sequence number.
func (e *Envelope) Seq() uint64 { return e.seq }

// CorrelationID returns the request correlation ID, empty if uncorrelated.
func (e *Envelope) CorrelationID() string { return e.correlationID }

// Payload returns a copy of the serialized payload.
func (e *Envelope) Payload() json.RawMessage {
	return append(json.RawMessage(nil), e.payload...)
}

// Headers returns a copy of the envelope headers.
func (e *Envelope) Headers() map[string]string {
	out := make(map[string]string, len(e.headers))
	for k, v := range e.headers {
		out[k] = v
	}
	return out
}

// Header returns a single header value.
func (e *Envelope) Header(key string) string {
	return e.headers[key]
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.payload, v); err != nil {
		return buserr.Serialization(string(e.typ), err)
	}
	return nil
}

// String renders a short description for logs.
func (e *Envelope) String() string {
	target := "*"
	if e.target != nil {
		target = e.target.String()
	}
	return fmt.Sprintf("%s %s->%s #%d", e.typ, e.source, target, e.seq)
}

type wireEnvelope struct {
	ID            string            `json:"id"`
	Type          Type              `json:"type"`
	Payload       json.RawMessage   `json:"payload"`
	Source        Identity          `json:"source"`
	Target        *Identity         `json:"target,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Seq           uint64            `json:"seq"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// MarshalJSON encodes the wire form.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		ID:            e.id,
		Type:          e.typ,
		Payload:       e.payload,
		Source:        e.source,
		Target:        e.target,
		Timestamp:     e.timestamp,
		Seq:           e.seq,
		CorrelationID: e.correlationID,
		Headers:       e.headers,
	})
}

// UnmarshalJSON decodes and validates the wire form.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return buserr.WrapWithCode(err, buserr.ErrCodeInvalidEnvelope, "decode envelope")
	}
	if w.ID == "" {
		return buserr.InvalidEnvelope("missing id")
	}
	if w.Type == "" {
		return buserr.InvalidEnvelope("empty type")
	}
	if w.Source.IsZero() {
		return buserr.InvalidEnvelope("missing source")
	}
	if len(w.Payload) == 0 {
		w.Payload = nullPayload
	}

	*e = Envelope{
		id:            w.ID,
		typ:           w.Type,
		payload:       w.Payload,
		source:        w.Source,
		target:        w.Target,
		timestamp:     w.Timestamp,
		seq:           w.Seq,
		correlationID: w.CorrelationID,
		headers:       w.Headers,
	}
	return nil
}
