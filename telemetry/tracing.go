// OpenTelemetry tracing for envelopes crossing contexts.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vinayprograms/ctxbus/envelope"
)

// Tracer wraps OpenTelemetry tracing with bus-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include payloads in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return NoopTracer()
	}
	return globalTracer
}

// NoopTracer returns a tracer that records nothing.
func NoopTracer() *Tracer {
	return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// NewTracerFrom creates a tracer from an explicit provider.
func NewTracerFrom(tp trace.TracerProvider, name string, debug bool) *Tracer {
	return &Tracer{tracer: tp.Tracer(name), debug: debug}
}

// SetDebug enables or disables debug mode (payloads in spans).
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

func envelopeAttrs(env *envelope.Envelope) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("bus.type", string(env.Type())),
		attribute.String("bus.source", env.Source().String()),
		attribute.String("bus.envelope_id", env.ID()),
		attribute.Int64("bus.seq", int64(env.Seq())),
	}
	if target, ok := env.Target(); ok {
		attrs = append(attrs, attribute.String("bus.target", target.String()))
	} else {
		attrs = append(attrs, attribute.String("bus.target", "broadcast"))
	}
	if id := env.CorrelationID(); id != "" {
		attrs = append(attrs, attribute.String("bus.correlation_id", id))
	}
	return attrs
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Send Spans ---

// SendSpanOptions describes the outcome of routing one envelope.
type SendSpanOptions struct {
	Delivered int
	Relayed   int
	Skipped   int
}

// StartSendSpan starts a producer span for an outbound envelope type.
func (t *Tracer) StartSendSpan(ctx context.Context, msgType envelope.Type) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "bus.send "+string(msgType), trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(attribute.String("bus.type", string(msgType)))
	return ctx, span
}

// EndSendSpan ends a send span with the routed envelope and its outcome.
func (t *Tracer) EndSendSpan(span trace.Span, env *envelope.Envelope, opts SendSpanOptions, err error) {
	if env != nil {
		span.SetAttributes(envelopeAttrs(env)...)
		if t.debug {
			span.SetAttributes(attribute.String("bus.payload", truncate(string(env.Payload()), 4000)))
		}
	}
	span.SetAttributes(
		attribute.Int("bus.delivered", opts.Delivered),
		attribute.Int("bus.relayed", opts.Relayed),
		attribute.Int("bus.skipped", opts.Skipped),
	)
	endSpan(span, err)
}

// --- Dispatch Spans ---

// StartDispatchSpan starts a consumer span for an inbound envelope,
// continuing the trace carried in its headers.
func (t *Tracer) StartDispatchSpan(ctx context.Context, env *envelope.Envelope) (context.Context, trace.Span) {
	ctx = ExtractContext(ctx, MapCarrier(env.Headers()))
	ctx, span := t.tracer.Start(ctx, "bus.dispatch "+string(env.Type()), trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(envelopeAttrs(env)...)
	return ctx, span
}

// EndDispatchSpan ends a dispatch span.
func (t *Tracer) EndDispatchSpan(span trace.Span, handlers, failed int) {
	span.SetAttributes(
		attribute.Int("bus.handlers", handlers),
		attribute.Int("bus.handlers_failed", failed),
	)
	if failed > 0 {
		span.SetStatus(codes.Error, "handler failed")
		span.End()
		return
	}
	endSpan(span, nil)
}

// --- Relay Spans ---

// StartRelaySpan starts a span for an envelope forwarded by the background.
func (t *Tracer) StartRelaySpan(ctx context.Context, env *envelope.Envelope, dest envelope.Identity) (context.Context, trace.Span) {
	ctx = ExtractContext(ctx, MapCarrier(env.Headers()))
	ctx, span := t.tracer.Start(ctx, "bus.relay "+string(env.Type()), trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(envelopeAttrs(env)...)
	span.SetAttributes(attribute.String("bus.destination", dest.String()))
	return ctx, span
}

// EndRelaySpan ends a relay span.
func (t *Tracer) EndRelaySpan(span trace.Span, err error) {
	endSpan(span, err)
}

// --- Session Spans ---

// StartSessionSpan starts a span covering one panel session.
func (t *Tracer) StartSessionSpan(ctx context.Context, sessionID string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "bus.session", trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(attribute.String("bus.session_id", sessionID))
	return ctx, span
}

// EndSessionSpan ends a session span with the reason it ended.
func (t *Tracer) EndSessionSpan(span trace.Span, reason string) {
	span.SetAttributes(attribute.String("bus.session_end", reason))
	endSpan(span, nil)
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// Headers returns the trace context of ctx as envelope headers, or nil when
// ctx carries no span.
func Headers(ctx context.Context) map[string]string {
	c := MapCarrier{}
	InjectContext(ctx, c)
	if len(c) == 0 {
		return nil
	}
	return c
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
