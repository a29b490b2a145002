/*
Package telemetry wraps W3C trace context and baggage propagation and the spans created
around publish and receive boundaries. It keeps its own propagator and tracer so nothing
depends on the process-global OpenTelemetry state.
*/
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
)

// InstrumentationName identifies the tracer.
const InstrumentationName = "github.com/next-trace/scg-event-bus"

// Span attribute keys.
const (
	AttrDestination   = attribute.Key("messaging.destination.name")
	AttrOperation     = attribute.Key("messaging.operation")
	AttrMessageID     = attribute.Key("messaging.message.id")
	AttrSystem        = attribute.Key("messaging.system")
	AttrExceptionType = attribute.Key("exception.type")
	AttrExceptionMsg  = attribute.Key("exception.message")
)

const (
	OperationPublish = "publish"
	OperationReceive = "receive"
)

// Telemetry implements cbus.HeaderPropagator and starts messaging spans.
type Telemetry struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	system     string
}

var _ cbus.HeaderPropagator = (*Telemetry)(nil)

// Option configures Telemetry.
type Option func(*Telemetry)

// WithPropagator replaces the default TraceContext + Baggage composite.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(t *Telemetry) { t.propagator = p }
}

// WithSystem sets the messaging.system attribute (rabbitmq, nats, kafka).
func WithSystem(system string) Option {
	return func(t *Telemetry) { t.system = system }
}

// New returns Telemetry backed by tp. A nil tp disables spans but keeps propagation.
func New(tp trace.TracerProvider, opts ...Option) *Telemetry {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}

	t := &Telemetry{
		tracer: tp.Tracer(InstrumentationName),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
	for _, o := range opts {
		o(t)
	}

	return t
}

// Inject writes the trace context and baggage of ctx into headers.
func (t *Telemetry) Inject(ctx context.Context, headers map[string]string) {
	if headers == nil {
		return
	}

	t.propagator.Inject(ctx, propagation.MapCarrier(headers))
}

// Extract returns ctx carrying the remote span context and baggage found in headers.
func (t *Telemetry) Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	return t.propagator.Extract(ctx, propagation.MapCarrier(headers))
}

// StartPublish starts the client span "<routingKey> publish".
func (t *Telemetry) StartPublish(ctx context.Context, routingKey, messageID string) (context.Context, trace.Span) {
	return t.start(ctx, routingKey, messageID, OperationPublish, trace.SpanKindClient)
}

// StartReceive starts the server span "<routingKey> receive".
func (t *Telemetry) StartReceive(ctx context.Context, routingKey, messageID string) (context.Context, trace.Span) {
	return t.start(ctx, routingKey, messageID, OperationReceive, trace.SpanKindServer)
}

func (t *Telemetry) start(
	ctx context.Context,
	routingKey, messageID, operation string,
	kind trace.SpanKind,
) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		AttrDestination.String(routingKey),
		AttrOperation.String(operation),
		AttrMessageID.String(messageID),
	}
	if t.system != "" {
		attrs = append(attrs, AttrSystem.String(t.system))
	}

	return t.tracer.Start(ctx, routingKey+" "+operation,
		trace.WithSpanKind(kind),
		trace.WithAttributes(attrs...),
	)
}

// RecordError tags span with the exception type and message and marks it failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}

	span.SetAttributes(
		AttrExceptionType.String(fmt.Sprintf("%T", err)),
		AttrExceptionMsg.String(err.Error()),
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
