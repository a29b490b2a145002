package eventbus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/baggage"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	"github.com/next-trace/scg-event-bus/eventbus"
	"github.com/next-trace/scg-event-bus/metrics"
	"github.com/next-trace/scg-event-bus/telemetry"
)

func TestConsume_PublishedEventIsHandledAuditedAndAckedOnce(t *testing.T) {
	h := newHarness(t)

	got := &received[UserCreatedIntegrationEvent]{}
	require.NoError(t, eventbus.SubscribeFunc(h.handlers, func(ctx context.Context, e UserCreatedIntegrationEvent) error {
		got.add(ctx, e)
		return nil
	}))

	h.startConsumer(t, eventbus.ConsumerConfig{})

	u1 := uuid.New()
	require.NoError(t, h.pub.PublishIntegration(t.Context(), UserCreatedIntegrationEvent{ID: u1}, cbus.PublishOptions{}))

	eventually(t, func() bool { return h.broker.Acked() == 1 })

	require.Equal(t, 1, got.Len())
	e, _ := got.At(0)
	assert.Equal(t, u1, e.ID)

	bodies := h.audit.Bodies()
	require.Len(t, bodies, 1)
	assert.Equal(t, string(h.broker.Sent()[0].Body), bodies[0])
	assert.JSONEq(t, `{"id":"`+u1.String()+`"}`, bodies[0])
}

func TestConsume_FansOutToEveryHandler(t *testing.T) {
	h := newHarness(t)

	first := &received[UserCreatedIntegrationEvent]{}
	second := &received[UserCreatedIntegrationEvent]{}

	require.NoError(t, eventbus.SubscribeFunc(h.handlers, func(ctx context.Context, e UserCreatedIntegrationEvent) error {
		first.add(ctx, e)
		return nil
	}))
	require.NoError(t, eventbus.SubscribeFunc(h.handlers, func(ctx context.Context, e UserCreatedIntegrationEvent) error {
		second.add(ctx, e)
		return nil
	}))

	h.startConsumer(t, eventbus.ConsumerConfig{})

	require.NoError(t, h.pub.PublishIntegration(t.Context(), UserCreatedIntegrationEvent{ID: uuid.New()}, cbus.PublishOptions{}))
	eventually(t, func() bool { return h.broker.Acked() == 1 })

	assert.Equal(t, 1, first.Len())
	assert.Equal(t, 1, second.Len())
}

func TestConsume_HandlerErrorStillAckedAndNextMessageProcessed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	h := newHarness(t)

	failing := uuid.New()
	got := &received[UserCreatedIntegrationEvent]{}
	ok := &received[UserCreatedIntegrationEvent]{}

	require.NoError(t, eventbus.SubscribeFunc(h.handlers, func(ctx context.Context, e UserCreatedIntegrationEvent) error {
		got.add(ctx, e)
		if e.ID == failing {
			return errors.New("search index unavailable")
		}

		return nil
	}))
	require.NoError(t, eventbus.SubscribeFunc(h.handlers, func(ctx context.Context, e UserCreatedIntegrationEvent) error {
		ok.add(ctx, e)
		return nil
	}))

	h.startConsumer(t, eventbus.ConsumerConfig{}, eventbus.WithMetrics(m))

	require.NoError(t, h.pub.PublishIntegration(t.Context(), UserCreatedIntegrationEvent{ID: failing}, cbus.PublishOptions{}))
	eventually(t, func() bool { return h.broker.Acked() == 1 })

	require.NoError(t, h.pub.PublishIntegration(t.Context(), UserCreatedIntegrationEvent{ID: uuid.New()}, cbus.PublishOptions{}))
	eventually(t, func() bool { return h.broker.Acked() == 2 })

	assert.Equal(t, 2, got.Len())
	// the sibling handler still ran for the failing message
	assert.Equal(t, 2, ok.Len())
	assert.Len(t, h.audit.Bodies(), 2)
	assert.Equal(t, 0, h.broker.Pending(queue))

	key := "UserCreatedIntegrationEvent"
	eventually(t, func() bool {
		return testutil.ToFloat64(m.EventsConsumed.WithLabelValues(key, metrics.OutcomeHandled)) == 1 &&
			testutil.ToFloat64(m.EventsConsumed.WithLabelValues(key, metrics.OutcomeHandlerError)) == 1
	})
}

func TestConsume_StopDoesNotAwaitHandlersAndAuditOutlivesIt(t *testing.T) {
	h := newHarness(t)

	entered := make(chan struct{})
	release := make(chan struct{})

	require.NoError(t, eventbus.SubscribeFunc(h.handlers, func(ctx context.Context, _ UserCreatedIntegrationEvent) error {
		close(entered)
		<-release

		return ctx.Err()
	}))

	c := h.startConsumer(t, eventbus.ConsumerConfig{})

	require.NoError(t, h.pub.PublishIntegration(t.Context(), UserCreatedIntegrationEvent{ID: uuid.New()}, cbus.PublishOptions{}))

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	stopCtx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()

	require.NoError(t, c.Stop(stopCtx))
	assert.Equal(t, eventbus.StateStopped, c.State())
	assert.Empty(t, h.audit.Bodies())

	close(release)

	eventually(t, func() bool { return len(h.audit.Bodies()) == 1 })
	assert.NoError(t, h.audit.CtxErr(0))
	eventually(t, func() bool { return h.broker.Acked() == 1 })
}

func TestConsume_HandlerPanicIsRecoveredAndAcked(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, eventbus.SubscribeFunc(h.handlers, func(context.Context, UserCreatedIntegrationEvent) error {
		panic("nil map write")
	}))

	h.startConsumer(t, eventbus.ConsumerConfig{})

	require.NoError(t, h.pub.PublishIntegration(t.Context(), UserCreatedIntegrationEvent{ID: uuid.New()}, cbus.PublishOptions{}))
	eventually(t, func() bool { return h.broker.Acked() == 1 })
}

func TestConsume_PanickingFactoryIsRecoveredAndSiblingsRun(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, eventbus.Subscribe(h.handlers, func() cbus.IntegrationEventHandler[UserCreatedIntegrationEvent] {
		panic("missing dependency")
	}))

	got := &received[UserCreatedIntegrationEvent]{}
	require.NoError(t, eventbus.SubscribeFunc(h.handlers, func(ctx context.Context, e UserCreatedIntegrationEvent) error {
		got.add(ctx, e)
		return nil
	}))

	h.startConsumer(t, eventbus.ConsumerConfig{})

	require.NoError(t, h.pub.PublishIntegration(t.Context(), UserCreatedIntegrationEvent{ID: uuid.New()}, cbus.PublishOptions{}))
	eventually(t, func() bool { return h.broker.Acked() == 1 })

	assert.Equal(t, 1, got.Len())
	assert.Len(t, h.audit.Bodies(), 1)
}

func TestConsume_UnknownRoutingKeyAckedWithoutHandlers(t *testing.T) {
	h := newHarness(t)

	got := &received[UserCreatedIntegrationEvent]{}
	require.NoError(t, eventbus.SubscribeFunc(h.handlers, func(ctx context.Context, e UserCreatedIntegrationEvent) error {
		got.add(ctx, e)
		return nil
	}))

	h.startConsumer(t, eventbus.ConsumerConfig{})

	// a stale binding left by an older deployment
	h.broker.Declare(cbus.Subscription{Queue: queue, Exchange: eventbus.ExchangeName(queue), RoutingKeys: []string{"UserDeletedIntegrationEvent"}})

	require.NoError(t, h.broker.Send(t.Context(), cbus.Message{
		Exchange:   eventbus.ExchangeName(queue),
		RoutingKey: "UserDeletedIntegrationEvent",
		MessageID:  uuid.NewString(),
		Body:       []byte(`{"id":"x"}`),
	}))

	eventually(t, func() bool { return h.broker.Acked() == 1 })
	assert.Equal(t, 0, got.Len())
	assert.Equal(t, []string{`{"id":"x"}`}, h.audit.Bodies())
}

func TestConsume_InvalidJSONAckedAndConsumerKeepsGoing(t *testing.T) {
	h := newHarness(t)

	got := &received[UserCreatedIntegrationEvent]{}
	require.NoError(t, eventbus.SubscribeFunc(h.handlers, func(ctx context.Context, e UserCreatedIntegrationEvent) error {
		got.add(ctx, e)
		return nil
	}))

	c := h.startConsumer(t, eventbus.ConsumerConfig{})

	require.NoError(t, h.broker.Send(t.Context(), cbus.Message{
		Exchange:   eventbus.ExchangeName(queue),
		RoutingKey: "UserCreatedIntegrationEvent",
		MessageID:  uuid.NewString(),
		Body:       []byte(`{"id":`),
	}))
	eventually(t, func() bool { return h.broker.Acked() == 1 })
	assert.Equal(t, 0, got.Len())

	require.NoError(t, h.pub.PublishIntegration(t.Context(), UserCreatedIntegrationEvent{ID: uuid.New()}, cbus.PublishOptions{}))
	eventually(t, func() bool { return h.broker.Acked() == 2 })
	assert.Equal(t, 1, got.Len())
	assert.Equal(t, eventbus.StateConsuming, c.State())
}

func TestConsume_AuditFailureDoesNotBlockAck(t *testing.T) {
	h := newHarness(t)
	h.audit.err = errors.New("mongo down")

	h.startConsumer(t, eventbus.ConsumerConfig{})

	require.NoError(t, h.pub.PublishIntegration(t.Context(), UserCreatedIntegrationEvent{ID: uuid.New()}, cbus.PublishOptions{}))
	eventually(t, func() bool { return h.broker.Acked() == 1 })
}

func TestConsume_FaultMarkerFailsHandlingButAcks(t *testing.T) {
	h := newHarness(t)

	got := &received[NoteAdded]{}
	require.NoError(t, eventbus.SubscribeFunc(h.handlers, func(ctx context.Context, e NoteAdded) error {
		got.add(ctx, e)
		return nil
	}))

	h.startConsumer(t, eventbus.ConsumerConfig{FaultMarker: "throw-fake-exception"})

	require.NoError(t, h.pub.PublishIntegration(t.Context(), NoteAdded{ID: uuid.New(), Text: "please throw-fake-exception"}, cbus.PublishOptions{}))
	require.NoError(t, h.pub.PublishIntegration(t.Context(), NoteAdded{ID: uuid.New(), Text: "fine"}, cbus.PublishOptions{}))

	eventually(t, func() bool { return h.broker.Acked() == 2 })
	require.Equal(t, 1, got.Len())

	e, _ := got.At(0)
	assert.Equal(t, "fine", e.Text)
}

func TestConsume_TraceContextAndBaggageCrossTheBroker(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	tel := telemetry.New(tp)
	h := newHarness(t, eventbus.WithTelemetry(tel))

	got := &received[UserCreatedIntegrationEvent]{}
	require.NoError(t, eventbus.SubscribeFunc(h.handlers, func(ctx context.Context, e UserCreatedIntegrationEvent) error {
		got.add(ctx, e)
		return nil
	}))

	h.startConsumer(t, eventbus.ConsumerConfig{}, eventbus.WithTelemetry(tel))

	member, err := baggage.NewMember("tenant", "acme")
	require.NoError(t, err)
	bag, err := baggage.New(member)
	require.NoError(t, err)

	ctx, root := tp.Tracer("test").Start(baggage.ContextWithBaggage(t.Context(), bag), "signup")
	require.NoError(t, h.pub.PublishIntegration(ctx, UserCreatedIntegrationEvent{ID: uuid.New()}, cbus.PublishOptions{}))
	root.End()

	eventually(t, func() bool { return got.Len() == 1 })

	_, hctx := got.At(0)
	assert.Equal(t, root.SpanContext().TraceID(), trace.SpanContextFromContext(hctx).TraceID())
	assert.Equal(t, "acme", baggage.FromContext(hctx).Member("tenant").Value())

	headers := h.broker.Sent()[0].Headers
	assert.Contains(t, headers, "traceparent")
	assert.Contains(t, headers, "baggage")

	eventually(t, func() bool {
		names := map[string]bool{}
		for _, s := range rec.Ended() {
			names[s.Name()] = true
		}

		return names["UserCreatedIntegrationEvent publish"] && names["UserCreatedIntegrationEvent receive"]
	})
}
