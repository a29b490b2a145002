package eventbus_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/eventbus"
	"github.com/next-trace/scg-event-bus/metrics"
)

type countingSender struct {
	calls atomic.Int32
	next  cbus.Sender
}

func (s *countingSender) Send(ctx context.Context, m cbus.Message) error {
	s.calls.Add(1)
	return s.next.Send(ctx, m)
}

func bindQueue(h *harness) {
	h.broker.Declare(cbus.Subscription{
		Queue:       queue,
		Exchange:    eventbus.ExchangeName(queue),
		RoutingKeys: h.reg.Keys(),
	})
}

func TestPublish_BuildsPersistentMandatoryMessage(t *testing.T) {
	h := newHarness(t)
	bindQueue(h)

	id := uuid.New()
	callerHeaders := map[string]string{"x-tenant": "acme"}

	err := h.pub.PublishIntegration(t.Context(), UserCreatedIntegrationEvent{ID: id}, cbus.PublishOptions{Headers: callerHeaders})
	require.NoError(t, err)

	sent := h.broker.Sent()
	require.Len(t, sent, 1)

	m := sent[0]
	assert.Equal(t, "identityExchange", m.Exchange)
	assert.Equal(t, "UserCreatedIntegrationEvent", m.RoutingKey)
	assert.Equal(t, id.String(), m.MessageID)
	assert.Equal(t, "application/json", m.ContentType)
	assert.True(t, m.Persistent)
	assert.True(t, m.Mandatory)
	assert.Equal(t, "acme", m.Headers["x-tenant"])
	assert.JSONEq(t, `{"id":"`+id.String()+`"}`, string(m.Body))

	// caller map is copied, not mutated
	assert.Len(t, callerHeaders, 1)
}

func TestPublish_MessageIDOverrideAndFallback(t *testing.T) {
	h := newHarness(t)
	bindQueue(h)

	require.NoError(t, h.pub.PublishIntegration(t.Context(), UserCreatedIntegrationEvent{ID: uuid.New()},
		cbus.PublishOptions{MessageID: "custom"}))
	require.NoError(t, h.pub.PublishIntegration(t.Context(), UserCreatedIntegrationEvent{}, cbus.PublishOptions{}))

	sent := h.broker.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "custom", sent[0].MessageID)

	_, err := uuid.Parse(sent[1].MessageID)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil.String(), sent[1].MessageID)
}

func TestPublish_UnregisteredTypeFailsBeforeNetwork(t *testing.T) {
	h := newHarness(t)
	sender := &countingSender{next: h.broker}

	pub, err := eventbus.NewPublisher(sender, h.reg, eventbus.PublisherConfig{Exchange: "identityExchange"},
		eventbus.WithLogger(quietLogger()))
	require.NoError(t, err)

	err = pub.PublishIntegration(t.Context(), Unregistered{}, cbus.PublishOptions{})
	require.ErrorIs(t, err, berr.ErrUnknownEventType)
	assert.Zero(t, sender.calls.Load())
}

func TestPublish_RetriesTransientFailuresThenSucceeds(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	h := newHarness(t, eventbus.WithMetrics(m))
	bindQueue(h)

	sender := &countingSender{next: h.broker}
	pub, err := eventbus.NewPublisher(sender, h.reg, eventbus.PublisherConfig{
		Exchange:        "identityExchange",
		InitialInterval: 1,
		MaxInterval:     2,
	}, eventbus.WithLogger(quietLogger()), eventbus.WithMetrics(m))
	require.NoError(t, err)

	transient := errors.Join(berr.ErrTransport, errors.New("connection refused"))
	h.broker.FailNextSend(transient, transient, transient)

	require.NoError(t, pub.PublishIntegration(t.Context(), UserCreatedIntegrationEvent{ID: uuid.New()}, cbus.PublishOptions{}))

	assert.EqualValues(t, 4, sender.calls.Load())
	assert.Len(t, h.broker.Sent(), 1)
	assert.InDelta(t, 3, testutil.ToFloat64(m.PublishRetries.WithLabelValues("UserCreatedIntegrationEvent")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.EventsPublished.WithLabelValues("UserCreatedIntegrationEvent", metrics.StatusSuccess)), 0)
}

func TestPublish_GivesUpAfterRetryCount(t *testing.T) {
	h := newHarness(t)
	sender := &countingSender{next: h.broker}

	pub, err := eventbus.NewPublisher(sender, h.reg, eventbus.PublisherConfig{
		Exchange:        "identityExchange",
		RetryCount:      2,
		InitialInterval: 1,
		MaxInterval:     2,
	}, eventbus.WithLogger(quietLogger()))
	require.NoError(t, err)

	transient := errors.Join(berr.ErrTransport, errors.New("channel closed"))
	h.broker.FailNextSend(transient, transient, transient, transient)

	err = pub.PublishIntegration(t.Context(), UserCreatedIntegrationEvent{ID: uuid.New()}, cbus.PublishOptions{})
	require.ErrorIs(t, err, berr.ErrPublishFailed)
	require.ErrorIs(t, err, berr.ErrTransport)
	assert.EqualValues(t, 3, sender.calls.Load())
}

func TestPublish_UnroutableAndPermanentErrorsAreNotRetried(t *testing.T) {
	h := newHarness(t)
	sender := &countingSender{next: h.broker}

	pub, err := eventbus.NewPublisher(sender, h.reg, eventbus.PublisherConfig{Exchange: "identityExchange"},
		eventbus.WithLogger(quietLogger()))
	require.NoError(t, err)

	// nothing bound: mandatory publish is returned
	err = pub.PublishIntegration(t.Context(), UserCreatedIntegrationEvent{ID: uuid.New()}, cbus.PublishOptions{})
	require.ErrorIs(t, err, berr.ErrUnroutable)
	require.ErrorIs(t, err, berr.ErrPublishFailed)
	assert.EqualValues(t, 1, sender.calls.Load())

	bindQueue(h)
	h.broker.FailNextSend(errors.New("access refused"))

	err = pub.PublishIntegration(t.Context(), UserCreatedIntegrationEvent{ID: uuid.New()}, cbus.PublishOptions{})
	require.ErrorIs(t, err, berr.ErrPublishFailed)
	assert.EqualValues(t, 2, sender.calls.Load())
}

func TestPublish_ContextErrorsReturnedAsIs(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := h.pub.PublishIntegration(ctx, UserCreatedIntegrationEvent{ID: uuid.New()}, cbus.PublishOptions{})
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, berr.ErrPublishFailed)

	bindQueue(h)
	h.broker.FailNextSend(context.DeadlineExceeded)

	err = h.pub.PublishIntegration(t.Context(), UserCreatedIntegrationEvent{ID: uuid.New()}, cbus.PublishOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, berr.ErrPublishFailed)
}
