package nats_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/next-trace/scg-event-bus/adapters/nats"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

type sub struct {
	subject, queue string
	fn             func(nats.Msg)
}

type fakeClient struct {
	mu    sync.Mutex
	calls []nats.Msg
	subs  []sub
	unsub int
	err   error

	closed chan struct{}
}

func newFakeClient() *fakeClient { return &fakeClient{closed: make(chan struct{})} }

func (f *fakeClient) Publish(subject string, data []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}

	f.calls = append(f.calls, nats.Msg{Subject: subject, Data: data, Headers: headers})

	return nil
}

func (f *fakeClient) QueueSubscribe(subject, queue string, fn func(nats.Msg)) (func() error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.subs = append(f.subs, sub{subject, queue, fn})

	return func() error {
		f.mu.Lock()
		f.unsub++
		f.mu.Unlock()

		return nil
	}, nil
}

func (f *fakeClient) Closed() <-chan struct{} { return f.closed }

func TestSend_SubjectAndHeaders(t *testing.T) {
	fc := newFakeClient()
	ad := nats.New(fc)

	msg := cbus.Message{
		Exchange:    "identityExchange",
		RoutingKey:  "UserCreatedIntegrationEvent",
		MessageID:   "m-1",
		ContentType: "application/json",
		Headers:     map[string]string{"traceparent": "tp"},
		Body:        []byte(`{}`),
	}

	if err := ad.Send(t.Context(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	c := fc.calls[0]
	if c.Subject != "identityExchange.UserCreatedIntegrationEvent" {
		t.Fatalf("subject: %s", c.Subject)
	}

	if c.Headers[nats.HeaderMessageID] != "m-1" || c.Headers["traceparent"] != "tp" {
		t.Fatalf("headers: %+v", c.Headers)
	}

	if _, ok := msg.Headers[nats.HeaderMessageID]; ok {
		t.Fatalf("caller headers mutated")
	}
}

func TestSend_Errors(t *testing.T) {
	fc := newFakeClient()
	fc.err = errors.New("nats: connection closed")

	if err := nats.New(fc).Send(t.Context(), cbus.Message{}); !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("want ErrTransport, got %v", err)
	}

	if err := nats.New(nil).Send(t.Context(), cbus.Message{}); !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("nil client: want ErrTransport, got %v", err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if err := nats.New(fc).Send(ctx, cbus.Message{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestReceive_QueueGroupPerRoutingKey(t *testing.T) {
	fc := newFakeClient()
	ad := nats.New(fc)

	ready := make(chan struct{})
	got := make(chan cbus.Delivery, 1)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	go func() {
		done <- ad.Receive(ctx, cbus.Subscription{
			Queue:       "search",
			Exchange:    "identityExchange",
			RoutingKeys: []string{"A", "B"},
			OnReady:     func() { close(ready) },
		}, func(_ context.Context, d cbus.Delivery) { got <- d })
	}()

	<-ready

	fc.mu.Lock()
	subs := append([]sub(nil), fc.subs...)
	fc.mu.Unlock()

	if len(subs) != 2 || subs[1].subject != "identityExchange.B" || subs[1].queue != "search" {
		t.Fatalf("subs: %+v", subs)
	}

	subs[1].fn(nats.Msg{Subject: "identityExchange.B", Headers: map[string]string{nats.HeaderMessageID: "m-2"}, Data: []byte("x")})

	select {
	case d := <-got:
		if d.RoutingKey() != "B" || d.MessageID() != "m-2" || string(d.Body()) != "x" {
			t.Fatalf("delivery: %s %s %s", d.RoutingKey(), d.MessageID(), d.Body())
		}

		if err := d.Ack(); err != nil {
			t.Fatalf("ack: %v", err)
		}

		if err := d.Ack(); err == nil {
			t.Fatalf("second ack must fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no delivery")
	}

	cancel()

	if err := <-done; err != nil {
		t.Fatalf("receive: %v", err)
	}

	if fc.unsub != 2 {
		t.Fatalf("unsubscribed %d", fc.unsub)
	}
}

func TestReceive_ConnectionClosed(t *testing.T) {
	fc := newFakeClient()
	close(fc.closed)

	err := nats.New(fc).Receive(t.Context(), cbus.Subscription{Queue: "q", Exchange: "x"}, func(context.Context, cbus.Delivery) {})
	if !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("want ErrTransport, got %v", err)
	}
}

func TestNewWithNATS_EmptyURL(t *testing.T) {
	_, _, err := nats.NewWithNATS(nats.Config{})
	if !errors.Is(err, berr.ErrConfigInvalid) {
		t.Fatalf("want ErrConfigInvalid, got %v", err)
	}
}
