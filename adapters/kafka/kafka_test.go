package kafka_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/next-trace/scg-event-bus/adapters/kafka"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

type fakeProducer struct {
	recs []*kgo.Record
	err  error
}

func (f *fakeProducer) ProduceSync(_ context.Context, rec *kgo.Record) error {
	f.recs = append(f.recs, rec)
	return f.err
}

type fakeConsumer struct {
	mu        sync.Mutex
	batches   chan []*kgo.Record
	committed []*kgo.Record
	closed    bool
	pollErr   error
}

func (f *fakeConsumer) Poll(ctx context.Context) ([]*kgo.Record, error) {
	if f.pollErr != nil {
		return nil, f.pollErr
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b := <-f.batches:
		return b, nil
	}
}

func (f *fakeConsumer) Commit(_ context.Context, recs ...*kgo.Record) error {
	f.mu.Lock()
	f.committed = append(f.committed, recs...)
	f.mu.Unlock()

	return nil
}

func (f *fakeConsumer) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeConsumer) commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.committed)
}

func TestSend_TopicKeyAndHeaders(t *testing.T) {
	fp := &fakeProducer{}
	ad := kafka.New(fp, nil)

	err := ad.Send(t.Context(), cbus.Message{
		Exchange:    "identityExchange",
		RoutingKey:  "UserCreatedIntegrationEvent",
		MessageID:   "m-1",
		ContentType: "application/json",
		Headers:     map[string]string{"traceparent": "tp"},
		Body:        []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	r := fp.recs[0]
	if r.Topic != "identityExchange.UserCreatedIntegrationEvent" || string(r.Key) != "m-1" {
		t.Fatalf("record: %s %s", r.Topic, r.Key)
	}

	if len(r.Headers) != 2 {
		t.Fatalf("headers: %+v", r.Headers)
	}
}

func TestSend_ErrorClassification(t *testing.T) {
	fp := &fakeProducer{err: kerr.UnknownTopicOrPartition}

	err := kafka.New(fp, nil).Send(t.Context(), cbus.Message{Mandatory: true})
	if !errors.Is(err, berr.ErrUnroutable) {
		t.Fatalf("want ErrUnroutable, got %v", err)
	}

	err = kafka.New(fp, nil).Send(t.Context(), cbus.Message{})
	if !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("non-mandatory: want ErrTransport, got %v", err)
	}

	fp.err = context.DeadlineExceeded
	if err := kafka.New(fp, nil).Send(t.Context(), cbus.Message{}); !errors.Is(err, context.DeadlineExceeded) || errors.Is(err, berr.ErrTransport) {
		t.Fatalf("want bare deadline error, got %v", err)
	}

	if err := kafka.New(nil, nil).Send(t.Context(), cbus.Message{}); !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("nil producer: want ErrTransport, got %v", err)
	}
}

func TestReceive_CommitsAckedRecords(t *testing.T) {
	fc := &fakeConsumer{batches: make(chan []*kgo.Record, 1)}

	var (
		group  string
		topics []string
	)

	ad := kafka.New(nil, func(g string, ts []string) (kafka.Consumer, error) {
		group, topics = g, ts
		return fc, nil
	})

	ready := make(chan struct{})
	seen := make(chan string, 2)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)

	go func() {
		done <- ad.Receive(ctx, cbus.Subscription{
			Queue:       "search",
			Exchange:    "identityExchange",
			RoutingKeys: []string{"UserCreatedIntegrationEvent"},
			OnReady:     func() { close(ready) },
		}, func(_ context.Context, d cbus.Delivery) {
			seen <- d.RoutingKey() + "/" + d.MessageID() + "/" + d.Headers()["traceparent"]
			if d.MessageID() == "acked" {
				_ = d.Ack()
			}
		})
	}()

	<-ready

	if group != "search" || len(topics) != 1 || topics[0] != "identityExchange.UserCreatedIntegrationEvent" {
		t.Fatalf("group=%s topics=%v", group, topics)
	}

	topic := "identityExchange.UserCreatedIntegrationEvent"
	fc.batches <- []*kgo.Record{
		{Topic: topic, Key: []byte("acked"), Headers: []kgo.RecordHeader{{Key: "traceparent", Value: []byte("tp")}}},
		{Topic: topic, Key: []byte("skipped")},
	}

	got := map[string]bool{}
	for range 2 {
		select {
		case s := <-seen:
			got[s] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("deliveries missing: %v", got)
		}
	}

	if !got["UserCreatedIntegrationEvent/acked/tp"] || !got["UserCreatedIntegrationEvent/skipped/"] {
		t.Fatalf("deliveries: %v", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fc.commits() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("commits=%d", fc.commits())
		}

		time.Sleep(time.Millisecond)
	}

	cancel()

	if err := <-done; err != nil {
		t.Fatalf("receive: %v", err)
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()

	if !fc.closed || string(fc.committed[0].Key) != "acked" {
		t.Fatalf("closed=%v committed=%s", fc.closed, fc.committed[0].Key)
	}
}

func TestReceive_PollFailureIsTransportError(t *testing.T) {
	fc := &fakeConsumer{pollErr: errors.New("broker down")}
	ad := kafka.New(nil, func(string, []string) (kafka.Consumer, error) { return fc, nil })

	err := ad.Receive(t.Context(), cbus.Subscription{Queue: "q"}, func(context.Context, cbus.Delivery) {})
	if !errors.Is(err, berr.ErrTransport) {
		t.Fatalf("want ErrTransport, got %v", err)
	}
}

func TestNewWithKgo_NoBrokers(t *testing.T) {
	_, _, err := kafka.NewWithKgo(kafka.Config{})
	if !errors.Is(err, berr.ErrConfigInvalid) {
		t.Fatalf("want ErrConfigInvalid, got %v", err)
	}
}
