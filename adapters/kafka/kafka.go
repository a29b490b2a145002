// Package kafka provides a Kafka transport for the event bus. Each exchange and
// routing key pair maps to the topic "<exchange>.<routing key>"; a consumer queue maps
// to a consumer group. Offsets are committed once every delivery of a poll is acked.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

const headerContentType = "content-type"

// Producer is the subset of *kgo.Client used to send.
type Producer interface {
	ProduceSync(ctx context.Context, rec *kgo.Record) error
}

// Consumer polls one consumer group.
type Consumer interface {
	Poll(ctx context.Context) ([]*kgo.Record, error)
	Commit(ctx context.Context, recs ...*kgo.Record) error
	Close()
}

// ConsumerFactory joins group and consumes topics.
type ConsumerFactory func(group string, topics []string) (Consumer, error)

// Adapter implements cbus.Transport using an injected producer and consumer factory.
type Adapter struct {
	Producer  Producer
	Consumers ConsumerFactory
	cleanup   func()
}

var _ cbus.Transport = (*Adapter)(nil)

// New creates a new Kafka adapter.
func New(p Producer, c ConsumerFactory) *Adapter { return &Adapter{Producer: p, Consumers: c} }

// Topic maps an exchange and routing key to a Kafka topic.
func Topic(exchange, routingKey string) string { return exchange + "." + routingKey }

func wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("kafka %s: %w", op, errors.Join(berr.ErrTransport, err))
}

// Send produces msg keyed by its message id and waits for the broker acks.
// A mandatory message sent to a missing topic fails with errors.ErrUnroutable.
func (a *Adapter) Send(ctx context.Context, msg cbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Producer == nil {
		return fmt.Errorf("kafka send: no producer: %w", berr.ErrTransport)
	}

	topic := Topic(msg.Exchange, msg.RoutingKey)
	rec := &kgo.Record{Topic: topic, Key: []byte(msg.MessageID), Value: msg.Body}

	rec.Headers = make([]kgo.RecordHeader, 0, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if msg.ContentType != "" {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: headerContentType, Value: []byte(msg.ContentType)})
	}

	if err := a.Producer.ProduceSync(ctx, rec); err != nil {
		if msg.Mandatory && errors.Is(err, kerr.UnknownTopicOrPartition) {
			return fmt.Errorf("kafka send to %q: %w", topic, errors.Join(berr.ErrUnroutable, err))
		}

		return wrap("send to "+topic, err)
	}

	return nil
}

// Receive joins the consumer group named after sub.Queue and dispatches every record
// of a poll concurrently. Acked records are committed after the whole poll is handled.
func (a *Adapter) Receive(ctx context.Context, sub cbus.Subscription, fn cbus.DeliveryFunc) error {
	if a.Consumers == nil {
		return fmt.Errorf("kafka receive: no consumer factory: %w", berr.ErrTransport)
	}

	keys := make(map[string]string, len(sub.RoutingKeys))
	topics := make([]string, 0, len(sub.RoutingKeys))

	for _, rk := range sub.RoutingKeys {
		t := Topic(sub.Exchange, rk)
		keys[t] = rk
		topics = append(topics, t)
	}

	c, err := a.Consumers(sub.Queue, topics)
	if err != nil {
		return wrap("join group "+sub.Queue, err)
	}
	defer c.Close()

	if sub.OnReady != nil {
		sub.OnReady()
	}

	for {
		recs, err := c.Poll(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if err != nil {
			return wrap("poll "+sub.Queue, err)
		}

		acked := a.dispatch(ctx, recs, keys, fn)
		if len(acked) == 0 {
			continue
		}

		if err := c.Commit(ctx, acked...); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return wrap("commit "+sub.Queue, err)
		}
	}
}

func (a *Adapter) dispatch(
	ctx context.Context,
	recs []*kgo.Record,
	keys map[string]string,
	fn cbus.DeliveryFunc,
) []*kgo.Record {
	ds := make([]*delivery, len(recs))

	var wg sync.WaitGroup
	for i, r := range recs {
		ds[i] = &delivery{rec: r, routingKey: keys[r.Topic]}
		wg.Go(func() { fn(ctx, ds[i]) })
	}

	wg.Wait()

	acked := make([]*kgo.Record, 0, len(ds))

	for _, d := range ds {
		if d.acked.Load() {
			acked = append(acked, d.rec)
		}
	}

	return acked
}

// Close releases the client when the adapter owns one.
func (a *Adapter) Close() error {
	if a.cleanup != nil {
		a.cleanup()
	}

	return nil
}

type delivery struct {
	rec        *kgo.Record
	routingKey string
	acked      atomic.Bool
}

func (d *delivery) RoutingKey() string { return d.routingKey }
func (d *delivery) MessageID() string  { return string(d.rec.Key) }
func (d *delivery) Body() []byte       { return d.rec.Value }

func (d *delivery) Headers() map[string]string {
	h := make(map[string]string, len(d.rec.Headers))
	for _, rh := range d.rec.Headers {
		h[rh.Key] = string(rh.Value)
	}

	return h
}

func (d *delivery) Ack() error {
	if !d.acked.CompareAndSwap(false, true) {
		return fmt.Errorf("kafka ack %s: already acknowledged", d.MessageID())
	}

	return nil
}
