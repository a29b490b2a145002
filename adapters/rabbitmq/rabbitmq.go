package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

const (
	defaultPrefetch    = 16
	defaultConnectWait = 5 * time.Second
)

// Adapter implements cbus.Transport over RabbitMQ.
type Adapter struct {
	src         ChannelSource
	closer      func() error
	logger      *slog.Logger
	prefetch    int
	consumerTag string
	connectWait time.Duration
}

var _ cbus.Transport = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithPrefetch bounds unacknowledged deliveries per consumer.
func WithPrefetch(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.prefetch = n
		}
	}
}

// WithConsumerTag names the consumer on the broker. Empty lets the server pick one.
func WithConsumerTag(tag string) Option {
	return func(a *Adapter) { a.consumerTag = tag }
}

// WithConnectWait bounds how long Send and CheckQueue wait for a live connection
// before failing with errors.ErrTransport. Receive always waits. Defaults to 5s.
func WithConnectWait(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.connectWait = d
		}
	}
}

// New wraps a channel source.
func New(src ChannelSource, opts ...Option) *Adapter {
	a := &Adapter{src: src, logger: slog.Default(), prefetch: defaultPrefetch, connectWait: defaultConnectWait}
	for _, o := range opts {
		o(a)
	}

	return a
}

func transportErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if errors.Is(err, berr.ErrTransport) {
		return fmt.Errorf("rabbitmq %s: %w", op, err)
	}

	return fmt.Errorf("rabbitmq %s: %w", op, errors.Join(berr.ErrTransport, err))
}

func (a *Adapter) channel(ctx context.Context, op string) (Channel, error) {
	if a.src == nil {
		return nil, fmt.Errorf("rabbitmq %s: no connection: %w", op, berr.ErrTransport)
	}

	ch, err := a.src.Channel(ctx)
	if err != nil {
		return nil, transportErr(op, err)
	}

	return ch, nil
}

// liveChannel is channel with the wait for a connection bounded by connectWait.
func (a *Adapter) liveChannel(ctx context.Context, op string) (Channel, error) {
	waitCtx, cancel := context.WithTimeout(ctx, a.connectWait)
	defer cancel()

	ch, err := a.channel(waitCtx, op)
	if err != nil && ctx.Err() == nil && waitCtx.Err() != nil {
		return nil, fmt.Errorf("rabbitmq %s: no live connection after %s: %w", op, a.connectWait, berr.ErrTransport)
	}

	return ch, err
}

func declareExchange(ch Channel, name string) error {
	return ch.ExchangeDeclare(name, amqp.ExchangeDirect, true, false, false, false, nil)
}

// Send publishes msg on a fresh confirm-mode channel and waits for the broker's ack.
// A mandatory message the broker returns fails with errors.ErrUnroutable.
func (a *Adapter) Send(ctx context.Context, msg cbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	op := "send " + msg.RoutingKey

	ch, err := a.liveChannel(ctx, op)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := declareExchange(ch, msg.Exchange); err != nil {
		return transportErr(op, err)
	}

	if err := ch.Confirm(false); err != nil {
		return transportErr(op, err)
	}

	returns := ch.NotifyReturn(make(chan amqp.Return, 1))
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	pub := amqp.Publishing{
		MessageId:   msg.MessageID,
		ContentType: msg.ContentType,
		Headers:     toTable(msg.Headers),
		Timestamp:   time.Now().UTC(),
		Body:        msg.Body,
	}
	if msg.Persistent {
		pub.DeliveryMode = amqp.Persistent
	}

	if err := ch.PublishWithContext(ctx, msg.Exchange, msg.RoutingKey, msg.Mandatory, false, pub); err != nil {
		return transportErr(op, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case c, ok := <-confirms:
		if !ok {
			return transportErr(op, errors.New("channel closed before confirm"))
		}

		// a return is dispatched before the ack of the same message
		select {
		case r := <-returns:
			return fmt.Errorf("rabbitmq %s: %s: %w", op, r.ReplyText, berr.ErrUnroutable)
		default:
		}

		if !c.Ack {
			return transportErr(op, fmt.Errorf("broker nacked delivery %d", c.DeliveryTag))
		}

		return nil
	}
}

// Receive declares the durable queue, binds every routing key of sub to the exchange
// and consumes with manual acknowledgement until ctx is done or the channel closes.
// Handlers still running when it returns are not awaited.
func (a *Adapter) Receive(ctx context.Context, sub cbus.Subscription, fn cbus.DeliveryFunc) error {
	op := "receive " + sub.Queue

	ch, err := a.channel(ctx, op)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return err
	}
	defer ch.Close()

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	if err := declareExchange(ch, sub.Exchange); err != nil {
		return transportErr(op, err)
	}

	if _, err := ch.QueueDeclare(sub.Queue, true, false, false, false, nil); err != nil {
		return transportErr(op, err)
	}

	for _, rk := range sub.RoutingKeys {
		if err := ch.QueueBind(sub.Queue, rk, sub.Exchange, false, nil); err != nil {
			return transportErr(op, fmt.Errorf("bind %s: %w", rk, err))
		}
	}

	if err := ch.Qos(a.prefetch, 0, false); err != nil {
		return transportErr(op, err)
	}

	deliveries, err := ch.Consume(sub.Queue, a.consumerTag, false, false, false, false, nil)
	if err != nil {
		return transportErr(op, err)
	}

	if sub.OnReady != nil {
		sub.OnReady()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return transportErr(op, errors.New("channel closed"))
			}

			a.logger.WarnContext(ctx, "rabbitmq channel closed",
				slog.String("queue", sub.Queue),
				slog.Int("code", amqpErr.Code),
				slog.String("reason", amqpErr.Reason),
			)

			return transportErr(op, amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}

				return transportErr(op, errors.New("delivery stream closed"))
			}

			go fn(ctx, delivery{d: d})
		}
	}
}

// CheckQueue passively declares queue; it fails when the broker is unreachable
// or the queue does not exist.
func (a *Adapter) CheckQueue(ctx context.Context, queue string) error {
	op := "check " + queue

	ch, err := a.liveChannel(ctx, op)
	if err != nil {
		return err
	}
	defer ch.Close()

	if _, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil); err != nil {
		return transportErr(op, err)
	}

	return nil
}

// Close closes the underlying connection when the adapter owns one.
func (a *Adapter) Close() error {
	if a.closer == nil {
		return nil
	}

	return a.closer()
}

type delivery struct{ d amqp.Delivery }

func (d delivery) RoutingKey() string         { return d.d.RoutingKey }
func (d delivery) MessageID() string          { return d.d.MessageId }
func (d delivery) Headers() map[string]string { return fromTable(d.d.Headers) }
func (d delivery) Body() []byte               { return d.d.Body }
func (d delivery) Ack() error                 { return d.d.Ack(false) }

func toTable(h map[string]string) amqp.Table {
	if len(h) == 0 {
		return nil
	}

	t := make(amqp.Table, len(h))
	for k, v := range h {
		t[k] = v
	}

	return t
}

// fromTable flattens AMQP header values. Other clients send strings as []byte.
func fromTable(t amqp.Table) map[string]string {
	h := make(map[string]string, len(t))

	for k, v := range t {
		switch val := v.(type) {
		case string:
			h[k] = val
		case []byte:
			h[k] = string(val)
		case nil:
		default:
			h[k] = fmt.Sprint(val)
		}
	}

	return h
}
