// Package nats provides a NATS transport for the event bus. Subjects are
// "<exchange>.<routing key>" and consumers share a queue group named after the queue.
// Core NATS has no acknowledgements or returns: Ack is a no-op and the mandatory
// flag is not enforced.
package nats

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync/atomic"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

const (
	// HeaderMessageID carries the message id. It doubles as the JetStream dedupe header.
	HeaderMessageID   = "Nats-Msg-Id"
	HeaderContentType = "Content-Type"
)

// Msg is one message as seen by the adapter.
type Msg struct {
	Subject string
	Headers map[string]string
	Data    []byte
}

// Client is a minimal NATS-like interface decoupled from any concrete library.
type Client interface {
	// Publish publishes a message to a subject with optional headers.
	Publish(subject string, data []byte, headers map[string]string) error
	// QueueSubscribe delivers messages on subject to one member of queue.
	QueueSubscribe(subject, queue string, fn func(Msg)) (unsubscribe func() error, err error)
	// Closed is closed once the connection is permanently gone.
	Closed() <-chan struct{}
}

// Adapter implements cbus.Transport using an injected NATS-like Client.
type Adapter struct {
	Client  Client
	cleanup func()
}

var _ cbus.Transport = (*Adapter)(nil)

// New creates a new NATS adapter instance with the provided client.
func New(c Client) *Adapter { return &Adapter{Client: c} }

// Subject maps an exchange and routing key to a NATS subject.
func Subject(exchange, routingKey string) string { return exchange + "." + routingKey }

func wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("nats %s: %w", op, errors.Join(berr.ErrTransport, err))
}

func (a *Adapter) ready(ctx context.Context, label string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if a.Client == nil {
		return fmt.Errorf("nats %s: no client: %w", label, berr.ErrTransport)
	}

	return nil
}

// Send publishes msg on its subject.
func (a *Adapter) Send(ctx context.Context, msg cbus.Message) error {
	if err := a.ready(ctx, "send"); err != nil {
		return err
	}

	headers := make(map[string]string, len(msg.Headers)+2)
	maps.Copy(headers, msg.Headers)

	if msg.MessageID != "" {
		headers[HeaderMessageID] = msg.MessageID
	}

	if msg.ContentType != "" {
		headers[HeaderContentType] = msg.ContentType
	}

	if err := a.Client.Publish(Subject(msg.Exchange, msg.RoutingKey), msg.Body, headers); err != nil {
		return wrap("send "+msg.RoutingKey, err)
	}

	return nil
}

// Receive subscribes the queue group to every routing key of sub until ctx is done
// or the connection closes. Handlers still running when it returns are not awaited.
func (a *Adapter) Receive(ctx context.Context, sub cbus.Subscription, fn cbus.DeliveryFunc) error {
	if err := a.ready(ctx, "receive"); err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return err
	}

	unsubs := make([]func() error, 0, len(sub.RoutingKeys))
	defer func() {
		for _, u := range unsubs {
			_ = u()
		}
	}()

	for _, rk := range sub.RoutingKeys {
		u, err := a.Client.QueueSubscribe(Subject(sub.Exchange, rk), sub.Queue, func(m Msg) {
			go fn(ctx, &delivery{routingKey: rk, msg: m})
		})
		if err != nil {
			return wrap("subscribe "+rk, err)
		}

		unsubs = append(unsubs, u)
	}

	if sub.OnReady != nil {
		sub.OnReady()
	}

	select {
	case <-ctx.Done():
		return nil
	case <-a.Client.Closed():
		return wrap("receive "+sub.Queue, errors.New("connection closed"))
	}
}

// Close releases the connection when the adapter owns one.
func (a *Adapter) Close() error {
	if a.cleanup != nil {
		a.cleanup()
	}

	return nil
}

type delivery struct {
	routingKey string
	msg        Msg
	acked      atomic.Bool
}

func (d *delivery) RoutingKey() string         { return d.routingKey }
func (d *delivery) MessageID() string          { return d.msg.Headers[HeaderMessageID] }
func (d *delivery) Headers() map[string]string { return d.msg.Headers }
func (d *delivery) Body() []byte               { return d.msg.Data }

func (d *delivery) Ack() error {
	if !d.acked.CompareAndSwap(false, true) {
		return fmt.Errorf("nats ack %s: already acknowledged", d.MessageID())
	}

	return nil
}
