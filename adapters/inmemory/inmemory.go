/*
Package inmemory provides an in-process broker implementing the bus transport contracts.
It routes by exchange and routing key like a direct exchange, honours the mandatory flag,
counts acknowledgements and can inject send or receive failures. Use it for tests,
examples and single-process deployments.
*/
package inmemory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Broker is a thread-safe in-memory direct-exchange broker.
type Broker struct {
	mu       sync.Mutex
	bindings map[string]map[string]map[string]struct{} // exchange -> routing key -> queues
	queues   map[string]*queue
	sent     []cbus.Message
	sendErrs []error
	recvErrs []error
	closed   bool

	acked atomic.Int64
}

var _ cbus.Transport = (*Broker)(nil)

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		bindings: make(map[string]map[string]map[string]struct{}),
		queues:   make(map[string]*queue),
	}
}

type queue struct {
	mu      sync.Mutex
	pending []*delivery
	notify  chan struct{}
}

func (q *queue) push(d *delivery) {
	q.mu.Lock()
	q.pending = append(q.pending, d)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) drain() []*delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.pending
	q.pending = nil

	return out
}

type delivery struct {
	msg   cbus.Message
	acked atomic.Bool
	b     *Broker
}

func (d *delivery) RoutingKey() string         { return d.msg.RoutingKey }
func (d *delivery) MessageID() string          { return d.msg.MessageID }
func (d *delivery) Headers() map[string]string { return d.msg.Headers }
func (d *delivery) Body() []byte               { return d.msg.Body }

func (d *delivery) Ack() error {
	if !d.acked.CompareAndSwap(false, true) {
		return fmt.Errorf("inmemory ack %s: already acknowledged", d.msg.MessageID)
	}

	d.b.acked.Add(1)

	return nil
}

// FailNextSend makes the next len(errs) Send calls return errs in order.
func (b *Broker) FailNextSend(errs ...error) {
	b.mu.Lock()
	b.sendErrs = append(b.sendErrs, errs...)
	b.mu.Unlock()
}

// FailNextReceive makes the next len(errs) Receive calls return errs immediately.
func (b *Broker) FailNextReceive(errs ...error) {
	b.mu.Lock()
	b.recvErrs = append(b.recvErrs, errs...)
	b.mu.Unlock()
}

// Send routes msg to every queue bound to its exchange and routing key.
func (b *Broker) Send(ctx context.Context, msg cbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("inmemory send: %w", errors.Join(berr.ErrTransport, berr.ErrClosed))
	}

	if len(b.sendErrs) > 0 {
		err := b.sendErrs[0]
		b.sendErrs = b.sendErrs[1:]

		return err
	}

	targets := b.bindings[msg.Exchange][msg.RoutingKey]
	if len(targets) == 0 && msg.Mandatory {
		return fmt.Errorf("inmemory send %s/%s: %w", msg.Exchange, msg.RoutingKey, berr.ErrUnroutable)
	}

	msg.Headers = maps.Clone(msg.Headers)
	b.sent = append(b.sent, msg)

	for name := range targets {
		b.queues[name].push(&delivery{msg: msg, b: b})
	}

	return nil
}

// Declare creates the queue and its bindings without consuming.
func (b *Broker) Declare(sub cbus.Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.declareLocked(sub)
}

func (b *Broker) declareLocked(sub cbus.Subscription) *queue {
	q, ok := b.queues[sub.Queue]
	if !ok {
		q = &queue{notify: make(chan struct{}, 1)}
		b.queues[sub.Queue] = q
	}

	keys, ok := b.bindings[sub.Exchange]
	if !ok {
		keys = make(map[string]map[string]struct{})
		b.bindings[sub.Exchange] = keys
	}

	for _, rk := range sub.RoutingKeys {
		if keys[rk] == nil {
			keys[rk] = make(map[string]struct{})
		}

		keys[rk][sub.Queue] = struct{}{}
	}

	return q
}

// Receive declares sub and dispatches every delivery on its own goroutine until ctx is done.
func (b *Broker) Receive(ctx context.Context, sub cbus.Subscription, fn cbus.DeliveryFunc) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("inmemory receive: %w", errors.Join(berr.ErrTransport, berr.ErrClosed))
	}

	if len(b.recvErrs) > 0 {
		err := b.recvErrs[0]
		b.recvErrs = b.recvErrs[1:]
		b.mu.Unlock()

		return err
	}

	q := b.declareLocked(sub)
	b.mu.Unlock()

	if sub.OnReady != nil {
		sub.OnReady()
	}

	for {
		for _, d := range q.drain() {
			go fn(ctx, d)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
		}
	}
}

// Close rejects further sends and receives.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	return nil
}

// Sent returns a copy of every routed message.
func (b *Broker) Sent() []cbus.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]cbus.Message(nil), b.sent...)
}

// Acked reports the number of acknowledged deliveries.
func (b *Broker) Acked() int { return int(b.acked.Load()) }

// Pending reports deliveries waiting in queue name.
func (b *Broker) Pending(name string) int {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()

	if !ok {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// Publisher is a thread-safe recording cbus.EventPublisher.
type Publisher struct {
	mu      sync.Mutex
	Events  []cbus.IntegrationEvent
	Options []cbus.PublishOptions
	Err     error
}

var _ cbus.EventPublisher = (*Publisher)(nil)

func (p *Publisher) PublishIntegration(
	_ context.Context,
	e cbus.IntegrationEvent,
	opts cbus.PublishOptions,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Err != nil {
		return p.Err
	}

	p.Events = append(p.Events, e)
	p.Options = append(p.Options, opts)

	return nil
}

// Len reports the number of recorded events.
func (p *Publisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.Events)
}
