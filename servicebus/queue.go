package servicebus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/metrics"
)

// EventSource yields the domain events an aggregate recorded and forgets them.
type EventSource interface {
	PullDomainEvents() []cbus.DomainEvent
}

// Queue is an unbounded in-process queue of committed domain events. Run drains it in
// order into Bus.PublishDomain. Handler failures are logged and do not stop the loop.
type Queue struct {
	bus     *Bus
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	items  []cbus.DomainEvent
	notify chan struct{}
	closed bool
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets the logger. Defaults to the bus logger.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithQueueMetrics reports the queue depth.
func WithQueueMetrics(m *metrics.Metrics) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

// NewQueue returns an empty queue feeding b.
func NewQueue(b *Bus, opts ...QueueOption) *Queue {
	q := &Queue{bus: b, logger: b.logger, notify: make(chan struct{}, 1)}
	for _, o := range opts {
		o(q)
	}

	return q
}

// Enqueue appends events. It never blocks.
func (q *Queue) Enqueue(events ...cbus.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("enqueue %d domain events: %w", len(events), berr.ErrClosed)
	}

	q.items = append(q.items, events...)
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.SetDomainQueueDepth(depth)
	q.signal()

	return nil
}

// EnqueueFrom moves the pending events of src into the queue. Call it after the
// aggregate has been committed.
func (q *Queue) EnqueueFrom(src EventSource) error {
	return q.Enqueue(src.PullDomainEvents()...)
}

// Len reports the events waiting to be dispatched.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Close stops accepting events. Run dispatches what is left and returns. Run the queue
// on a context that outlives the shutdown signal, so Close can drain it.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Run dispatches queued events until ctx is done or the queue is closed and drained.
// Events still queued when ctx ends are logged one by one at error level, discarded,
// and reported in the returned error.
func (q *Queue) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return q.abandon(ctx)
		}

		ev, ok, closed := q.next()
		if ok {
			q.dispatch(ctx, ev)
			continue
		}

		if closed {
			return nil
		}

		select {
		case <-ctx.Done():
			return q.abandon(ctx)
		case <-q.notify:
		}
	}
}

func (q *Queue) abandon(ctx context.Context) error {
	q.mu.Lock()
	left := q.items
	q.items = nil
	q.mu.Unlock()

	if len(left) == 0 {
		return nil
	}

	q.metrics.SetDomainQueueDepth(0)

	logCtx := context.WithoutCancel(ctx)
	for _, ev := range left {
		q.logger.ErrorContext(logCtx, "domain event not dispatched, queue stopped",
			slog.String("domain_event", fmt.Sprintf("%T", ev)),
			slog.String("occurrence_id", ev.OccurrenceID().String()),
			slog.String("error", ctx.Err().Error()),
		)
	}

	return fmt.Errorf("domain queue stopped with %d events undispatched: %w", len(left), ctx.Err())
}

func (q *Queue) next() (cbus.DomainEvent, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false, q.closed
	}

	ev := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.metrics.SetDomainQueueDepth(len(q.items))

	return ev, true, q.closed
}

func (q *Queue) dispatch(ctx context.Context, ev cbus.DomainEvent) {
	if err := q.bus.PublishDomain(ctx, ev); err != nil {
		q.logger.ErrorContext(ctx, "domain event dispatch failed",
			slog.String("domain_event", fmt.Sprintf("%T", ev)),
			slog.String("occurrence_id", ev.OccurrenceID().String()),
			slog.String("error", err.Error()),
		)
	}
}
