package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Bus is a thin in-process mediator for domain events with an optional integration
// event publisher. It is concurrency-safe and contains no global state.
type Bus struct {
	mu      sync.RWMutex
	dom     map[reflect.Type][]domainEntry
	bridged map[reflect.Type]struct{}

	pub    cbus.EventPublisher
	logger *slog.Logger
	closed atomic.Bool
}

var _ cbus.Bus = (*Bus)(nil)

type domainEntry struct {
	name string
	call func(ctx context.Context, e any) error
}

// New constructs a Bus. pub may be nil when no bridge is bound.
func New(pub cbus.EventPublisher, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		dom:     make(map[reflect.Type][]domainEntry),
		bridged: make(map[reflect.Type]struct{}),
		pub:     pub,
		logger:  logger,
	}
}

func (b *Bus) bind(t reflect.Type, e domainEntry) {
	b.mu.Lock()
	b.dom[t] = append(b.dom[t], e)
	b.mu.Unlock()
}

// BindDomainEventOf registers an untyped handler for the type of sample.
func (b *Bus) BindDomainEventOf(sample any, handler func(ctx context.Context, e any) error) error {
	t := reflect.TypeOf(sample)
	b.bind(t, domainEntry{name: fmt.Sprintf("%T", handler), call: handler})

	return nil
}

// BindDomainEvent registers a domain event handler. Multiple handlers are allowed.
func BindDomainEvent[E cbus.DomainEvent](b *Bus, h cbus.DomainEventHandler[E]) error {
	b.bind(reflect.TypeFor[E](), domainEntry{
		name: fmt.Sprintf("%T", h),
		call: func(ctx context.Context, v any) error {
			e, ok := v.(E)
			if !ok {
				return fmt.Errorf("publish domain %s: %w", reflect.TypeOf(v).String(), berr.ErrHandlerTypeMismatch)
			}

			return h.Handle(ctx, e)
		},
	})

	return nil
}

// BindDomainEventFunc registers a function as a domain event handler.
func BindDomainEventFunc[E cbus.DomainEvent](b *Bus, fn func(ctx context.Context, e E) error) error {
	return BindDomainEvent[E](b, domainHandlerFunc[E](fn))
}

type domainHandlerFunc[E cbus.DomainEvent] func(ctx context.Context, e E) error

func (f domainHandlerFunc[E]) Handle(ctx context.Context, e E) error { return f(ctx, e) }

// PublishDomain invokes every handler bound to the type of e, in registration order,
// and waits for all of them. All errors are aggregated with errors.Join and returned.
func (b *Bus) PublishDomain(ctx context.Context, e cbus.DomainEvent) error {
	if b.closed.Load() {
		return fmt.Errorf("publish domain %T: %w", e, berr.ErrClosed)
	}

	b.mu.RLock()
	entries := append([]domainEntry(nil), b.dom[reflect.TypeOf(e)]...)
	b.mu.RUnlock()

	if len(entries) == 0 {
		return nil
	}

	var errs []error

	for _, ent := range entries {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}

		if err := ent.call(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// PublishIntegration publishes an integration event via the configured EventPublisher.
func (b *Bus) PublishIntegration(ctx context.Context, e cbus.IntegrationEvent, opts cbus.PublishOptions) error {
	if b.pub == nil {
		return fmt.Errorf("publish integration %T: %w", e, berr.ErrAsyncNotConfigured)
	}

	return b.pub.PublishIntegration(ctx, e, opts)
}

// Handlers reports the number of handlers bound to the type of sample.
func (b *Bus) Handlers(sample any) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.dom[reflect.TypeOf(sample)])
}

// Close rejects further PublishDomain calls.
func (b *Bus) Close() error {
	b.closed.Store(true)
	return nil
}
