package eventbus

import (
	"context"
	"fmt"
	"sync"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/registry"
)

// Handler is one resolved handler instance for a delivery.
type Handler struct {
	Name   string
	Handle func(ctx context.Context, evt cbus.IntegrationEvent) error
}

type factory struct {
	key   string
	build func() Handler
}

// safeBuild turns a panicking factory into a handler that fails with the panic.
func (f factory) safeBuild() (h Handler) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler factory for %s panicked: %v", f.key, r)
			h = Handler{
				Name:   "factory(" + f.key + ")",
				Handle: func(context.Context, cbus.IntegrationEvent) error { return err },
			}
		}
	}()

	return f.build()
}

// Handlers maps routing keys to handler factories. Factories run once per delivery,
// so every message gets fresh handler instances.
type Handlers struct {
	mu    sync.RWMutex
	reg   *registry.Registry
	byKey map[string][]factory
}

// NewHandlers returns an empty handler map validated against reg.
func NewHandlers(reg *registry.Registry) *Handlers {
	return &Handlers{reg: reg, byKey: make(map[string][]factory)}
}

// Subscribe adds a handler factory for E. Several factories may share one event type.
// E must be registered in the registry.
func Subscribe[E cbus.IntegrationEvent](h *Handlers, newHandler func() cbus.IntegrationEventHandler[E]) error {
	var zero E

	key, err := h.reg.KeyOf(zero)
	if err != nil {
		return fmt.Errorf("subscribe %T: %w", zero, err)
	}

	f := factory{key: key, build: func() Handler {
		inst := newHandler()

		return Handler{
			Name: fmt.Sprintf("%T", inst),
			Handle: func(ctx context.Context, v cbus.IntegrationEvent) error {
				e, ok := v.(E)
				if !ok {
					return fmt.Errorf("handle %T: %w", v, berr.ErrHandlerTypeMismatch)
				}

				return inst.Handle(ctx, e)
			},
		}
	}}

	h.mu.Lock()
	h.byKey[key] = append(h.byKey[key], f)
	h.mu.Unlock()

	return nil
}

// SubscribeFunc adds a stateless function handler for E.
func SubscribeFunc[E cbus.IntegrationEvent](h *Handlers, fn func(ctx context.Context, e E) error) error {
	return Subscribe(h, func() cbus.IntegrationEventHandler[E] { return handlerFunc[E](fn) })
}

type handlerFunc[E cbus.IntegrationEvent] func(ctx context.Context, e E) error

func (f handlerFunc[E]) Handle(ctx context.Context, e E) error { return f(ctx, e) }

// Resolve builds fresh handler instances for key. Unknown keys resolve to none.
// A factory that panics resolves to a handler returning the panic as its error.
func (h *Handlers) Resolve(key string) []Handler {
	h.mu.RLock()
	fs := h.byKey[key]
	h.mu.RUnlock()

	out := make([]Handler, 0, len(fs))
	for _, f := range fs {
		out = append(out, f.safeBuild())
	}

	return out
}

// Count reports the factories registered for key.
func (h *Handlers) Count(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.byKey[key])
}
