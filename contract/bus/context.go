package bus

import "context"

// Context is re-exported for convenience in handler signatures.
type Context = context.Context

// HeaderPropagator carries tracing context across process boundaries through a flat header map.
// Inject mutates headers; Extract returns a context derived from ctx carrying the remote parent.
// Implementations must be safe for concurrent use.
type HeaderPropagator interface {
	Inject(ctx context.Context, headers map[string]string)
	Extract(ctx context.Context, headers map[string]string) context.Context
}

// NopHeaderPropagator is a no-op implementation useful for tests or when tracing is disabled.
type NopHeaderPropagator struct{}

func (NopHeaderPropagator) Inject(context.Context, map[string]string) {}

func (NopHeaderPropagator) Extract(ctx context.Context, _ map[string]string) context.Context {
	return ctx
}
