package bus

import "context"

// DomainEventHandler handles domain events of type E.
// Implementations must be safe for concurrent use by multiple goroutines.
type DomainEventHandler[E DomainEvent] interface {
	Handle(ctx context.Context, e E) error
}

// IntegrationEventHandler handles integration events of type E delivered by the consumer.
// A fresh handler is built per message, so implementations may hold per-message state.
type IntegrationEventHandler[E IntegrationEvent] interface {
	Handle(ctx context.Context, e E) error
}
