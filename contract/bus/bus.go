package bus

import "context"

// Bus is a minimal, tech-agnostic view of the in-process domain event bus.
//
// Typed helpers remain available via generic helper functions in the servicebus package.
type Bus interface {
	BindDomainEventOf(sample any, handler func(ctx context.Context, v any) error) error

	PublishDomain(ctx context.Context, event DomainEvent) error
	PublishIntegration(ctx context.Context, event IntegrationEvent, opts PublishOptions) error

	Close() error
}
