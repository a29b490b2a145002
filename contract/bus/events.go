package bus

import "github.com/google/uuid"

// DomainEvent represents an in-process fact raised by an aggregate. It is dispatched
// synchronously to every bound handler once the aggregate has been committed.
type DomainEvent interface{ OccurrenceID() uuid.UUID }

// IntegrationEvent represents an event destined for the broker. Its routing key is
// resolved through the subscription registry, never from the value itself.
type IntegrationEvent interface{ EventID() uuid.UUID }
