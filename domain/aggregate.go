// Package domain holds the aggregate root base that records domain events until commit.
package domain

import (
	"sync"
	"time"

	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
)

// Occurrence identifies one raised domain event. Embed it in domain event structs.
type Occurrence struct {
	ID         uuid.UUID `json:"occurrence_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewOccurrence stamps a fresh occurrence.
func NewOccurrence() Occurrence {
	return Occurrence{ID: uuid.New(), OccurredAt: time.Now().UTC()}
}

func (o Occurrence) OccurrenceID() uuid.UUID { return o.ID }

// AggregateRoot records domain events raised while mutating an aggregate.
// Embed it by value; the zero value is ready to use.
type AggregateRoot struct {
	mu     sync.Mutex
	events []cbus.DomainEvent
}

// Raise records e for dispatch after commit.
func (a *AggregateRoot) Raise(e cbus.DomainEvent) {
	a.mu.Lock()
	a.events = append(a.events, e)
	a.mu.Unlock()
}

// PullDomainEvents returns the recorded events and clears the list.
func (a *AggregateRoot) PullDomainEvents() []cbus.DomainEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := a.events
	a.events = nil

	return out
}

// PendingEvents reports how many events wait for commit.
func (a *AggregateRoot) PendingEvents() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.events)
}
