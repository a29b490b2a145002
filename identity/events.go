package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/next-trace/scg-event-bus/domain"
	"github.com/next-trace/scg-event-bus/registry"
)

var (
	ErrMissingUserID = errors.New("identity: missing user id")
	ErrInvalidEmail  = errors.New("identity: invalid email")
)

// UserCreatedDomainEvent is raised when a user registers.
type UserCreatedDomainEvent struct {
	domain.Occurrence
	UserID uuid.UUID
	Email  string
	Name   string
}

// UserCreatedIntegrationEvent announces a new user to other services. Only the id
// crosses the boundary.
type UserCreatedIntegrationEvent struct {
	ID uuid.UUID `json:"id"`
}

func (e UserCreatedIntegrationEvent) EventID() uuid.UUID { return e.ID }

// ToIntegration translates the domain event for publication.
func ToIntegration(_ context.Context, d UserCreatedDomainEvent) (UserCreatedIntegrationEvent, error) {
	if d.UserID == uuid.Nil {
		return UserCreatedIntegrationEvent{}, fmt.Errorf("user created %s: %w", d.OccurrenceID(), ErrMissingUserID)
	}

	return UserCreatedIntegrationEvent{ID: d.UserID}, nil
}

// RegisterEvents adds the identity integration events to b.
func RegisterEvents(b *registry.Builder) *registry.Builder {
	return registry.Register[UserCreatedIntegrationEvent](b)
}
