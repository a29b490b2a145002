// Package identity is a small user domain that exercises the whole pipeline: the
// User aggregate raises UserCreatedDomainEvent, the bridge publishes
// UserCreatedIntegrationEvent, and the consumer side indexes the user and sends a
// welcome mail.
package identity

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/next-trace/scg-event-bus/domain"
	"github.com/next-trace/scg-event-bus/servicebus"
)

// User is the identity aggregate.
type User struct {
	domain.AggregateRoot

	ID        uuid.UUID
	Email     string
	Name      string
	CreatedAt time.Time
}

// NewUser creates a user and records UserCreatedDomainEvent.
func NewUser(email, name string) (*User, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}

	u := &User{
		ID:        uuid.New(),
		Email:     addr.Address,
		Name:      strings.TrimSpace(name),
		CreatedAt: time.Now().UTC(),
	}

	u.Raise(UserCreatedDomainEvent{
		Occurrence: domain.NewOccurrence(),
		UserID:     u.ID,
		Email:      u.Email,
		Name:       u.Name,
	})

	return u, nil
}

// Repository persists users.
type Repository interface {
	Save(ctx context.Context, u *User) error
}

// MemoryRepository keeps users in a map.
type MemoryRepository struct {
	mu    sync.RWMutex
	users map[uuid.UUID]User
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{users: make(map[uuid.UUID]User)}
}

func (r *MemoryRepository) Save(_ context.Context, u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.users[u.ID] = User{ID: u.ID, Email: u.Email, Name: u.Name, CreatedAt: u.CreatedAt}

	return nil
}

func (r *MemoryRepository) Get(id uuid.UUID) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]

	return u, ok
}

// Service registers users and hands their domain events to the queue after saving.
type Service struct {
	repo  Repository
	queue *servicebus.Queue
}

func NewService(repo Repository, queue *servicebus.Queue) *Service {
	return &Service{repo: repo, queue: queue}
}

// Register saves a new user; its events are enqueued only once the save succeeded.
func (s *Service) Register(ctx context.Context, email, name string) (*User, error) {
	u, err := NewUser(email, name)
	if err != nil {
		return nil, err
	}

	if err := s.repo.Save(ctx, u); err != nil {
		return nil, fmt.Errorf("saving user %s: %w", u.ID, err)
	}

	if err := s.queue.EnqueueFrom(u); err != nil {
		return u, fmt.Errorf("enqueue events of user %s: %w", u.ID, err)
	}

	return u, nil
}
