package identity

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	"github.com/next-trace/scg-event-bus/eventbus"
	"github.com/next-trace/scg-event-bus/idempotency"
	"github.com/next-trace/scg-event-bus/servicebus"
)

// BindBridge publishes UserCreatedIntegrationEvent for every registered user.
func BindBridge(b *servicebus.Bus) error {
	return servicebus.Bridge(b, ToIntegration)
}

// SearchIndex receives new users.
type SearchIndex interface {
	IndexUser(ctx context.Context, id uuid.UUID) error
}

// Mailer sends the welcome mail.
type Mailer interface {
	SendWelcome(ctx context.Context, id uuid.UUID) error
}

type IndexUserHandler struct{ Index SearchIndex }

func (h IndexUserHandler) Handle(ctx context.Context, e UserCreatedIntegrationEvent) error {
	return h.Index.IndexUser(ctx, e.ID)
}

type WelcomeMailHandler struct{ Mailer Mailer }

func (h WelcomeMailHandler) Handle(ctx context.Context, e UserCreatedIntegrationEvent) error {
	return h.Mailer.SendWelcome(ctx, e.ID)
}

// Subscribe binds the consumer-side handlers. With a non-nil claimer each handler
// runs at most once per event id.
func Subscribe(h *eventbus.Handlers, idx SearchIndex, mailer Mailer, claims idempotency.Claimer, logger *slog.Logger) error {
	wrap := func(name string, next cbus.IntegrationEventHandler[UserCreatedIntegrationEvent]) func() cbus.IntegrationEventHandler[UserCreatedIntegrationEvent] {
		return func() cbus.IntegrationEventHandler[UserCreatedIntegrationEvent] {
			if claims == nil {
				return next
			}

			return idempotency.Wrap(claims, name, next, logger)
		}
	}

	if err := eventbus.Subscribe(h, wrap("search-index", IndexUserHandler{Index: idx})); err != nil {
		return err
	}

	return eventbus.Subscribe(h, wrap("welcome-mail", WelcomeMailHandler{Mailer: mailer}))
}

// LogSearchIndex and LogMailer stand in for real integrations.
type LogSearchIndex struct{ Logger *slog.Logger }

func (l LogSearchIndex) IndexUser(ctx context.Context, id uuid.UUID) error {
	l.Logger.InfoContext(ctx, "user indexed", slog.String("user_id", id.String()))
	return nil
}

type LogMailer struct{ Logger *slog.Logger }

func (l LogMailer) SendWelcome(ctx context.Context, id uuid.UUID) error {
	l.Logger.InfoContext(ctx, "welcome mail sent", slog.String("user_id", id.String()))
	return nil
}
