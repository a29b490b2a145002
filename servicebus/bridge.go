package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Bridge binds the handler that publishes translate(d) for every occurrence d of D.
// Only one bridge per domain event type is allowed. The bus must have a publisher.
//
// A translation failure is logged and returned wrapped with ErrBridgeTranslation.
// Publish failures are returned as-is; the publisher has already retried them.
func Bridge[D cbus.DomainEvent, I cbus.IntegrationEvent](b *Bus, translate func(ctx context.Context, d D) (I, error)) error {
	t := reflect.TypeFor[D]()

	if b.pub == nil {
		return fmt.Errorf("bridge %s: %w", t, berr.ErrAsyncNotConfigured)
	}

	b.mu.Lock()
	if _, exists := b.bridged[t]; exists {
		b.mu.Unlock()
		return fmt.Errorf("bridge %s: %w", t, berr.ErrHandlerExists)
	}

	b.bridged[t] = struct{}{}
	b.mu.Unlock()

	b.bind(t, domainEntry{
		name: "bridge " + t.String(),
		call: func(ctx context.Context, v any) error {
			d, ok := v.(D)
			if !ok {
				return fmt.Errorf("bridge %T: %w", v, berr.ErrHandlerTypeMismatch)
			}

			evt, err := translate(ctx, d)
			if err != nil {
				b.logger.ErrorContext(ctx, "domain event could not be translated",
					slog.String("domain_event", t.String()),
					slog.String("occurrence_id", d.OccurrenceID().String()),
					slog.String("error", err.Error()),
				)

				return fmt.Errorf("bridge %s: %w", t, errors.Join(berr.ErrBridgeTranslation, err))
			}

			return b.pub.PublishIntegration(ctx, evt, cbus.PublishOptions{})
		},
	})

	return nil
}
