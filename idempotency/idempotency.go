// Package idempotency keeps integration event handlers from running twice for the
// same event id. Claims live in Redis with a TTL.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
)

const (
	DefaultTTL    = 24 * time.Hour
	DefaultPrefix = "eventbus:processed:"
)

// Claimer records that a handler processed an event.
type Claimer interface {
	// Claim reports true when key was not claimed before.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets key so the event may be handled again.
	Release(ctx context.Context, key string) error
}

// RedisStore implements Claimer with SET NX.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ Claimer = (*RedisStore)(nil)

// NewRedisStore creates a store. Zero ttl means DefaultTTL.
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &RedisStore{client: client, prefix: DefaultPrefix, ttl: ttl}
}

func (s *RedisStore) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, time.Now().UTC().Format(time.RFC3339Nano), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claiming %s: %w", key, err)
	}

	return ok, nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("releasing %s: %w", key, err)
	}

	return nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Connect parses redisURL and pings the server.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return client, nil
}

type handler[E cbus.IntegrationEvent] struct {
	claims Claimer
	name   string
	next   cbus.IntegrationEventHandler[E]
	logger *slog.Logger
}

// Wrap runs next at most once per event id for the handler called name.
// A failed run releases its claim. When the store is unavailable next runs anyway.
// Events with a nil id are never deduplicated.
func Wrap[E cbus.IntegrationEvent](
	claims Claimer,
	name string,
	next cbus.IntegrationEventHandler[E],
	logger *slog.Logger,
) cbus.IntegrationEventHandler[E] {
	if logger == nil {
		logger = slog.Default()
	}

	return &handler[E]{claims: claims, name: name, next: next, logger: logger}
}

func (h *handler[E]) Handle(ctx context.Context, e E) error {
	id := e.EventID()
	if id == uuid.Nil {
		return h.next.Handle(ctx, e)
	}

	key := h.name + ":" + id.String()

	fresh, err := h.claims.Claim(ctx, key)
	if err != nil {
		h.logger.WarnContext(ctx, "idempotency store unavailable, handling anyway",
			slog.String("handler", h.name),
			slog.String("error", err.Error()),
		)

		return h.next.Handle(ctx, e)
	}

	if !fresh {
		h.logger.DebugContext(ctx, "event already handled",
			slog.String("handler", h.name),
			slog.String("event_id", id.String()),
		)

		return nil
	}

	if err := h.next.Handle(ctx, e); err != nil {
		if rerr := h.claims.Release(ctx, key); rerr != nil {
			h.logger.WarnContext(ctx, "failed to release idempotency claim",
				slog.String("handler", h.name),
				slog.String("error", rerr.Error()),
			)
		}

		return err
	}

	return nil
}
