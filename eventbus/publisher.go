package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/metrics"
	"github.com/next-trace/scg-event-bus/registry"
	"github.com/next-trace/scg-event-bus/telemetry"
)

// Publisher defaults.
const (
	DefaultRetryCount      = 10
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second

	contentTypeJSON = "application/json"
)

// PublisherConfig controls addressing and the retry policy.
type PublisherConfig struct {
	// Exchange receives every message; see ExchangeName.
	Exchange string
	// RetryCount bounds the retries after the first attempt. Zero means DefaultRetryCount.
	RetryCount      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.RetryCount <= 0 {
		c.RetryCount = DefaultRetryCount
	}

	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultInitialInterval
	}

	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}

	return c
}

// Publisher implements cbus.EventPublisher over a cbus.Sender.
// It is safe for concurrent use.
type Publisher struct {
	sender cbus.Sender
	reg    *registry.Registry
	cfg    PublisherConfig
	options
}

var _ cbus.EventPublisher = (*Publisher)(nil)

// NewPublisher validates cfg and returns a Publisher.
func NewPublisher(sender cbus.Sender, reg *registry.Registry, cfg PublisherConfig, opts ...Option) (*Publisher, error) {
	if sender == nil || reg == nil {
		return nil, fmt.Errorf("new publisher: sender and registry required: %w", berr.ErrConfigInvalid)
	}

	if cfg.Exchange == "" {
		return nil, fmt.Errorf("new publisher: exchange required: %w", berr.ErrConfigInvalid)
	}

	return &Publisher{
		sender:  sender,
		reg:     reg,
		cfg:     cfg.withDefaults(),
		options: buildOptions(opts),
	}, nil
}

// PublishIntegration sends evt to the configured exchange with its registry routing key.
//
// Unregistered types fail with ErrUnknownEventType before any network call. Only errors
// marked ErrTransport are retried; once the retries are exhausted the last error is
// returned wrapped with ErrPublishFailed. Context errors are returned unwrapped.
func (p *Publisher) PublishIntegration(ctx context.Context, evt cbus.IntegrationEvent, opts cbus.PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	desc, err := p.reg.Describe(evt)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	body, err := desc.Encode(evt)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	msgID := messageID(evt, opts)
	log := p.logger.With(slog.String("routing_key", desc.Key), slog.String("message_id", msgID))

	ctx, span := p.tel.StartPublish(ctx, desc.Key, msgID)
	defer span.End()

	headers := make(map[string]string, len(opts.Headers)+3)
	maps.Copy(headers, opts.Headers)
	p.tel.Inject(ctx, headers)

	msg := cbus.Message{
		Exchange:    p.cfg.Exchange,
		RoutingKey:  desc.Key,
		MessageID:   msgID,
		ContentType: contentTypeJSON,
		Persistent:  true,
		Mandatory:   true,
		Headers:     headers,
		Body:        body,
	}

	start := time.Now()
	attempts := 0

	send := func() error {
		attempts++

		sendErr := p.sender.Send(ctx, msg)
		if sendErr == nil || isTransient(sendErr) {
			return sendErr
		}

		return backoff.Permanent(sendErr)
	}

	onRetry := func(err error, wait time.Duration) {
		p.metrics.IncPublishRetry(desc.Key)
		log.WarnContext(ctx, "integration event publish attempt failed, retrying",
			slog.Int("attempt", attempts),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}

	err = backoff.RetryNotify(send, p.policy(ctx), onRetry)
	if err != nil {
		telemetry.RecordError(span, err)
		p.metrics.ObservePublish(desc.Key, metrics.StatusFailed, time.Since(start))
		log.ErrorContext(ctx, "integration event publish failed",
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("publish %s: %w", desc.Key, errors.Join(berr.ErrPublishFailed, err))
	}

	p.metrics.ObservePublish(desc.Key, metrics.StatusSuccess, time.Since(start))
	log.DebugContext(ctx, "integration event published", slog.Int("attempts", attempts))

	return nil
}

func (p *Publisher) policy(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.InitialInterval
	eb.MaxInterval = p.cfg.MaxInterval
	eb.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.cfg.RetryCount)), ctx)
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	return errors.Is(err, berr.ErrTransport) && !errors.Is(err, berr.ErrUnroutable)
}

func messageID(evt cbus.IntegrationEvent, opts cbus.PublishOptions) string {
	if opts.MessageID != "" {
		return opts.MessageID
	}

	if id := evt.EventID(); id != uuid.Nil {
		return id.String()
	}

	return uuid.NewString()
}
