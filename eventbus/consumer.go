package eventbus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/trace"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/metrics"
	"github.com/next-trace/scg-event-bus/registry"
	"github.com/next-trace/scg-event-bus/telemetry"
)

// State of the consumer loop.
type State int32

const (
	StateStopped State = iota
	StateConnecting
	StateConsuming
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateConsuming:
		return "consuming"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Consumer defaults.
const (
	DefaultReconnectInitial = time.Second
	DefaultReconnectMax     = 30 * time.Second

	// auditTimeout bounds the audit write, which outlives a stopping consumer.
	auditTimeout = 5 * time.Second
)

var errFaultInjected = errors.New("fault injection marker found in message body")

// ConsumerConfig controls the subscription and the reconnect policy.
type ConsumerConfig struct {
	Queue string
	// Exchange defaults to ExchangeName(Queue).
	Exchange         string
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// FaultMarker, when non-empty, turns every delivery whose body contains it into a handler failure.
	FaultMarker string
}

// Consumer is the background service draining the service queue.
type Consumer struct {
	receiver cbus.Receiver
	reg      *registry.Registry
	handlers *Handlers
	audit    cbus.AuditSink
	cfg      ConsumerConfig
	options

	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer validates cfg and returns a stopped Consumer. A nil audit sink disables auditing.
func NewConsumer(
	receiver cbus.Receiver,
	reg *registry.Registry,
	handlers *Handlers,
	audit cbus.AuditSink,
	cfg ConsumerConfig,
	opts ...Option,
) (*Consumer, error) {
	if receiver == nil || reg == nil || handlers == nil {
		return nil, fmt.Errorf("new consumer: receiver, registry and handlers required: %w", berr.ErrConfigInvalid)
	}

	if cfg.Queue == "" {
		return nil, fmt.Errorf("new consumer: queue required: %w", berr.ErrConfigInvalid)
	}

	if cfg.Exchange == "" {
		cfg.Exchange = ExchangeName(cfg.Queue)
	}

	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = DefaultReconnectInitial
	}

	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}

	if audit == nil {
		audit = cbus.NopAuditSink{}
	}

	return &Consumer{
		receiver: receiver,
		reg:      reg,
		handlers: handlers,
		audit:    audit,
		cfg:      cfg,
		options:  buildOptions(opts),
	}, nil
}

// State reports the current loop state.
func (c *Consumer) State() State { return State(c.state.Load()) }

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
	c.metrics.SetConsumerState(int(s))
}

// Start launches the consume loop on its own goroutine and returns immediately.
// The loop runs until ctx is cancelled or Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return fmt.Errorf("start consumer %s: %w", c.cfg.Queue, berr.ErrAlreadyStarted)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.setState(StateConnecting)

	go c.run(runCtx, c.done)

	return nil
}

// Stop cancels the consume loop and waits for it to exit or for ctx to end.
// Handlers still running are not awaited.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.setState(StateStopped)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = c.cfg.ReconnectInitial
	retry.MaxInterval = c.cfg.ReconnectMax
	retry.MaxElapsedTime = 0

	log := c.logger.With(slog.String("queue", c.cfg.Queue), slog.String("exchange", c.cfg.Exchange))

	for {
		sub := cbus.Subscription{
			Queue:       c.cfg.Queue,
			Exchange:    c.cfg.Exchange,
			RoutingKeys: c.reg.Keys(),
			OnReady: func() {
				retry.Reset()
				c.setState(StateConsuming)
				log.InfoContext(ctx, "integration event consumer bound", slog.Int("routing_keys", c.reg.Len()))
			},
		}

		err := c.receiver.Receive(ctx, sub, c.handle)
		if ctx.Err() != nil {
			log.InfoContext(context.WithoutCancel(ctx), "integration event consumer stopped")
			return
		}

		if err == nil {
			err = errors.New("receiver returned without error")
		}

		c.setState(StateReconnecting)

		wait := retry.NextBackOff()
		log.WarnContext(ctx, "integration event consumer lost its subscription, reconnecting",
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d cbus.Delivery) {
	start := time.Now()
	rk := d.RoutingKey()
	body := d.Body()

	ctx = c.tel.Extract(ctx, d.Headers())
	ctx, span := c.tel.StartReceive(ctx, rk, d.MessageID())
	defer span.End()

	log := c.logger.With(slog.String("routing_key", rk), slog.String("message_id", d.MessageID()))

	outcome := c.dispatch(ctx, log, rk, body, span)

	if err := c.writeAudit(ctx, body); err != nil {
		c.metrics.IncAuditFailure()
		log.WarnContext(ctx, "audit record not written", slog.String("error", err.Error()))
	}

	if err := d.Ack(); err != nil {
		log.ErrorContext(ctx, "delivery acknowledgement failed", slog.String("error", err.Error()))
	}

	c.metrics.ObserveConsume(rk, outcome, time.Since(start))
}

func (c *Consumer) writeAudit(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()

	return c.audit.InsertRawMessage(ctx, string(body))
}

func (c *Consumer) dispatch(ctx context.Context, log *slog.Logger, rk string, body []byte, span trace.Span) string {
	desc, ok := c.reg.Lookup(rk)
	if !ok {
		log.WarnContext(ctx, "no integration event registered for routing key")
		return metrics.OutcomeUnknownType
	}

	evt, err := desc.Decode(body)
	if err != nil {
		telemetry.RecordError(span, err)
		log.WarnContext(ctx, "integration event payload could not be decoded",
			slog.String("body", string(body)),
			slog.String("error", err.Error()),
		)

		return metrics.OutcomeDecodeError
	}

	if err := c.invoke(ctx, rk, evt, body); err != nil {
		telemetry.RecordError(span, err)
		log.WarnContext(ctx, "integration event handling failed, message acknowledged",
			slog.String("body", string(body)),
			slog.String("error", err.Error()),
		)

		return metrics.OutcomeHandlerError
	}

	return metrics.OutcomeHandled
}

func (c *Consumer) invoke(ctx context.Context, rk string, evt cbus.IntegrationEvent, body []byte) error {
	if c.cfg.FaultMarker != "" && bytes.Contains(body, []byte(c.cfg.FaultMarker)) {
		return errFaultInjected
	}

	handlers := c.handlers.Resolve(rk)
	if len(handlers) == 0 {
		c.logger.DebugContext(ctx, "no handlers subscribed", slog.String("routing_key", rk))
		return nil
	}

	var errs []error

	for _, h := range handlers {
		if err := safeHandle(ctx, h, evt); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
		}
	}

	return errors.Join(errs...)
}

func safeHandle(ctx context.Context, h Handler, evt cbus.IntegrationEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return h.Handle(ctx, evt)
}
