package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

const productName = "scg-event-bus"

// Config describes the broker connection.
type Config struct {
	URL string
	// ConnTimeout bounds the TCP dial and how long a send waits for a live connection.
	ConnTimeout time.Duration
	// ReconnectInitial and ReconnectMax bound the redial backoff. Defaults 1s and 30s.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

// Channel is the subset of *amqp.Channel the adapter uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelSource opens channels on a live connection.
type ChannelSource interface {
	Channel(ctx context.Context) (Channel, error)
}

var _ Channel = (*amqp.Channel)(nil)

// Connection is an auto-reconnecting AMQP connection.
type Connection struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	conn   *amqp.Connection
	ready  chan struct{} // closed while conn is usable
	closed chan struct{}
	once   sync.Once
}

// Dial starts connecting in the background and returns immediately.
func Dial(cfg Config, logger *slog.Logger) (*Connection, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq: url required: %w", berr.ErrConfigInvalid)
	}

	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}

	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}

	if logger == nil {
		logger = slog.Default()
	}

	c := &Connection{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "rabbitmq")),
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}

	go c.run()

	return c, nil
}

// Channel waits for the connection until ctx ends and opens a new channel on it.
func (c *Connection) Channel(ctx context.Context) (Channel, error) {
	for {
		c.mu.RLock()
		conn, ready := c.conn, c.ready
		c.mu.RUnlock()

		if conn != nil && !conn.IsClosed() {
			ch, err := conn.Channel()
			if err != nil {
				return nil, fmt.Errorf("rabbitmq open channel: %w", errors.Join(berr.ErrTransport, err))
			}

			return ch, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, fmt.Errorf("rabbitmq open channel: %w", errors.Join(berr.ErrTransport, berr.ErrClosed))
		case <-ready:
		}
	}
}

func (c *Connection) dial() (*amqp.Connection, error) {
	return amqp.DialConfig(c.cfg.URL, amqp.Config{
		Locale:     "en_US",
		Properties: amqp.Table{"product": productName},
		Dial:       amqp.DefaultDial(c.cfg.ConnTimeout),
	})
}

func (c *Connection) run() {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = c.cfg.ReconnectInitial
	retry.MaxInterval = c.cfg.ReconnectMax
	retry.MaxElapsedTime = 0

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			wait := retry.NextBackOff()
			c.logger.Warn("rabbitmq dial failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", wait),
			)

			t := time.NewTimer(wait)
			select {
			case <-c.closed:
				t.Stop()
				return
			case <-t.C:
			}

			continue
		}

		retry.Reset()
		notify := conn.NotifyClose(make(chan *amqp.Error, 1))

		c.mu.Lock()
		c.conn = conn
		close(c.ready)
		c.mu.Unlock()

		c.logger.Info("rabbitmq connected")

		select {
		case <-c.closed:
			_ = conn.Close()
			return
		case amqpErr := <-notify:
			c.mu.Lock()
			c.conn = nil
			c.ready = make(chan struct{})
			c.mu.Unlock()

			if amqpErr != nil {
				c.logger.Warn("rabbitmq connection lost", slog.String("error", amqpErr.Error()))
			}

			_ = conn.Close()
		}
	}
}

// Close stops reconnecting and closes the connection.
func (c *Connection) Close() error {
	var err error

	c.once.Do(func() {
		close(c.closed)

		c.mu.Lock()
		defer c.mu.Unlock()

		if c.conn != nil {
			err = c.conn.Close()
			c.conn = nil
		}
	})

	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}

	return err
}

// NewWithAMQPConn dials RabbitMQ with auto-reconnect and returns the adapter and its cleanup.
func NewWithAMQPConn(cfg Config, opts ...Option) (*Adapter, func(), error) {
	ad := New(nil, append([]Option{WithConnectWait(cfg.ConnTimeout)}, opts...)...)

	conn, err := Dial(cfg, ad.logger)
	if err != nil {
		return nil, nil, err
	}

	ad.src = conn
	ad.closer = conn.Close

	return ad, func() { _ = conn.Close() }, nil
}
