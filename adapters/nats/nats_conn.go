package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Concrete NATS connection-backed Client and constructor.

type Config struct {
	URL           string
	Name          string
	ConnTimeout   time.Duration
	MaxReconnects int
}

type natsClient struct {
	nc     *nats.Conn
	closed chan struct{}
}

func (c *natsClient) Publish(subject string, data []byte, headers map[string]string) error {
	msg := nats.NewMsg(subject)
	msg.Data = data

	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	if err := c.nc.PublishMsg(msg); err != nil {
		return err
	}

	return c.nc.Flush()
}

func (c *natsClient) QueueSubscribe(subject, queue string, fn func(Msg)) (func() error, error) {
	s, err := c.nc.QueueSubscribe(subject, queue, func(m *nats.Msg) {
		h := make(map[string]string, len(m.Header))
		for k := range m.Header {
			h[k] = m.Header.Get(k)
		}

		fn(Msg{Subject: m.Subject, Headers: h, Data: m.Data})
	})
	if err != nil {
		return nil, err
	}

	return s.Unsubscribe, nil
}

func (c *natsClient) Closed() <-chan struct{} { return c.closed }

// NewWithNATS creates a real NATS connection and returns an Adapter and a cleanup.
func NewWithNATS(cfg Config) (*Adapter, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("nats: url required: %w", berr.ErrConfigInvalid)
	}

	closed := make(chan struct{})
	opts := []nats.Option{
		nats.ClosedHandler(func(*nats.Conn) { close(closed) }),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, wrap("connect", err)
	}

	ad := New(&natsClient{nc: nc, closed: closed})
	cleanup := func() {
		if !nc.IsClosed() {
			_ = nc.Drain() //nolint:errcheck // best-effort shutdown; cannot return error here
		}
	}
	ad.cleanup = cleanup

	return ad, cleanup, nil
}
