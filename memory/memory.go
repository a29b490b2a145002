// Package memory wires the complete event pipeline over the in-memory broker:
// domain bus and queue, bridge publisher and the integration event consumer.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/next-trace/scg-event-bus/adapters/inmemory"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/eventbus"
	"github.com/next-trace/scg-event-bus/registry"
	"github.com/next-trace/scg-event-bus/servicebus"
)

// Config selects the service queue and its collaborators. Only Queue and Registry are required.
type Config struct {
	Queue    string
	Registry *registry.Registry
	Audit    cbus.AuditSink
	Logger   *slog.Logger
	Options  []eventbus.Option
}

// System is one service's event pipeline running in a single process.
type System struct {
	Broker    *inmemory.Broker
	Bus       *servicebus.Bus
	Queue     *servicebus.Queue
	Publisher *eventbus.Publisher
	Consumer  *eventbus.Consumer
	Handlers  *eventbus.Handlers

	wg        sync.WaitGroup
	stopQueue context.CancelFunc
}

// New builds a stopped System and a cleanup that stops and closes everything.
func New(cfg Config) (*System, func(), error) {
	if cfg.Registry == nil {
		return nil, nil, fmt.Errorf("memory: registry required: %w", berr.ErrConfigInvalid)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := append([]eventbus.Option{eventbus.WithLogger(logger)}, cfg.Options...)
	broker := inmemory.New()

	pub, err := eventbus.NewPublisher(broker, cfg.Registry, eventbus.PublisherConfig{
		Exchange: eventbus.ExchangeName(cfg.Queue),
	}, opts...)
	if err != nil {
		return nil, nil, err
	}

	handlers := eventbus.NewHandlers(cfg.Registry)

	consumer, err := eventbus.NewConsumer(broker, cfg.Registry, handlers, cfg.Audit, eventbus.ConsumerConfig{
		Queue: cfg.Queue,
	}, opts...)
	if err != nil {
		return nil, nil, err
	}

	// declare up front so messages published before Start are queued, not returned
	broker.Declare(cbus.Subscription{
		Queue:       cfg.Queue,
		Exchange:    eventbus.ExchangeName(cfg.Queue),
		RoutingKeys: cfg.Registry.Keys(),
	})

	bus := servicebus.New(pub, logger)

	s := &System{
		Broker:    broker,
		Bus:       bus,
		Queue:     servicebus.NewQueue(bus, servicebus.WithQueueLogger(logger)),
		Publisher: pub,
		Consumer:  consumer,
		Handlers:  handlers,
		stopQueue: func() {},
	}

	cleanup := func() { _ = s.Close(context.Background()) }

	return s, cleanup, nil
}

// Start launches the consumer and the domain queue loop. The queue keeps running
// after ctx ends until Close drains it.
func (s *System) Start(ctx context.Context) error {
	if err := s.Consumer.Start(ctx); err != nil {
		return err
	}

	queueCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	s.stopQueue = stop

	s.wg.Go(func() { _ = s.Queue.Run(queueCtx) })

	return nil
}

// Close drains the domain queue until ctx ends, stops the consumer and closes the
// bus and broker. Events left in the queue when ctx ends are logged and dropped.
func (s *System) Close(ctx context.Context) error {
	s.Queue.Close()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		s.stopQueue()
		<-drained
	}

	s.stopQueue()

	return errors.Join(
		s.Consumer.Stop(ctx),
		s.Bus.Close(),
		s.Broker.Close(),
	)
}
