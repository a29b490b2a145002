// Package main runs the identity worker: it consumes integration events for the
// identity queue, publishes UserCreatedIntegrationEvent for users registered over
// HTTP and serves health checks and metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/next-trace/scg-event-bus/adapters/inmemory"
	"github.com/next-trace/scg-event-bus/adapters/kafka"
	"github.com/next-trace/scg-event-bus/adapters/nats"
	"github.com/next-trace/scg-event-bus/adapters/rabbitmq"
	"github.com/next-trace/scg-event-bus/audit"
	"github.com/next-trace/scg-event-bus/config"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	"github.com/next-trace/scg-event-bus/eventbus"
	"github.com/next-trace/scg-event-bus/health"
	"github.com/next-trace/scg-event-bus/idempotency"
	"github.com/next-trace/scg-event-bus/identity"
	"github.com/next-trace/scg-event-bus/metrics"
	"github.com/next-trace/scg-event-bus/registry"
	"github.com/next-trace/scg-event-bus/servicebus"
	"github.com/next-trace/scg-event-bus/telemetry"
)

type cleanupStack []func()

func (s *cleanupStack) push(f func()) { *s = append(*s, f) }

func (s cleanupStack) run() {
	for i := len(s) - 1; i >= 0; i-- {
		s[i]()
	}
}

//nolint:funlen // startup orchestration reads top to bottom
func main() {
	cfg, err := config.NewLoader().Load("")
	if err != nil {
		//nolint:sloglint // No context available before logger setup
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := setupLogger(cfg)
	logger.Info("starting identity worker",
		slog.String("service", cfg.Service.Name),
		slog.String("transport", cfg.Broker.Transport),
		slog.String("queue", cfg.Broker.QueueName),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go handleShutdown(cancel, logger)

	var cleanups cleanupStack
	defer func() { cleanups.run() }()

	if err := run(ctx, cfg, logger, &cleanups); err != nil {
		logger.Error("identity worker failed", slog.String("error", err.Error()))
		cleanups.run()
		cancel()
		os.Exit(1) //nolint:gocritic // cleanups and cancel ran before exit
	}

	logger.Info("identity worker shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, cleanups *cleanupStack) error {
	reg := identity.RegisterEvents(registry.NewBuilder()).MustBuild()
	m := metrics.New(prometheus.DefaultRegisterer)

	tp := sdktrace.NewTracerProvider()
	cleanups.push(func() { _ = tp.Shutdown(context.Background()) })

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	opts := []eventbus.Option{
		eventbus.WithLogger(logger),
		eventbus.WithMetrics(m),
		eventbus.WithTelemetry(telemetry.New(tp,
			telemetry.WithSystem(cfg.Broker.Transport),
			telemetry.WithPropagator(otel.GetTextMapPropagator()),
		)),
	}

	transport, checks, err := connectBroker(cfg, logger)
	if err != nil {
		return err
	}

	cleanups.push(func() { _ = transport.Close() })

	sink, sinkChecks, err := connectAudit(ctx, cfg, logger, cleanups)
	if err != nil {
		return err
	}

	checks = append(checks, sinkChecks...)

	var claims idempotency.Claimer

	if cfg.Redis.URL != "" {
		client, err := idempotency.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}

		cleanups.push(func() { _ = client.Close() })

		store := idempotency.NewRedisStore(client, cfg.Redis.DedupTTL)
		claims = store
		checks = append(checks, health.CheckFunc("redis", store.Ping))
	}

	exchange := eventbus.ExchangeName(cfg.Broker.QueueName)

	pub, err := eventbus.NewPublisher(transport, reg, eventbus.PublisherConfig{
		Exchange:        exchange,
		RetryCount:      cfg.Publisher.RetryCount,
		InitialInterval: cfg.Publisher.InitialBackoff,
		MaxInterval:     cfg.Publisher.MaxBackoff,
	}, opts...)
	if err != nil {
		return err
	}

	handlers := eventbus.NewHandlers(reg)
	if err := identity.Subscribe(handlers,
		identity.LogSearchIndex{Logger: logger},
		identity.LogMailer{Logger: logger},
		claims, logger,
	); err != nil {
		return err
	}

	consumer, err := eventbus.NewConsumer(transport, reg, handlers, sink, eventbus.ConsumerConfig{
		Queue:            cfg.Broker.QueueName,
		Exchange:         exchange,
		ReconnectInitial: cfg.Consumer.ReconnectInitial,
		ReconnectMax:     cfg.Consumer.ReconnectMax,
		FaultMarker:      cfg.Consumer.FaultMarker,
	}, opts...)
	if err != nil {
		return err
	}

	checks = append(checks, health.CheckFunc("consumer", func(context.Context) error {
		if s := consumer.State(); s != eventbus.StateConsuming {
			return fmt.Errorf("consumer is %s", s)
		}

		return nil
	}))

	bus := servicebus.New(pub, logger)
	if err := identity.BindBridge(bus); err != nil {
		return err
	}

	queue := servicebus.NewQueue(bus, servicebus.WithQueueLogger(logger), servicebus.WithQueueMetrics(m))
	users := identity.NewService(identity.NewMemoryRepository(), queue)

	router := health.NewRouter(prometheus.DefaultGatherer, cfg.HTTP.HealthTimeout, checks...)
	router.Post("/users", registerUser(users, logger))

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	if err := consumer.Start(ctx); err != nil {
		return err
	}

	// the queue outlives the shutdown signal so committed events are drained, not dropped
	queueCtx, stopQueue := context.WithCancel(context.WithoutCancel(ctx))
	defer stopQueue()

	queueDone := make(chan error, 1)
	go func() { queueDone <- queue.Run(queueCtx) }()

	var wg sync.WaitGroup

	serveErr := make(chan error, 1)

	wg.Go(func() {
		logger.Info("http server listening", slog.String("addr", cfg.HTTP.Addr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	})

	var runErr error

	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// no new registrations, then drain what they committed
	shutdownErr := srv.Shutdown(shutdownCtx)

	return errors.Join(
		runErr,
		shutdownErr,
		drainQueue(shutdownCtx, queue, stopQueue, queueDone),
		consumer.Stop(shutdownCtx),
		waitGroup(shutdownCtx, &wg),
		bus.Close(),
	)
}

// drainQueue closes the queue and waits for Run to dispatch the rest. When ctx ends
// first, Run is stopped and logs every event it could not dispatch.
func drainQueue(ctx context.Context, queue *servicebus.Queue, stop context.CancelFunc, done <-chan error) error {
	queue.Close()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		stop()
		return <-done
	}
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

func connectBroker(cfg *config.Config, logger *slog.Logger) (cbus.Transport, []health.Checker, error) {
	b := cfg.Broker

	switch b.Transport {
	case config.TransportRabbitMQ:
		ad, _, err := rabbitmq.NewWithAMQPConn(rabbitmq.Config{
			URL:              b.URL,
			ConnTimeout:      b.ConnTimeout,
			ReconnectInitial: cfg.Consumer.ReconnectInitial,
			ReconnectMax:     cfg.Consumer.ReconnectMax,
		}, rabbitmq.WithLogger(logger), rabbitmq.WithPrefetch(b.Prefetch), rabbitmq.WithConsumerTag(cfg.Service.Name))
		if err != nil {
			return nil, nil, err
		}

		check := health.CheckFunc("rabbitmq", func(ctx context.Context) error {
			return ad.CheckQueue(ctx, b.QueueName)
		})

		return ad, []health.Checker{check}, nil

	case config.TransportNATS:
		ad, _, err := nats.NewWithNATS(nats.Config{URL: b.URL, Name: cfg.Service.Name, ConnTimeout: b.ConnTimeout})
		if err != nil {
			return nil, nil, err
		}

		return ad, nil, nil

	case config.TransportKafka:
		ad, _, err := kafka.NewWithKgo(kafka.Config{Brokers: b.KafkaBrokers, ClientID: cfg.Service.Name})
		if err != nil {
			return nil, nil, err
		}

		return ad, nil, nil

	default:
		logger.Warn("using the in-memory broker; events do not leave this process")

		return inmemory.New(), nil, nil
	}
}

func connectAudit(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	cleanups *cleanupStack,
) (cbus.AuditSink, []health.Checker, error) {
	switch cfg.Audit.Sink {
	case config.AuditMongoDB:
		client, err := audit.ConnectMongo(ctx, cfg.MongoDB.URI, cfg.MongoDB.Timeout)
		if err != nil {
			return nil, nil, err
		}

		cleanups.push(func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Error("failed to disconnect from MongoDB", slog.String("error", err.Error()))
			}
		})

		logger.InfoContext(ctx, "connected to MongoDB", slog.String("database", cfg.MongoDB.Database))

		coll := client.Database(cfg.MongoDB.Database).Collection(cfg.MongoDB.Collection)
		check := health.CheckFunc("mongodb", func(ctx context.Context) error { return client.Ping(ctx, nil) })

		return audit.NewMongoSink(coll, audit.WithMongoLogger(logger)), []health.Checker{check}, nil

	case config.AuditPostgres:
		pool, err := audit.ConnectPostgres(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, nil, err
		}

		cleanups.push(pool.Close)

		sink := audit.NewPostgresSink(pool, logger)
		if err := sink.EnsureSchema(ctx); err != nil {
			return nil, nil, err
		}

		return sink, []health.Checker{health.CheckFunc("postgres", pool.Ping)}, nil

	default:
		return cbus.NopAuditSink{}, nil, nil
	}
}

type registerRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type registerResponse struct {
	ID string `json:"id"`
}

func registerUser(users *identity.Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if err := jsoniter.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		u, err := users.Register(r.Context(), req.Email, req.Name)
		if errors.Is(err, identity.ErrInvalidEmail) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err != nil {
			logger.ErrorContext(r.Context(), "failed to register user", slog.String("error", err.Error()))
			http.Error(w, "internal error", http.StatusInternalServerError)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = jsoniter.NewEncoder(w).Encode(registerResponse{ID: u.ID.String()})
	}
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}

	switch cfg.Log.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func handleShutdown(cancel context.CancelFunc, logger *slog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-quit
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	cancel()
}
