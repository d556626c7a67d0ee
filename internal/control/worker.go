package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vietddude/rpcworker/internal/core/config"
	"github.com/vietddude/rpcworker/internal/core/worker"
	"github.com/vietddude/rpcworker/internal/infra/broker"
	"github.com/vietddude/rpcworker/internal/infra/codec"
	"github.com/vietddude/rpcworker/internal/infra/storage"
	"github.com/vietddude/rpcworker/internal/pipeline/consumer"
	"github.com/vietddude/rpcworker/internal/pipeline/health"
	"github.com/vietddude/rpcworker/internal/pipeline/recovery"
	"github.com/vietddude/rpcworker/internal/pipeline/reply"
	"github.com/vietddude/rpcworker/internal/pipeline/retry"
)

// Worker is the main application struct that manages the consumer lifecycle.
type Worker struct {
	cfg          *config.AppConfig
	handler      consumer.Handler
	store        *Storage
	policy       *retry.Policy
	replier      *reply.Replier
	healthMon    *health.Monitor
	healthServer *health.Server
	grpcServer   *health.GRPCServer
	pruner       *worker.Pruner
	log          *slog.Logger

	conn      *broker.Connection
	publisher *broker.Publisher
	cancel    context.CancelFunc
	done      chan error
	wg        sync.WaitGroup
}

// New creates a Worker with storage, retry policy and health monitoring
// initialized. The broker is dialed by Start.
func New(ctx context.Context, cfg *config.AppConfig, handler consumer.Handler) (*Worker, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	log := slog.Default().With("queue", cfg.RabbitMQ.Queue)

	policy, err := cfg.RetryPolicy()
	if err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	replyCodec, err := codec.NewDefaultRegistry().Lookup(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("invalid reply codec: %w", err)
	}

	store, err := OpenStorage(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	healthMon := health.NewMonitor(store.DeadLetters, cfg.Recovery.BacklogLimit)
	store.Register(healthMon)

	w := &Worker{
		cfg:          cfg,
		handler:      handler,
		store:        store,
		policy:       policy,
		replier:      reply.NewReplier(replyCodec),
		healthMon:    healthMon,
		healthServer: health.NewServer(healthMon, cfg.Server.Port),
		log:          log,
		done:         make(chan error, 1),
	}
	if cfg.GRPC.Port > 0 {
		w.grpcServer = health.NewGRPCServer(healthMon, cfg.GRPC.Port, 0)
	}
	if cfg.Recovery.Retention > 0 {
		w.pruner = worker.NewPruner(store.DeadLetters, cfg.Recovery.Retention, cfg.Recovery.PruneInterval, log)
	}
	return w, nil
}

// DeadLetters returns the dead letter repository in use.
func (w *Worker) DeadLetters() storage.DeadLetterRepository {
	return w.store.DeadLetters
}

// Done receives the consumer's error if it stops before Stop is called.
func (w *Worker) Done() <-chan error {
	return w.done
}

// Start connects to RabbitMQ and starts consuming. It returns once every
// component has been launched.
func (w *Worker) Start(ctx context.Context) error {
	conn, err := broker.Dial(ctx, w.cfg.RabbitMQ, w.log)
	if err != nil {
		return err
	}
	w.conn = conn
	w.healthMon.Register("rabbitmq", conn, true)

	if err := w.declareTopology(); err != nil {
		return err
	}

	pubCh, err := conn.Channel()
	if err != nil {
		return err
	}
	w.publisher, err = broker.NewPublisher(pubCh, w.cfg.RabbitMQ.ConfirmTimeout)
	if err != nil {
		_ = pubCh.Close()
		return err
	}

	fallback, err := NewFallback(w.cfg, w.publisher, w.store.DeadLetters)
	if err != nil {
		return err
	}
	c := w.newConsumer(func() (consumer.Channel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}, fallback)

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	// Start Health Server
	go func() {
		if err := w.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.log.Error("Health server failed", "error", err)
		}
	}()
	if w.grpcServer != nil {
		go func() {
			if err := w.grpcServer.Start(runCtx); err != nil {
				w.log.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	w.store.StartMetricsCollector(runCtx)

	if w.pruner != nil {
		w.log.Info("Starting dead letter pruner",
			"retention", w.cfg.Recovery.Retention,
			"interval", w.pruner.Interval(),
		)
		go w.pruner.Start(runCtx)
	}

	w.log.Info("Starting consumer",
		"consumers", w.cfg.RabbitMQ.Consumers,
		"prefetch", w.cfg.RabbitMQ.Prefetch,
		"max_attempts", w.policy.MaxAttempts(),
		"fallback", w.cfg.Recovery.Fallback,
	)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := c.Run(runCtx); err != nil {
			w.log.Error("Consumer stopped", "error", err)
			w.done <- err
		}
	}()
	return nil
}

func (w *Worker) declareTopology() error {
	declare := w.cfg.RabbitMQ.DeclareQueue ||
		(w.cfg.Recovery.DeclareErrorQueue && w.cfg.Recovery.Fallback == config.FallbackRepublish)
	if !declare {
		return nil
	}

	ch, err := w.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if w.cfg.RabbitMQ.DeclareQueue {
		if err := broker.DeclareRequestQueue(ch, w.cfg.RabbitMQ.Queue); err != nil {
			return err
		}
	}
	if w.cfg.Recovery.DeclareErrorQueue && w.cfg.Recovery.Fallback == config.FallbackRepublish {
		return broker.DeclareErrorQueue(ch, broker.ErrorTopology{
			Exchange:   w.cfg.Recovery.ErrorExchange,
			RoutingKey: w.cfg.Recovery.ErrorRoutingKey,
			Queue:      w.cfg.Recovery.ErrorQueue,
		})
	}
	return nil
}

func (w *Worker) newConsumer(open consumer.ChannelSource, fallback recovery.MessageRecoverer) *consumer.Consumer {
	chain := recovery.NewChain(w.replier, fallback, w.log)
	executor := retry.NewExecutor(w.policy,
		retry.WithRecoverer(chain),
		retry.WithLogger(w.log),
	)
	return consumer.New(consumer.Config{
		Queue:     w.cfg.RabbitMQ.Queue,
		Prefetch:  w.cfg.RabbitMQ.Prefetch,
		Consumers: w.cfg.RabbitMQ.Consumers,
		Tag:       w.cfg.RabbitMQ.ConsumerTag,
	}, open, w.handler, executor, w.replier, w.log)
}

// NewFallback builds the recoverer used when an error reply cannot be sent.
// It returns nil for the "none" fallback.
func NewFallback(
	cfg *config.AppConfig,
	publisher recovery.Publisher,
	deadLetters storage.DeadLetterRepository,
) (recovery.MessageRecoverer, error) {
	switch cfg.Recovery.Fallback {
	case config.FallbackRepublish, "":
		return recovery.NewRepublishRecoverer(publisher, cfg.RepublishConfig()), nil
	case config.FallbackArchive:
		return recovery.NewArchiveRecoverer(deadLetters, cfg.RabbitMQ.Queue), nil
	case config.FallbackNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown fallback %q", cfg.Recovery.Fallback)
	}
}

// Stop stops consuming, waits for in-flight deliveries and releases every
// connection.
func (w *Worker) Stop(ctx context.Context) error {
	w.log.Info("Stopping worker...")

	if w.cancel != nil {
		w.cancel()
	}

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		w.log.Warn("Shutdown timed out with deliveries in flight")
	}

	var errs []error
	if w.publisher != nil {
		if err := w.publisher.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if w.conn != nil {
		if err := w.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close rabbitmq: %w", err))
		}
	}
	if w.grpcServer != nil {
		w.grpcServer.Stop()
	}
	if err := w.healthServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop health server: %w", err))
	}
	if err := w.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
