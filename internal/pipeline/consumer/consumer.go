// Package consumer pulls RPC requests off a queue and runs each delivery
// through the retry executor on the channel it arrived on.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/vietddude/rpcworker/internal/pipeline/metrics"
	"github.com/vietddude/rpcworker/internal/pipeline/recovery"
	"github.com/vietddude/rpcworker/internal/pipeline/reply"
	"github.com/vietddude/rpcworker/internal/pipeline/retry"
)

// ErrDeliveriesClosed is returned when the broker closes a consumer's channel.
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// Handler processes one request. A non-nil result is sent to the caller's
// reply-to address.
type Handler func(ctx context.Context, d *amqp.Delivery) (any, error)

// Channel is the subset of *amqp.Channel a consumer worker needs.
type Channel interface {
	reply.Channel
	Qos(prefetchCount, prefetchSize int, global bool) error
	ConsumeWithContext(
		ctx context.Context,
		queue, consumer string,
		autoAck, exclusive, noLocal, noWait bool,
		args amqp.Table,
	) (<-chan amqp.Delivery, error)
	Close() error
}

// ChannelSource opens a fresh channel for one worker.
type ChannelSource func() (Channel, error)

// Config holds consumer settings.
type Config struct {
	Queue     string
	Prefetch  int
	Consumers int
	Tag       string
}

// Consumer runs Config.Consumers workers, each on its own channel.
type Consumer struct {
	cfg      Config
	open     ChannelSource
	handler  Handler
	executor *retry.Executor
	replier  *reply.Replier
	log      *slog.Logger
}

// New creates a Consumer.
func New(
	cfg Config,
	open ChannelSource,
	handler Handler,
	executor *retry.Executor,
	replier *reply.Replier,
	log *slog.Logger,
) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.Consumers <= 0 {
		cfg.Consumers = 1
	}
	if cfg.Tag == "" {
		cfg.Tag = "rpcworker"
	}
	if replier == nil {
		replier = reply.NewReplier(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		cfg:      cfg,
		open:     open,
		handler:  handler,
		executor: executor,
		replier:  replier,
		log:      log.With("component", "consumer", "queue", cfg.Queue),
	}
}

// Run blocks until ctx is cancelled or a worker fails. In-flight deliveries
// finish before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range c.cfg.Consumers {
		g.Go(func() error {
			return c.worker(ctx, i)
		})
	}
	return g.Wait()
}

func (c *Consumer) worker(ctx context.Context, id int) error {
	ch, err := c.open()
	if err != nil {
		return fmt.Errorf("worker %d: %w", id, err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("worker %d: set qos: %w", id, err)
	}

	tag := fmt.Sprintf("%s-%d", c.cfg.Tag, id)
	deliveries, err := ch.ConsumeWithContext(ctx, c.cfg.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("worker %d: consume %s: %w", id, c.cfg.Queue, err)
	}

	log := c.log.With("worker", id)
	log.Info("Consumer started", "tag", tag, "prefetch", c.cfg.Prefetch)

	for {
		select {
		case <-ctx.Done():
			log.Info("Consumer stopped")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("worker %d: %w", id, ErrDeliveriesClosed)
			}
			// shutdown must not cut a retry sequence short
			c.Handle(context.WithoutCancel(ctx), ch, &d)
		}
	}
}

// Handle runs one delivery to completion and acknowledges it. Deliveries are
// acked once the handler succeeds or recovery ran; they are rejected without
// requeue only when the executor has no recoverer. A result that cannot be
// encoded for the reply counts as a handler failure.
func (c *Consumer) Handle(ctx context.Context, ch reply.Channel, d *amqp.Delivery) {
	metrics.MessagesConsumed.WithLabelValues(c.cfg.Queue).Inc()

	var body []byte
	err := c.executor.Execute(ctx, recovery.Args(ch, d), func(ctx context.Context) error {
		result, err := c.handler(ctx, d)
		if err != nil {
			return err
		}
		if result == nil || d.ReplyTo == "" {
			return nil
		}
		body, err = c.replier.Encode(result)
		return err
	})
	if err != nil {
		c.log.Warn("Message rejected",
			"message_id", d.MessageId,
			"correlation_id", d.CorrelationId,
			"error", err,
		)
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.log.Error("Failed to nack message", "message_id", d.MessageId, "error", nackErr)
		}
		return
	}

	if body != nil {
		if _, err := c.replier.ReplyEncoded(ctx, ch, d, body); err != nil {
			metrics.ReplyFailures.Inc()
			c.log.Warn("Reply failed",
				"correlation_id", d.CorrelationId,
				"reply_to", d.ReplyTo,
				"error", err,
			)
		}
	}

	if err := d.Ack(false); err != nil {
		c.log.Error("Failed to ack message", "message_id", d.MessageId, "error", err)
	}
}
