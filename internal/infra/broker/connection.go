// Package broker owns the RabbitMQ connection, the publisher used for
// republishing and replay, and the error queue topology.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
)

// Config holds RabbitMQ connection configuration.
type Config struct {
	URL            string        `yaml:"url"`
	Queue          string        `yaml:"queue"`
	Prefetch       int           `yaml:"prefetch"`
	Consumers      int           `yaml:"consumers"`
	ConsumerTag    string        `yaml:"consumer_tag"`
	DeclareQueue   bool          `yaml:"declare_queue"`
	DialRetries    uint64        `yaml:"dial_retries"`
	DialBackoff    time.Duration `yaml:"dial_backoff"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// Connection wraps an AMQP connection.
type Connection struct {
	conn *amqp.Connection
	log  *slog.Logger
}

// Dial connects to RabbitMQ, retrying with exponential backoff.
func Dial(ctx context.Context, cfg Config, log *slog.Logger) (*Connection, error) {
	if log == nil {
		log = slog.Default()
	}
	base := cfg.DialBackoff
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	retries := cfg.DialRetries
	if retries == 0 {
		retries = 5
	}
	backoff := retry.WithMaxRetries(retries, retry.WithCappedDuration(30*time.Second, retry.NewExponential(base)))

	var conn *amqp.Connection
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		c, err := amqp.Dial(cfg.URL)
		if err != nil {
			log.Warn("RabbitMQ dial failed", "attempt", attempt, "error", err)
			var amqpErr *amqp.Error
			if errors.As(err, &amqpErr) && amqpErr.Code == amqp.AccessRefused {
				return err
			}
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	log.Info("Connected to RabbitMQ", "attempts", attempt)
	return &Connection{conn: conn, log: log}, nil
}

// Channel opens a new channel.
func (c *Connection) Channel() (*amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}

// IsClosed reports whether the connection is closed.
func (c *Connection) IsClosed() bool {
	return c.conn == nil || c.conn.IsClosed()
}

// Health reports an error when the connection is down.
func (c *Connection) Health(ctx context.Context) error {
	if c.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	return nil
}

// Close closes the connection.
func (c *Connection) Close() error {
	if c.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
