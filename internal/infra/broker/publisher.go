package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultConfirmTimeout bounds the wait for a broker confirmation.
const DefaultConfirmTimeout = 5 * time.Second

var (
	ErrPublisherClosed = errors.New("publisher closed")
	ErrPublishNacked   = errors.New("publish nacked by broker")
	ErrConfirmTimeout  = errors.New("confirmation timed out")
)

// ConfirmChannel is the subset of *amqp.Channel a Publisher needs.
type ConfirmChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
}

// Publisher publishes on a dedicated channel in confirm mode and waits for
// each confirmation. Calls are serialized so confirms arrive in order.
type Publisher struct {
	mu       sync.Mutex
	ch       ConfirmChannel
	confirms chan amqp.Confirmation
	timeout  time.Duration
	closed   bool
}

// NewPublisher puts ch into confirm mode.
func NewPublisher(ch ConfirmChannel, timeout time.Duration) (*Publisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("failed to enable confirm mode: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	return &Publisher{
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		timeout:  timeout,
	}, nil
}

// Publish sends msg and waits for the broker to confirm it.
func (p *Publisher) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}
	if err := p.ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case confirmed, ok := <-p.confirms:
		if !ok {
			p.closed = true
			return ErrPublisherClosed
		}
		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}
		return nil
	case <-timer.C:
		// a late confirm would be read by the next publish
		p.invalidate()
		return ErrConfirmTimeout
	case <-ctx.Done():
		p.invalidate()
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

// Close closes the underlying channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.ch.Close()
}

func (p *Publisher) invalidate() {
	p.closed = true
	_ = p.ch.Close()
}
