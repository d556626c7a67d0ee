package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultErrorQueue = "error"

// TopologyChannel defines the AMQP channel operations required for topology setup.
type TopologyChannel interface {
	ExchangeDeclare(
		name, kind string,
		durable, autoDelete, internal, noWait bool,
		args amqp.Table,
	) error
	QueueDeclare(
		name string,
		durable, autoDelete, exclusive, noWait bool,
		args amqp.Table,
	) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// ErrorTopology names where republished messages land.
type ErrorTopology struct {
	Exchange   string
	RoutingKey string
	Queue      string
}

// DeclareErrorQueue declares a durable queue for republished messages. On the
// default exchange the queue is named after the routing key; a named
// exchange is declared as a topic exchange and the queue bound to it.
func DeclareErrorQueue(ch TopologyChannel, t ErrorTopology) error {
	queue := t.Queue
	if queue == "" {
		queue = t.RoutingKey
	}
	if queue == "" {
		queue = defaultErrorQueue
	}

	if t.Exchange == "" {
		if t.RoutingKey != "" && t.RoutingKey != queue {
			return fmt.Errorf("routing key %q cannot reach queue %q on the default exchange", t.RoutingKey, queue)
		}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare error queue %s: %w", queue, err)
		}
		return nil
	}

	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare error exchange %s: %w", t.Exchange, err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare error queue %s: %w", queue, err)
	}

	key := t.RoutingKey
	if key == "" {
		key = "#"
	}
	if err := ch.QueueBind(queue, key, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind error queue %s to %s: %w", queue, t.Exchange, err)
	}
	return nil
}

// DeclareRequestQueue declares the durable queue RPC requests are consumed from.
func DeclareRequestQueue(ch TopologyChannel, queue string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare request queue %s: %w", queue, err)
	}
	return nil
}
