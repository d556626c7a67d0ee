package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vietddude/rpcworker/internal/core/domain"
	"github.com/vietddude/rpcworker/internal/pipeline/reply"
	"github.com/vietddude/rpcworker/internal/pipeline/retry"
)

// Failure metadata headers added to republished messages.
const (
	HeaderExceptionMessage    = "x-exception-message"
	HeaderExceptionType       = "x-exception-type"
	HeaderExceptionStacktrace = "x-exception-stacktrace"
	HeaderOriginalExchange    = "x-original-exchange"
	HeaderOriginalRoutingKey  = "x-original-routingKey"
)

// DefaultErrorRoutingKey is the routing key used when none is configured.
const DefaultErrorRoutingKey = "error"

// Publisher publishes a message to an exchange.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
}

// RepublishConfig selects where failed messages are republished.
type RepublishConfig struct {
	ErrorExchange         string `yaml:"error_exchange"`
	ErrorRoutingKey       string `yaml:"error_routing_key"`
	ErrorRoutingKeyPrefix string `yaml:"error_routing_key_prefix"`
}

// DefaultRepublishConfig targets the default exchange with routing key "error".
func DefaultRepublishConfig() RepublishConfig {
	return RepublishConfig{ErrorRoutingKey: DefaultErrorRoutingKey}
}

// RepublishRecoverer copies failed messages to an error exchange with failure
// metadata in the headers.
type RepublishRecoverer struct {
	publisher Publisher
	cfg       RepublishConfig
}

// NewRepublishRecoverer creates a RepublishRecoverer.
func NewRepublishRecoverer(publisher Publisher, cfg RepublishConfig) *RepublishRecoverer {
	return &RepublishRecoverer{publisher: publisher, cfg: cfg}
}

func (r *RepublishRecoverer) Action() domain.RecoveryAction { return domain.ActionRepublished }

// RoutingKey returns the configured error routing key, or the prefix followed
// by the original routing key when none is configured.
func (r *RepublishRecoverer) RoutingKey(msg *amqp.Delivery) string {
	if r.cfg.ErrorRoutingKey != "" {
		return r.cfg.ErrorRoutingKey
	}
	return r.cfg.ErrorRoutingKeyPrefix + msg.RoutingKey
}

// Recover publishes a copy of msg to the error exchange.
func (r *RepublishRecoverer) Recover(ctx context.Context, msg *amqp.Delivery, cause error) error {
	if r.publisher == nil {
		return errors.New("no publisher configured")
	}

	headers := make(amqp.Table, len(msg.Headers)+5)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	for k, v := range FailureHeaders(msg, cause) {
		headers[k] = v
	}

	deliveryMode := msg.DeliveryMode
	if deliveryMode == 0 {
		deliveryMode = amqp.Persistent
	}

	key := r.RoutingKey(msg)
	err := r.publisher.Publish(ctx, r.cfg.ErrorExchange, key, amqp.Publishing{
		Headers:         headers,
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		DeliveryMode:    deliveryMode,
		Priority:        msg.Priority,
		CorrelationId:   msg.CorrelationId,
		ReplyTo:         msg.ReplyTo,
		MessageId:       msg.MessageId,
		Timestamp:       msg.Timestamp,
		Type:            msg.Type,
		AppId:           msg.AppId,
		Body:            msg.Body,
	})
	if err != nil {
		return fmt.Errorf("republish to %q with key %q: %w", r.cfg.ErrorExchange, key, err)
	}
	return nil
}

// FailureHeaders describes cause and the origin of msg.
func FailureHeaders(msg *amqp.Delivery, cause error) amqp.Table {
	root := reply.RootCause(cause)
	message := ""
	if root != nil {
		message = root.Error()
	}
	return amqp.Table{
		HeaderExceptionMessage:    message,
		HeaderExceptionType:       reply.TypeName(root),
		HeaderExceptionStacktrace: Trace(cause),
		HeaderOriginalExchange:    msg.Exchange,
		HeaderOriginalRoutingKey:  msg.RoutingKey,
	}
}

// Trace renders the Unwrap chain of err, outermost first, one error per line.
// A handler panic anywhere in the chain appends its goroutine stack.
func Trace(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = next(e) {
		if b.Len() > 0 {
			b.WriteString("\ncaused by: ")
		}
		fmt.Fprintf(&b, "%s: %s", reply.TypeName(e), e.Error())
	}

	var panicErr *retry.PanicError
	if errors.As(err, &panicErr) && len(panicErr.Stack) > 0 {
		b.WriteString("\n\n")
		b.Write(panicErr.Stack)
	}
	return b.String()
}

func next(err error) error {
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return u.Unwrap()
	case interface{ Unwrap() []error }:
		if errs := u.Unwrap(); len(errs) > 0 {
			return errs[0]
		}
	}
	return nil
}
