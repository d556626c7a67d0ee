// Package recovery resolves messages whose retries are exhausted: the RPC
// caller gets an error reply when one can be sent, otherwise the message goes
// to a fallback recoverer or is dropped with a warning.
package recovery

import (
	"context"
	"errors"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vietddude/rpcworker/internal/core/domain"
	"github.com/vietddude/rpcworker/internal/pipeline/metrics"
	"github.com/vietddude/rpcworker/internal/pipeline/reply"
)

// MessageRecoverer handles a message the caller could not be told about.
type MessageRecoverer interface {
	Recover(ctx context.Context, msg *amqp.Delivery, cause error) error
	Action() domain.RecoveryAction
}

// Chain is the recoverer installed on the retry executor.
type Chain struct {
	replier  *reply.Replier
	fallback MessageRecoverer
	log      *slog.Logger
}

// NewChain creates a Chain. fallback may be nil, in which case messages that
// cannot be answered are dropped.
func NewChain(replier *reply.Replier, fallback MessageRecoverer, log *slog.Logger) *Chain {
	if replier == nil {
		replier = reply.NewReplier(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Chain{
		replier:  replier,
		fallback: fallback,
		log:      log.With("component", "recovery"),
	}
}

// Recover takes exactly one action for the exhausted message in args. It
// never returns an error; fallback failures are logged.
func (c *Chain) Recover(ctx context.Context, args []any, cause error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Recovery panicked", "panic", r, "cause", cause)
			metrics.RecoveryErrors.WithLabelValues("panic").Inc()
		}
	}()

	pair, err := NewChannelAndMessage(args)
	if err != nil {
		c.log.Warn("Recovery args are not supported", "args", len(args), "error", err, "cause", cause)
		c.record(domain.ActionMalformed)
		return
	}
	msg := pair.Message

	result, replyErr := c.reply(ctx, pair, cause)
	switch result {
	case domain.RecoveryReplySent:
		c.log.Debug("Error reply sent",
			"correlation_id", msg.CorrelationId,
			"reply_to", msg.ReplyTo,
			"cause", cause,
		)
		c.record(domain.ActionReplied)
		return
	case domain.RecoveryReplyFailed:
		var prior *reply.ReplyFailedError
		if errors.As(cause, &prior) {
			c.log.Warn("Reply skipped: prior reply failure",
				"correlation_id", msg.CorrelationId,
				"reply_to", msg.ReplyTo,
				"error", replyErr,
			)
			break
		}
		metrics.ReplyFailures.Inc()
		c.log.Warn("Error reply failed",
			"correlation_id", msg.CorrelationId,
			"reply_to", msg.ReplyTo,
			"error", replyErr,
		)
	}

	if c.fallback == nil {
		c.log.Warn("Message dropped",
			"message_id", msg.MessageId,
			"correlation_id", msg.CorrelationId,
			"routing_key", msg.RoutingKey,
			"error", cause,
		)
		c.record(domain.ActionDropped)
		return
	}

	action := c.fallback.Action()
	if err := c.fallback.Recover(ctx, msg, cause); err != nil {
		c.log.Error("Fallback recovery failed, message dropped",
			"action", action,
			"message_id", msg.MessageId,
			"routing_key", msg.RoutingKey,
			"error", err,
			"cause", cause,
		)
		metrics.RecoveryErrors.WithLabelValues(string(action)).Inc()
		c.record(domain.ActionDropped)
		return
	}
	c.record(action)
}

func (c *Chain) reply(ctx context.Context, pair ChannelAndMessage, cause error) (domain.RecoveryResult, error) {
	replied, err := c.replier.ReplyError(ctx, pair.Channel, pair.Message, cause)
	switch {
	case err != nil:
		return domain.RecoveryReplyFailed, err
	case replied:
		return domain.RecoveryReplySent, nil
	default:
		return domain.RecoveryReplyNotApplicable, nil
	}
}

func (c *Chain) record(action domain.RecoveryAction) {
	metrics.Recoveries.WithLabelValues(string(action)).Inc()
}
