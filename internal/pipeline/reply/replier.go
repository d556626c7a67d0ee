// Package reply delivers RPC responses to the caller named by a request's
// reply-to address, on the channel the request arrived on.
package reply

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vietddude/rpcworker/internal/infra/codec"
)

// ErrorReplyType marks error replies in the AMQP type property.
const ErrorReplyType = "remote-invocation-result"

var (
	// ErrReplyFailed is matched by ReplyFailedError.
	ErrReplyFailed = errors.New("reply failed")

	errNoChannel = errors.New("no channel to reply on")
)

// ReplyFailedError reports that a reply could not be delivered.
type ReplyFailedError struct {
	Err error
}

func (e *ReplyFailedError) Error() string {
	return fmt.Sprintf("reply failed: %v", e.Err)
}

func (e *ReplyFailedError) Unwrap() error { return e.Err }

func (e *ReplyFailedError) Is(target error) bool { return target == ErrReplyFailed }

// Channel is the publishing side of the broker channel a request arrived on.
// *amqp.Channel satisfies it.
type Channel interface {
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
}

// Replier publishes replies encoded with a single codec.
type Replier struct {
	codec codec.Codec
	newID func() string
	clock func() time.Time
}

// NewReplier creates a Replier using c for reply bodies.
func NewReplier(c codec.Codec) *Replier {
	if c == nil {
		c = codec.JSON{}
	}
	return &Replier{
		codec: c,
		newID: uuid.NewString,
		clock: time.Now,
	}
}

// ContentType returns the content type of published replies.
func (r *Replier) ContentType() string { return r.codec.ContentType() }

// ReplyError notifies the caller of msg that processing failed with cause.
//
// It returns false with a nil error when msg has no reply-to address, true
// when the reply was published, and false with a *ReplyFailedError when
// publishing failed. If cause already contains a ReplyFailedError that error
// is returned without publishing again. The reply is never retried here.
func (r *Replier) ReplyError(ctx context.Context, ch Channel, msg *amqp.Delivery, cause error) (bool, error) {
	var prior *ReplyFailedError
	if errors.As(cause, &prior) {
		return false, prior
	}
	if msg == nil || msg.ReplyTo == "" {
		return false, nil
	}
	body, err := r.Encode(NewErrorResult(RootCause(cause)))
	if err != nil {
		return false, &ReplyFailedError{Err: err}
	}
	if err := r.publish(ctx, ch, msg, body, ErrorReplyType); err != nil {
		return false, err
	}
	return true, nil
}

// ReplyResult publishes a successful handler result to the caller of msg.
// It returns false when msg has no reply-to address.
func (r *Replier) ReplyResult(ctx context.Context, ch Channel, msg *amqp.Delivery, result any) (bool, error) {
	if msg == nil || msg.ReplyTo == "" {
		return false, nil
	}
	body, err := r.Encode(result)
	if err != nil {
		return false, &ReplyFailedError{Err: err}
	}
	return r.ReplyEncoded(ctx, ch, msg, body)
}

// Encode marshals a reply body with the reply codec.
func (r *Replier) Encode(v any) ([]byte, error) {
	body, err := r.codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	return body, nil
}

// ReplyEncoded publishes a body produced by Encode to the caller of msg.
// It returns false when msg has no reply-to address.
func (r *Replier) ReplyEncoded(ctx context.Context, ch Channel, msg *amqp.Delivery, body []byte) (bool, error) {
	if msg == nil || msg.ReplyTo == "" {
		return false, nil
	}
	if err := r.publish(ctx, ch, msg, body, ""); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Replier) publish(ctx context.Context, ch Channel, msg *amqp.Delivery, body []byte, msgType string) error {
	if ch == nil {
		return &ReplyFailedError{Err: errNoChannel}
	}

	correlationID := msg.CorrelationId
	if correlationID == "" {
		correlationID = msg.MessageId
	}

	exchange, key := ParseAddress(msg.ReplyTo)
	if err := ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:   r.codec.ContentType(),
		CorrelationId: correlationID,
		MessageId:     r.newID(),
		Timestamp:     r.clock(),
		Type:          msgType,
		Body:          body,
	}); err != nil {
		return &ReplyFailedError{Err: err}
	}
	return nil
}
