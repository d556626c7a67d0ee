package recovery

import (
	"errors"
	"fmt"
	"reflect"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vietddude/rpcworker/internal/pipeline/reply"
)

// ErrIllegalArgs is matched by IllegalArgsError.
var ErrIllegalArgs = errors.New("illegal recovery arguments")

// IllegalArgsError reports recovery arguments that do not carry a channel and
// a message.
type IllegalArgsError struct {
	Reason string
}

func (e *IllegalArgsError) Error() string {
	return fmt.Sprintf("illegal recovery arguments: %s", e.Reason)
}

func (e *IllegalArgsError) Is(target error) bool { return target == ErrIllegalArgs }

// ChannelAndMessage is the channel a request arrived on and the request itself.
type ChannelAndMessage struct {
	Channel reply.Channel
	Message *amqp.Delivery
}

// Args builds the argument list the consumer hands to the retry executor.
func Args(ch reply.Channel, msg *amqp.Delivery) []any {
	return []any{ch, msg}
}

// NewChannelAndMessage reconstructs the pair from the executor's argument
// list. args[0] must be a reply.Channel and args[1] an *amqp.Delivery; extra
// arguments are ignored.
func NewChannelAndMessage(args []any) (ChannelAndMessage, error) {
	if len(args) < 2 {
		return ChannelAndMessage{}, &IllegalArgsError{Reason: "not enough arguments for reply were provided"}
	}
	ch, ok := args[0].(reply.Channel)
	if !ok || isNil(args[0]) {
		return ChannelAndMessage{}, &IllegalArgsError{Reason: fmt.Sprintf("argument 0 is %T, not a channel", args[0])}
	}
	msg, ok := args[1].(*amqp.Delivery)
	if !ok || msg == nil {
		return ChannelAndMessage{}, &IllegalArgsError{Reason: fmt.Sprintf("argument 1 is %T, not a message", args[1])}
	}
	return ChannelAndMessage{Channel: ch, Message: msg}, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
