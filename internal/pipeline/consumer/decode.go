package consumer

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vietddude/rpcworker/internal/infra/codec"
)

// Decode adapts fn into a Handler that decodes the request body with the
// codec matching its content type. A content type with no codec fails with
// *codec.UnsupportedContentTypeError before fn runs.
func Decode[Req any](reg *codec.Registry, fn func(ctx context.Context, req Req) (any, error)) Handler {
	return func(ctx context.Context, d *amqp.Delivery) (any, error) {
		var req Req
		if err := reg.Decode(d.ContentType, d.Body, &req); err != nil {
			return nil, err
		}
		return fn(ctx, req)
	}
}
