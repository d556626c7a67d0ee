package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vietddude/rpcworker/internal/core/domain"
	"github.com/vietddude/rpcworker/internal/infra/storage"
	"github.com/vietddude/rpcworker/internal/pipeline/metrics"
)

// HeaderReplayCount counts how often a dead letter was replayed.
const HeaderReplayCount = "x-replay-count"

// Replayer republishes archived dead letters to their original destination.
type Replayer struct {
	repo      storage.DeadLetterRepository
	publisher Publisher
	log       *slog.Logger
}

// NewReplayer creates a new Replayer.
func NewReplayer(repo storage.DeadLetterRepository, publisher Publisher, log *slog.Logger) *Replayer {
	if log == nil {
		log = slog.Default()
	}
	return &Replayer{
		repo:      repo,
		publisher: publisher,
		log:       log.With("component", "replay"),
	}
}

// Replay republishes one dead letter and marks it replayed.
func (r *Replayer) Replay(ctx context.Context, id string) error {
	dl, err := r.repo.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get dead letter %s: %w", id, err)
	}
	return r.replay(ctx, dl)
}

// ReplayPending republishes up to limit pending dead letters, oldest first.
// It stops at the first failure and returns how many were replayed.
func (r *Replayer) ReplayPending(ctx context.Context, limit int) (int, error) {
	letters, err := r.repo.List(ctx, domain.DeadLetterStatusPending, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list dead letters: %w", err)
	}

	replayed := 0
	for _, dl := range letters {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if err := r.replay(ctx, dl); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}

func (r *Replayer) replay(ctx context.Context, dl *domain.DeadLetter) error {
	headers := tableFromHeaders(dl.Headers)
	headers[HeaderReplayCount] = int32(dl.ReplayCount + 1)

	err := r.publisher.Publish(ctx, dl.Exchange, dl.RoutingKey, amqp.Publishing{
		Headers:       headers,
		ContentType:   dl.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: dl.CorrelationID,
		ReplyTo:       dl.ReplyTo,
		MessageId:     dl.MessageID,
		Body:          dl.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to replay dead letter %s: %w", dl.ID, err)
	}

	if err := r.repo.MarkReplayed(ctx, dl.ID); err != nil {
		return fmt.Errorf("failed to mark dead letter %s replayed: %w", dl.ID, err)
	}
	if dl.Status == domain.DeadLetterStatusPending {
		metrics.DeadLettersPending.Dec()
	}

	r.log.Info("Dead letter replayed",
		"id", dl.ID,
		"exchange", dl.Exchange,
		"routing_key", dl.RoutingKey,
		"replay_count", dl.ReplayCount+1,
	)
	return nil
}

// tableFromHeaders rebuilds an amqp.Table from headers that went through a
// JSON round trip in storage. Nested objects become tables, arrays are
// converted element by element and integral numbers become int64.
func tableFromHeaders(headers map[string]any) amqp.Table {
	out := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		out[k] = headerValue(v)
	}
	return out
}

func headerValue(v any) any {
	switch v := v.(type) {
	case amqp.Table:
		return tableFromHeaders(v)
	case map[string]any:
		return tableFromHeaders(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = headerValue(e)
		}
		return out
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return int64(v)
		}
		return v
	default:
		return v
	}
}
