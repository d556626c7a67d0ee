package recovery

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/vietddude/rpcworker/internal/core/domain"
	"github.com/vietddude/rpcworker/internal/infra/storage"
	"github.com/vietddude/rpcworker/internal/pipeline/metrics"
	"github.com/vietddude/rpcworker/internal/pipeline/reply"
)

// ArchiveRecoverer stores failed messages in a dead letter repository.
type ArchiveRecoverer struct {
	repo  storage.DeadLetterRepository
	queue string
	newID func() string
	clock func() time.Time
}

// NewArchiveRecoverer creates an ArchiveRecoverer for messages consumed from
// queue.
func NewArchiveRecoverer(repo storage.DeadLetterRepository, queue string) *ArchiveRecoverer {
	return &ArchiveRecoverer{
		repo:  repo,
		queue: queue,
		newID: uuid.NewString,
		clock: time.Now,
	}
}

func (a *ArchiveRecoverer) Action() domain.RecoveryAction { return domain.ActionArchived }

// Recover stores msg as a pending dead letter.
func (a *ArchiveRecoverer) Recover(ctx context.Context, msg *amqp.Delivery, cause error) error {
	dl := NewDeadLetter(a.newID(), a.queue, msg, cause, a.clock())
	if err := a.repo.Add(ctx, dl); err != nil {
		return fmt.Errorf("failed to archive message %s: %w", msg.MessageId, err)
	}
	metrics.DeadLettersPending.Inc()
	return nil
}

// NewDeadLetter builds a pending dead letter from a failed delivery.
func NewDeadLetter(id, queue string, msg *amqp.Delivery, cause error, now time.Time) *domain.DeadLetter {
	root := reply.RootCause(cause)
	errMsg := ""
	if root != nil {
		errMsg = root.Error()
	}
	return &domain.DeadLetter{
		ID:            id,
		Queue:         queue,
		Exchange:      msg.Exchange,
		RoutingKey:    msg.RoutingKey,
		MessageID:     msg.MessageId,
		CorrelationID: msg.CorrelationId,
		ReplyTo:       msg.ReplyTo,
		ContentType:   msg.ContentType,
		Headers:       maps.Clone(map[string]any(msg.Headers)),
		Body:          msg.Body,
		Error:         errMsg,
		ErrorType:     reply.TypeName(root),
		Status:        domain.DeadLetterStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
