package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/rpcworker/internal/core/domain"
)

var (
	// ErrDeadLetterNotFound is returned when a dead letter doesn't exist
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)

// DeadLetterRepository stores messages whose processing and error reply both
// failed.
type DeadLetterRepository interface {
	// Add stores a dead letter
	Add(ctx context.Context, dl *domain.DeadLetter) error

	// Get retrieves a dead letter by ID
	Get(ctx context.Context, id string) (*domain.DeadLetter, error)

	// List retrieves dead letters with the given status, oldest first.
	// A limit <= 0 returns all of them.
	List(ctx context.Context, status domain.DeadLetterStatus, limit int) ([]*domain.DeadLetter, error)

	// MarkReplayed flags a dead letter as replayed and bumps its replay count
	MarkReplayed(ctx context.Context, id string) error

	// Count returns the number of dead letters with the given status
	Count(ctx context.Context, status domain.DeadLetterStatus) (int, error)

	// DeleteOlderThan removes dead letters created before the cutoff
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}
