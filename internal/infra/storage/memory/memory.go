package memory

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/vietddude/rpcworker/internal/core/domain"
	"github.com/vietddude/rpcworker/internal/infra/storage"
)

// DeadLetterRepo keeps dead letters in process memory.
type DeadLetterRepo struct {
	letters map[string]*domain.DeadLetter
	mu      sync.RWMutex
	now     func() time.Time
}

func NewDeadLetterRepo() *DeadLetterRepo {
	return &DeadLetterRepo{
		letters: make(map[string]*domain.DeadLetter),
		now:     time.Now,
	}
}

func (r *DeadLetterRepo) Add(ctx context.Context, dl *domain.DeadLetter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := clone(dl)
	if stored.Status == "" {
		stored.Status = domain.DeadLetterStatusPending
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	stored.UpdatedAt = stored.CreatedAt
	r.letters[stored.ID] = stored
	return nil
}

func (r *DeadLetterRepo) Get(ctx context.Context, id string) (*domain.DeadLetter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dl, ok := r.letters[id]
	if !ok {
		return nil, storage.ErrDeadLetterNotFound
	}
	return clone(dl), nil
}

func (r *DeadLetterRepo) List(
	ctx context.Context,
	status domain.DeadLetterStatus,
	limit int,
) ([]*domain.DeadLetter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.DeadLetter
	for _, dl := range r.letters {
		if dl.Status == status {
			out = append(out, clone(dl))
		}
	}
	slices.SortFunc(out, func(a, b *domain.DeadLetter) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *DeadLetterRepo) MarkReplayed(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dl, ok := r.letters[id]
	if !ok {
		return storage.ErrDeadLetterNotFound
	}
	dl.Status = domain.DeadLetterStatusReplayed
	dl.ReplayCount++
	dl.UpdatedAt = r.now()
	return nil
}

func (r *DeadLetterRepo) Count(ctx context.Context, status domain.DeadLetterStatus) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, dl := range r.letters {
		if dl.Status == status {
			count++
		}
	}
	return count, nil
}

func (r *DeadLetterRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, dl := range r.letters {
		if dl.CreatedAt.Before(before) {
			delete(r.letters, id)
			deleted++
		}
	}
	return deleted, nil
}

func clone(dl *domain.DeadLetter) *domain.DeadLetter {
	c := *dl
	c.Headers = maps.Clone(dl.Headers)
	c.Body = slices.Clone(dl.Body)
	return &c
}
