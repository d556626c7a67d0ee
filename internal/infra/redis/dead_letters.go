package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/rpcworker/internal/core/domain"
	"github.com/vietddude/rpcworker/internal/infra/storage"
)

var statuses = []domain.DeadLetterStatus{
	domain.DeadLetterStatusPending,
	domain.DeadLetterStatusReplayed,
	domain.DeadLetterStatusIgnored,
}

// DeadLetterRepo implements storage.DeadLetterRepository using Redis.
// Each status has a sorted set of IDs scored by creation time; the letters
// themselves are JSON blobs that expire after ttl (0 keeps them forever).
type DeadLetterRepo struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewDeadLetterRepo creates a new Redis-backed dead letter repository.
func NewDeadLetterRepo(client *Client, prefix string, ttl time.Duration) *DeadLetterRepo {
	if prefix == "" {
		prefix = "rpcworker"
	}
	return &DeadLetterRepo{
		rdb:    client.rdb,
		prefix: prefix,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Key helpers
func (r *DeadLetterRepo) indexKey(status domain.DeadLetterStatus) string {
	return fmt.Sprintf("%s:dead_letters:%s", r.prefix, status)
}

func (r *DeadLetterRepo) letterKey(id string) string {
	return fmt.Sprintf("%s:dead_letter:%s", r.prefix, id)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Add stores a dead letter and indexes it under its status.
func (r *DeadLetterRepo) Add(ctx context.Context, dl *domain.DeadLetter) error {
	stored := *dl
	if stored.Status == "" {
		stored.Status = domain.DeadLetterStatusPending
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	stored.UpdatedAt = stored.CreatedAt

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.letterKey(stored.ID), data, r.ttl)
		pipe.ZAdd(ctx, r.indexKey(stored.Status), redis.Z{
			Score:  score(stored.CreatedAt),
			Member: stored.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add dead letter: %w", err)
	}
	return nil
}

// Get retrieves a dead letter by ID.
func (r *DeadLetterRepo) Get(ctx context.Context, id string) (*domain.DeadLetter, error) {
	data, err := r.rdb.Get(ctx, r.letterKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}

	var dl domain.DeadLetter
	if err := json.Unmarshal(data, &dl); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}
	return &dl, nil
}

// List returns dead letters with the given status, oldest first.
func (r *DeadLetterRepo) List(
	ctx context.Context,
	status domain.DeadLetterStatus,
	limit int,
) ([]*domain.DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := r.rdb.ZRange(ctx, r.indexKey(status), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	letters := make([]*domain.DeadLetter, 0, len(ids))
	for _, id := range ids {
		dl, err := r.Get(ctx, id)
		if errors.Is(err, storage.ErrDeadLetterNotFound) {
			// Data expired but ID still indexed, remove it
			r.rdb.ZRem(ctx, r.indexKey(status), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		letters = append(letters, dl)
	}
	return letters, nil
}

// MarkReplayed moves a dead letter to the replayed index.
func (r *DeadLetterRepo) MarkReplayed(ctx context.Context, id string) error {
	dl, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	prev := dl.Status

	dl.Status = domain.DeadLetterStatusReplayed
	dl.ReplayCount++
	dl.UpdatedAt = r.now()

	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetArgs(ctx, r.letterKey(id), data, redis.SetArgs{KeepTTL: true})
		pipe.ZRem(ctx, r.indexKey(prev), id)
		pipe.ZAdd(ctx, r.indexKey(dl.Status), redis.Z{
			Score:  score(dl.CreatedAt),
			Member: id,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark dead letter replayed: %w", err)
	}
	return nil
}

// Count returns the number of dead letters with the given status.
func (r *DeadLetterRepo) Count(ctx context.Context, status domain.DeadLetterStatus) (int, error) {
	count, err := r.rdb.ZCard(ctx, r.indexKey(status)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}
	return int(count), nil
}

// DeleteOlderThan removes dead letters created before the cutoff.
func (r *DeadLetterRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	maxScore := "(" + strconv.FormatInt(before.UnixMilli(), 10)

	var deleted int64
	for _, status := range statuses {
		key := r.indexKey(status)
		ids, err := r.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: maxScore}).Result()
		if err != nil {
			return deleted, fmt.Errorf("zrangebyscore failed: %w", err)
		}
		if len(ids) == 0 {
			continue
		}

		members := make([]any, len(ids))
		keys := make([]string, len(ids))
		for i, id := range ids {
			members[i] = id
			keys[i] = r.letterKey(id)
		}

		_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			pipe.ZRem(ctx, key, members...)
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to prune dead letters: %w", err)
		}
		deleted += int64(len(ids))
	}
	return deleted, nil
}
