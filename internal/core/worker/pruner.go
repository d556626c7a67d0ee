package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/rpcworker/internal/infra/storage"
)

// Pruner deletes dead letters older than the retention period.
type Pruner struct {
	repo      storage.DeadLetterRepository
	retention time.Duration
	interval  time.Duration
	log       *slog.Logger
	now       func() time.Time
}

// NewPruner creates a new Pruner worker. A zero interval derives one from the
// retention period.
func NewPruner(repo storage.DeadLetterRepository, retention, interval time.Duration, log *slog.Logger) *Pruner {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		// 10% of retention period, between 1 minute and 1 hour
		interval = min(retention/10, 1*time.Hour)
		interval = max(interval, 1*time.Minute)
	}
	return &Pruner{
		repo:      repo,
		retention: retention,
		interval:  interval,
		log:       log.With("component", "pruner"),
		now:       time.Now,
	}
}

// Interval returns the time between prune runs.
func (p *Pruner) Interval() time.Duration { return p.interval }

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Initial prune
	p.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

// Prune deletes every dead letter created before now minus the retention
// period and returns how many were removed.
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	if p.retention <= 0 {
		return 0, nil
	}
	return p.repo.DeleteOlderThan(ctx, p.now().Add(-p.retention))
}

func (p *Pruner) prune(ctx context.Context) {
	n, err := p.Prune(ctx)
	if err != nil {
		p.log.Error("Failed to prune dead letters", "error", err)
		return
	}
	if n > 0 {
		p.log.Info("Pruned dead letters", "count", n, "retention", p.retention)
	}
}
