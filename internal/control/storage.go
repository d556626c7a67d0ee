package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/rpcworker/internal/core/config"
	redisclient "github.com/vietddude/rpcworker/internal/infra/redis"
	"github.com/vietddude/rpcworker/internal/infra/storage"
	"github.com/vietddude/rpcworker/internal/infra/storage/memory"
	"github.com/vietddude/rpcworker/internal/infra/storage/postgres"
	"github.com/vietddude/rpcworker/internal/pipeline/health"
)

// Storage is the dead letter store selected by configuration. PostgreSQL wins
// over Redis; with neither configured dead letters live in memory.
type Storage struct {
	DeadLetters storage.DeadLetterRepository
	Backend     string

	db          *postgres.DB
	redisClient *redisclient.Client
}

// OpenStorage connects to the configured dead letter backend.
func OpenStorage(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) (*Storage, error) {
	if log == nil {
		log = slog.Default()
	}

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		log.Info("Using PostgreSQL storage", "driver", cfg.Database.Driver)
		return &Storage{
			DeadLetters: postgres.NewDeadLetterRepo(db),
			Backend:     "postgres",
			db:          db,
		}, nil
	}

	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis: %w", err)
		}
		log.Info("Using Redis storage", "prefix", cfg.Redis.KeyPrefix)
		return &Storage{
			DeadLetters: redisclient.NewDeadLetterRepo(client, cfg.Redis.KeyPrefix, cfg.Redis.TTL),
			Backend:     "redis",
			redisClient: client,
		}, nil
	}

	log.Info("Using Memory storage")
	return &Storage{
		DeadLetters: memory.NewDeadLetterRepo(),
		Backend:     "memory",
	}, nil
}

// Register adds the backend connection to the health monitor.
func (s *Storage) Register(mon *health.Monitor) {
	switch {
	case s.db != nil:
		mon.Register("postgres", s.db, false)
	case s.redisClient != nil:
		mon.Register("redis", s.redisClient, false)
	}
}

// StartMetricsCollector reports connection pool usage until ctx is done.
func (s *Storage) StartMetricsCollector(ctx context.Context) {
	if s.db != nil {
		s.db.StartMetricsCollector(ctx)
	}
}

// Close releases the backend connection.
func (s *Storage) Close() error {
	var errs []error
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close db: %w", err))
		}
	}
	return errors.Join(errs...)
}
