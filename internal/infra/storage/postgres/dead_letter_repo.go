package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/rpcworker/internal/core/domain"
	"github.com/vietddude/rpcworker/internal/infra/storage"
)

// DeadLetterRepo implements storage.DeadLetterRepository using PostgreSQL.
type DeadLetterRepo struct {
	db *DB
}

// NewDeadLetterRepo creates a new PostgreSQL dead letter repository.
func NewDeadLetterRepo(db *DB) *DeadLetterRepo {
	return &DeadLetterRepo{db: db}
}

type deadLetterRow struct {
	ID            string    `db:"id"`
	Queue         string    `db:"queue"`
	Exchange      string    `db:"exchange"`
	RoutingKey    string    `db:"routing_key"`
	MessageID     string    `db:"message_id"`
	CorrelationID string    `db:"correlation_id"`
	ReplyTo       string    `db:"reply_to"`
	ContentType   string    `db:"content_type"`
	Headers       []byte    `db:"headers"`
	Body          []byte    `db:"body"`
	ErrorMsg      string    `db:"error_msg"`
	ErrorType     string    `db:"error_type"`
	Status        string    `db:"status"`
	ReplayCount   int       `db:"replay_count"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

const deadLetterColumns = `id, queue, exchange, routing_key, message_id, correlation_id, reply_to,
	content_type, headers, body, error_msg, error_type, status, replay_count, created_at, updated_at`

func (row deadLetterRow) toDomain() (*domain.DeadLetter, error) {
	var headers map[string]any
	if len(row.Headers) > 0 {
		if err := json.Unmarshal(row.Headers, &headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal headers for %s: %w", row.ID, err)
		}
	}
	return &domain.DeadLetter{
		ID:            row.ID,
		Queue:         row.Queue,
		Exchange:      row.Exchange,
		RoutingKey:    row.RoutingKey,
		MessageID:     row.MessageID,
		CorrelationID: row.CorrelationID,
		ReplyTo:       row.ReplyTo,
		ContentType:   row.ContentType,
		Headers:       headers,
		Body:          row.Body,
		Error:         row.ErrorMsg,
		ErrorType:     row.ErrorType,
		Status:        domain.DeadLetterStatus(row.Status),
		ReplayCount:   row.ReplayCount,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}, nil
}

// Add stores a dead letter.
func (r *DeadLetterRepo) Add(ctx context.Context, dl *domain.DeadLetter) error {
	query := `
		INSERT INTO dead_letters (id, queue, exchange, routing_key, message_id, correlation_id, reply_to,
			content_type, headers, body, error_msg, error_type, status, replay_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
	`
	headers := dl.Headers
	if headers == nil {
		headers = map[string]any{}
	}
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	status := string(dl.Status)
	if status == "" {
		status = string(domain.DeadLetterStatusPending)
	}
	createdAt := dl.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = r.db.ExecContext(
		ctx,
		query,
		dl.ID,
		dl.Queue,
		dl.Exchange,
		dl.RoutingKey,
		dl.MessageID,
		dl.CorrelationID,
		dl.ReplyTo,
		dl.ContentType,
		headersJSON,
		dl.Body,
		dl.Error,
		dl.ErrorType,
		status,
		dl.ReplayCount,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add dead letter: %w", err)
	}
	return nil
}

// Get retrieves a dead letter by ID.
func (r *DeadLetterRepo) Get(ctx context.Context, id string) (*domain.DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters WHERE id = $1`

	var row deadLetterRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return row.toDomain()
}

// List returns dead letters with the given status, oldest first.
func (r *DeadLetterRepo) List(
	ctx context.Context,
	status domain.DeadLetterStatus,
	limit int,
) ([]*domain.DeadLetter, error) {
	query := `SELECT ` + deadLetterColumns + `
		FROM dead_letters
		WHERE status = $1
		ORDER BY created_at ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var rows []deadLetterRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	letters := make([]*domain.DeadLetter, 0, len(rows))
	for _, row := range rows {
		dl, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		letters = append(letters, dl)
	}
	return letters, nil
}

// MarkReplayed flags a dead letter as replayed.
func (r *DeadLetterRepo) MarkReplayed(ctx context.Context, id string) error {
	query := `
		UPDATE dead_letters
		SET status = 'replayed', replay_count = replay_count + 1, updated_at = NOW()
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark dead letter replayed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrDeadLetterNotFound
	}
	return nil
}

// Count returns the number of dead letters with the given status.
func (r *DeadLetterRepo) Count(ctx context.Context, status domain.DeadLetterStatus) (int, error) {
	query := `SELECT COUNT(*) FROM dead_letters WHERE status = $1`
	var count int
	if err := r.db.GetContext(ctx, &count, query, string(status)); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes dead letters created before the cutoff.
func (r *DeadLetterRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune dead letters: %w", err)
	}
	return res.RowsAffected()
}
