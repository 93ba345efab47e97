// Package outbox implements the transactional outbox: producers save events in the
// same database transaction as their write, and a relay publishes them afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"petstore-platform/shared/messaging"

	"github.com/jmoiron/sqlx"
)

const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusPublished  = "PUBLISHED"
	StatusFailed     = "FAILED"
)

// Message is one row of the outbox table. Payload holds the complete wire body.
type Message struct {
	ID         int64           `db:"id" json:"id"`
	MessageID  string          `db:"message_id" json:"message_id"`
	EventKind  string          `db:"event_kind" json:"event_kind"`
	Exchange   string          `db:"exchange" json:"exchange"`
	RoutingKey string          `db:"routing_key" json:"routing_key"`
	Payload    json.RawMessage `db:"payload" json:"payload"`
	Status     string          `db:"status" json:"status"`
	RetryCount int             `db:"retry_count" json:"retry_count"`
	Error      *string         `db:"error" json:"error,omitempty"`
	LockedAt   *time.Time      `db:"locked_at" json:"locked_at,omitempty"`
	LockedBy   *string         `db:"locked_by" json:"locked_by,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// Repository is the part of the store the relay needs.
type Repository interface {
	FetchPending(ctx context.Context, workerID string, batchSize int) ([]Message, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkForRetry(ctx context.Context, id int64, errMsg string) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	ResetStuck(ctx context.Context, lockTimeout time.Duration) (int64, error)
}

// Store is the postgres outbox.
type Store struct {
	db *sqlx.DB
}

var _ Repository = (*Store)(nil)

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Save writes ev through exec, normally the *sqlx.Tx of the business write. The event
// is stamped now if it carries no timestamp, so projections order it by commit time
// rather than relay time. It returns the event id.
func (s *Store) Save(ctx context.Context, exec sqlx.ExecerContext, ev messaging.Event) (string, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	body, err := ev.Marshal()
	if err != nil {
		return "", err
	}

	route := messaging.RouteFor(ev.Kind)
	query := `
		INSERT INTO outbox (message_id, event_kind, exchange, routing_key, payload, status)
		VALUES ($1, $2, $3, $4, $5, 'PENDING')
	`
	if _, err := exec.ExecContext(ctx, query, ev.ID, string(ev.Kind), route.Exchange, route.RoutingKey, body); err != nil {
		return "", fmt.Errorf("failed to save outbox message: %w", err)
	}
	return ev.ID, nil
}

// FetchPending claims up to batchSize pending rows for workerID. FOR UPDATE SKIP LOCKED
// lets several relays share the table without claiming the same row.
func (s *Store) FetchPending(ctx context.Context, workerID string, batchSize int) ([]Message, error) {
	query := `
		UPDATE outbox
		SET
			status = 'PROCESSING',
			locked_at = NOW(),
			locked_by = $1,
			updated_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox
			WHERE status = 'PENDING'
			ORDER BY id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, message_id, event_kind, exchange, routing_key, payload, status,
			retry_count, error, locked_at, locked_by, created_at, updated_at
	`

	var messages []Message
	if err := s.db.SelectContext(ctx, &messages, query, workerID, batchSize); err != nil {
		return nil, fmt.Errorf("failed to get pending messages: %w", err)
	}
	return messages, nil
}

func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	query := `
		UPDATE outbox
		SET status = 'PUBLISHED',
			updated_at = NOW(),
			locked_at = NULL,
			locked_by = NULL,
			error = NULL
		WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

func (s *Store) MarkForRetry(ctx context.Context, id int64, errMsg string) error {
	query := `
		UPDATE outbox
		SET status = 'PENDING',
			retry_count = retry_count + 1,
			updated_at = NOW(),
			locked_at = NULL,
			locked_by = NULL,
			error = $2
		WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, query, id, errMsg)
	return err
}

func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	query := `
		UPDATE outbox
		SET status = 'FAILED',
			retry_count = retry_count + 1,
			updated_at = NOW(),
			locked_at = NULL,
			locked_by = NULL,
			error = $2
		WHERE id = $1
	`
	_, err := s.db.ExecContext(ctx, query, id, errMsg)
	return err
}

// ResetStuck returns rows claimed by a relay that died mid-batch to PENDING.
func (s *Store) ResetStuck(ctx context.Context, lockTimeout time.Duration) (int64, error) {
	query := `
		UPDATE outbox
		SET status = 'PENDING',
			locked_at = NULL,
			locked_by = NULL,
			updated_at = NOW()
		WHERE status = 'PROCESSING'
		  AND locked_at < $1
	`
	result, err := s.db.ExecContext(ctx, query, time.Now().Add(-lockTimeout))
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck messages: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
