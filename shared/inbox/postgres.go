package inbox

import (
	"context"
	"fmt"

	"petstore-platform/shared/messaging"

	"github.com/jmoiron/sqlx"
)

// PostgresLedger stores processed event ids in the inbox table.
type PostgresLedger struct {
	db *sqlx.DB
}

var _ Ledger = (*PostgresLedger)(nil)

func NewPostgresLedger(db *sqlx.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Processed(ctx context.Context, consumer, eventID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM inbox WHERE consumer = $1 AND event_id = $2)`
	if err := l.db.GetContext(ctx, &exists, query, consumer, eventID); err != nil {
		return false, fmt.Errorf("failed to check inbox for %s: %w", eventID, err)
	}
	return exists, nil
}

func (l *PostgresLedger) MarkProcessed(ctx context.Context, consumer, eventID string, kind messaging.EventKind) error {
	query := `
		INSERT INTO inbox (event_id, consumer, event_kind)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id, consumer) DO NOTHING
	`
	if _, err := l.db.ExecContext(ctx, query, eventID, consumer, string(kind)); err != nil {
		return fmt.Errorf("failed to record inbox entry %s: %w", eventID, err)
	}
	return nil
}

// Recent lists the latest processed events of a consumer, newest first.
func (l *PostgresLedger) Recent(ctx context.Context, consumer string, limit int) ([]Record, error) {
	var records []Record
	query := `
		SELECT event_id, consumer, event_kind, processed_at
		FROM inbox WHERE consumer = $1
		ORDER BY processed_at DESC
		LIMIT $2
	`
	if err := l.db.SelectContext(ctx, &records, query, consumer, limit); err != nil {
		return nil, fmt.Errorf("failed to list inbox for %s: %w", consumer, err)
	}
	return records, nil
}
