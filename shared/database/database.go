package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// NewConnection opens a postgres pool through sqlx and verifies it with a ping.
func NewConnection(ctx context.Context, databaseURL string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// Schema creates the projection, inbox and outbox tables. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS catalog_categories (
	id BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS catalog_products (
	id BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	price TEXT NOT NULL DEFAULT '',
	category_id BIGINT,
	animal_type TEXT NOT NULL DEFAULT '',
	stock BIGINT,
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_catalog_products_category ON catalog_products(category_id);

CREATE TABLE IF NOT EXISTS inbox (
	event_id VARCHAR(255) NOT NULL,
	consumer VARCHAR(255) NOT NULL,
	event_kind VARCHAR(64) NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (event_id, consumer)
);

CREATE TABLE IF NOT EXISTS outbox (
	id BIGSERIAL PRIMARY KEY,
	message_id VARCHAR(255) UNIQUE NOT NULL,
	event_kind VARCHAR(64) NOT NULL,
	exchange VARCHAR(255) NOT NULL,
	routing_key VARCHAR(255) NOT NULL,
	payload JSONB NOT NULL,
	status VARCHAR(32) NOT NULL DEFAULT 'PENDING',
	retry_count INT NOT NULL DEFAULT 0,
	error TEXT,
	locked_at TIMESTAMPTZ,
	locked_by VARCHAR(255),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status);
CREATE INDEX IF NOT EXISTS idx_outbox_locked_at ON outbox(locked_at);
`

func InitSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}
