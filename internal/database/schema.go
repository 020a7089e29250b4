package database

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id                 UUID PRIMARY KEY,
		user_id            TEXT NOT NULL,
		payer_email        TEXT NOT NULL,
		payer_name         TEXT NOT NULL DEFAULT '',
		items              JSONB NOT NULL,
		total              NUMERIC(12, 2) NOT NULL,
		delivery_address   JSONB NOT NULL,
		notes              TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL,
		preference_id      TEXT,
		external_reference TEXT,
		payment_id         TEXT NOT NULL DEFAULT '',
		failure_reason     TEXT NOT NULL DEFAULT '',
		created_at         TIMESTAMPTZ NOT NULL,
		updated_at         TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS orders_preference_id_idx ON orders (preference_id)`,
	`CREATE INDEX IF NOT EXISTS orders_external_reference_idx ON orders (external_reference)`,
	`CREATE INDEX IF NOT EXISTS orders_status_updated_at_idx ON orders (status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS orders_user_id_created_at_idx ON orders (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS payment_attempts (
		preference_id      TEXT PRIMARY KEY,
		order_id           UUID NOT NULL REFERENCES orders (id),
		external_reference TEXT NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS payment_attempts_external_reference_idx ON payment_attempts (external_reference)`,
	`CREATE INDEX IF NOT EXISTS payment_attempts_order_id_idx ON payment_attempts (order_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS payment_events (
		id            UUID PRIMARY KEY,
		seq           BIGSERIAL,
		order_id      UUID NOT NULL REFERENCES orders (id),
		preference_id TEXT NOT NULL,
		state         TEXT NOT NULL,
		payment_id    TEXT NOT NULL DEFAULT '',
		error         TEXT NOT NULL DEFAULT '',
		reason        TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS payment_events_order_id_idx ON payment_events (order_id, seq)`,
	`CREATE INDEX IF NOT EXISTS payment_events_preference_id_idx ON payment_events (preference_id, seq)`,
}

// Migrate creates the tables the repositories need. It is safe to run on
// every start.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
