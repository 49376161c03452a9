package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS message_log (
		message_id          TEXT PRIMARY KEY,
		provider_message_id TEXT UNIQUE,
		campaign_id         TEXT NOT NULL,
		recipient_id        TEXT NOT NULL,
		email               TEXT NOT NULL,
		subject             TEXT,
		status              TEXT NOT NULL DEFAULT 'sent',
		status_at           TIMESTAMPTZ NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_message_log_campaign ON message_log(campaign_id)`,

	`CREATE TABLE IF NOT EXISTS webhook_dedup (
		dedup_key     TEXT PRIMARY KEY,
		first_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_dedup_seen ON webhook_dedup(first_seen_at)`,

	`CREATE TABLE IF NOT EXISTS tracking_details (
		id                  TEXT PRIMARY KEY,
		provider_message_id TEXT NOT NULL,
		event_type          TEXT NOT NULL,
		url                 TEXT,
		ip_address          TEXT,
		user_agent          TEXT,
		location            TEXT,
		is_bot              BOOLEAN NOT NULL DEFAULT FALSE,
		occurred_at         TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tracking_details_msg ON tracking_details(provider_message_id)`,

	`CREATE TABLE IF NOT EXISTS recipients (
		id         TEXT PRIMARY KEY,
		email      TEXT UNIQUE NOT NULL,
		status     TEXT NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS suppressions (
		id          TEXT NOT NULL,
		email       TEXT PRIMARY KEY,
		reason      TEXT NOT NULL,
		source      TEXT NOT NULL,
		campaign_id TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS bounce_history (
		email             TEXT PRIMARY KEY,
		soft_bounce_count INT NOT NULL DEFAULT 0,
		last_bounce_at    TIMESTAMPTZ,
		last_delivered_at TIMESTAMPTZ,
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS send_queue (
		id            BIGSERIAL PRIMARY KEY,
		message_id    TEXT UNIQUE NOT NULL,
		campaign_id   TEXT NOT NULL,
		email         TEXT NOT NULL,
		payload       JSONB NOT NULL,
		status        TEXT NOT NULL DEFAULT 'pending',
		attempts      INT NOT NULL DEFAULT 0,
		error_message TEXT,
		scheduled_at  TIMESTAMPTZ NOT NULL,
		locked_at     TIMESTAMPTZ,
		completed_at  TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_send_queue_due ON send_queue(status, scheduled_at)`,
}

// EnsureSchema creates every table the engine needs. Statements are
// idempotent so startup can run this unconditionally.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
