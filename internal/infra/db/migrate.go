package db

import (
	"context"
	"database/sql"
	"fmt"

	"drip-engine/internal/resilience/retry"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS channels (
    id           BIGINT PRIMARY KEY,
    name         TEXT NOT NULL DEFAULT '',
    kind         VARCHAR(20) NOT NULL,
    endpoint     TEXT NOT NULL DEFAULT '',
    from_address TEXT NOT NULL DEFAULT '',
    credential   TEXT NOT NULL DEFAULT '',
    active       BOOLEAN NOT NULL DEFAULT TRUE
)`,
	`CREATE TABLE IF NOT EXISTS campaigns (
    id                        BIGSERIAL PRIMARY KEY,
    name                      TEXT NOT NULL,
    status                    VARCHAR(20) NOT NULL DEFAULT 'Draft',
    priority                  VARCHAR(10) NOT NULL DEFAULT 'normal',
    channel_id                BIGINT NOT NULL REFERENCES channels(id),
    rate_limit_max            INTEGER NOT NULL DEFAULT 0,
    rate_limit_window_seconds BIGINT NOT NULL DEFAULT 0,
    created_at                TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at                TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS campaign_messages (
    id            BIGSERIAL PRIMARY KEY,
    campaign_id   BIGINT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    sort_order    INTEGER NOT NULL CHECK (sort_order >= 1),
    body          TEXT NOT NULL DEFAULT '',
    caption       TEXT NOT NULL DEFAULT '',
    media_url     TEXT NOT NULL DEFAULT '',
    delay_minutes INTEGER NOT NULL DEFAULT 0,
    UNIQUE (campaign_id, sort_order)
)`,
	`CREATE TABLE IF NOT EXISTS contacts (
    id      BIGSERIAL PRIMARY KEY,
    name    TEXT NOT NULL DEFAULT '',
    phone   TEXT NOT NULL DEFAULT '',
    email   TEXT NOT NULL DEFAULT '',
    details JSONB
)`,
	`CREATE TABLE IF NOT EXISTS subscribers (
    id              BIGSERIAL PRIMARY KEY,
    campaign_id     BIGINT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    recipient_id    TEXT NOT NULL,
    contact_id      BIGINT REFERENCES contacts(id),
    status          VARCHAR(20) NOT NULL DEFAULT 'active',
    last_sent_order INTEGER NOT NULL DEFAULT 0,
    last_sent_at    TIMESTAMPTZ,
    metadata        JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (campaign_id, recipient_id)
)`,
	`CREATE TABLE IF NOT EXISTS delivery_logs (
    id                 BIGSERIAL PRIMARY KEY,
    subscriber_id      BIGINT NOT NULL REFERENCES subscribers(id) ON DELETE CASCADE,
    message_id         BIGINT NOT NULL REFERENCES campaign_messages(id) ON DELETE CASCADE,
    campaign_id        BIGINT NOT NULL,
    status             VARCHAR(10) NOT NULL,
    content            TEXT NOT NULL DEFAULT '',
    channel_message_id TEXT NOT NULL DEFAULT '',
    error              TEXT NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (subscriber_id, message_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_subscribers_campaign_status ON subscribers(campaign_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_delivery_logs_campaign ON delivery_logs(campaign_id, created_at DESC)`,
}

// MigrateUp creates every table and index if missing. It is safe to run on
// each boot.
func MigrateUp(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("MigrateUp: statement %d: %w", i+1, err)
		}
	}
	return nil
}

// WaitForSchema polls until the delivery_logs table is queryable, backing
// off between probes as cfg describes.
func WaitForSchema(ctx context.Context, db *sql.DB, cfg retry.Config) error {
	const probe = "SELECT 1 FROM delivery_logs LIMIT 1"
	err := retry.WithBackoffIf(ctx, cfg, retry.Always, func() error {
		_, err := db.ExecContext(ctx, probe)
		return err
	})
	if err != nil {
		return fmt.Errorf("schema not ready: %w", err)
	}
	return nil
}
