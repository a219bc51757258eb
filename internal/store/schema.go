package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of a pgx pool needed to apply DDL.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

var schema = []string{
	`CREATE SCHEMA IF NOT EXISTS market`,

	`CREATE TABLE IF NOT EXISTS market.instruments (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL DEFAULT '',
		size            TEXT NOT NULL DEFAULT '',
		lowest_ask      NUMERIC(12,2),
		highest_bid     NUMERIC(12,2),
		last_sale_price NUMERIC(12,2),
		sales_count     INTEGER NOT NULL DEFAULT 0,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS market.bids (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		instrument_id TEXT NOT NULL REFERENCES market.instruments(id),
		price         NUMERIC(12,2) NOT NULL CHECK (price > 0),
		status        TEXT NOT NULL,
		expires_at    TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS bids_book_idx
		ON market.bids (instrument_id, status, price DESC, created_at)`,
	`CREATE INDEX IF NOT EXISTS bids_user_idx ON market.bids (user_id, status)`,

	`CREATE TABLE IF NOT EXISTS market.asks (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		instrument_id TEXT NOT NULL REFERENCES market.instruments(id),
		price         NUMERIC(12,2) NOT NULL CHECK (price > 0),
		status        TEXT NOT NULL,
		expires_at    TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS asks_book_idx
		ON market.asks (instrument_id, status, price ASC, created_at)`,
	`CREATE INDEX IF NOT EXISTS asks_user_idx ON market.asks (user_id, status)`,

	`CREATE TABLE IF NOT EXISTS market.trades (
		id              TEXT PRIMARY KEY,
		buyer_id        TEXT NOT NULL,
		seller_id       TEXT NOT NULL,
		instrument_id   TEXT NOT NULL REFERENCES market.instruments(id),
		bid_id          TEXT NOT NULL REFERENCES market.bids(id),
		ask_id          TEXT NOT NULL REFERENCES market.asks(id),
		price           NUMERIC(12,2) NOT NULL,
		platform_fee    NUMERIC(12,2) NOT NULL,
		status          TEXT NOT NULL,
		chat_channel_id TEXT,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL,
		CONSTRAINT trades_bid_ask_key UNIQUE (bid_id, ask_id),
		CONSTRAINT trades_distinct_parties CHECK (buyer_id <> seller_id)
	)`,
	`CREATE INDEX IF NOT EXISTS trades_buyer_idx ON market.trades (buyer_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS trades_seller_idx ON market.trades (seller_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS trades_delivered_idx ON market.trades (instrument_id, status, updated_at DESC)`,

	`CREATE TABLE IF NOT EXISTS market.payments (
		id                  TEXT PRIMARY KEY,
		trade_id            TEXT NOT NULL REFERENCES market.trades(id),
		provider_payment_id TEXT NOT NULL,
		amount              NUMERIC(12,2) NOT NULL,
		platform_fee        NUMERIC(12,2) NOT NULL,
		status              TEXT NOT NULL,
		idempotency_key     TEXT NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payments_provider_payment_id_key
		ON market.payments (provider_payment_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payments_idempotency_key_key
		ON market.payments (idempotency_key)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payments_open_per_trade_key
		ON market.payments (trade_id) WHERE status <> 'REFUNDED'`,

	`CREATE TABLE IF NOT EXISTS market.notifications (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		type       TEXT NOT NULL,
		title      TEXT NOT NULL,
		message    TEXT NOT NULL,
		metadata   JSONB NOT NULL DEFAULT '{}'::jsonb,
		read       BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS notifications_user_idx
		ON market.notifications (user_id, read, created_at DESC)`,
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db Execer) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
