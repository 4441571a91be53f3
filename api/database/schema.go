package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied in order on every start; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS internal_subscriptions (
		id                BIGSERIAL PRIMARY KEY,
		product_id        TEXT        NOT NULL,
		user_id           TEXT        NOT NULL,
		status            TEXT        NOT NULL,
		active            BOOLEAN     NOT NULL DEFAULT TRUE,
		next_due          BIGINT      NOT NULL DEFAULT 0,
		last_notification BIGINT,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS internal_subscriptions_active_idx
		ON internal_subscriptions (id) WHERE active`,
	`CREATE INDEX IF NOT EXISTS internal_subscriptions_user_idx
		ON internal_subscriptions (user_id)`,
	`CREATE TABLE IF NOT EXISTS internal_subscription_payment_refs (
		subscription_id BIGINT  NOT NULL REFERENCES internal_subscriptions (id),
		position        INTEGER NOT NULL,
		ref             TEXT    NOT NULL UNIQUE,
		PRIMARY KEY (subscription_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS processed_webhook_events (
		event_id     TEXT PRIMARY KEY,
		event_type   TEXT        NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS stripe_customers (
		id          BIGSERIAL PRIMARY KEY,
		customer_id TEXT        NOT NULL,
		product_id  TEXT        NOT NULL,
		user_id     TEXT        NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (customer_id, product_id)
	)`,
	`CREATE TABLE IF NOT EXISTS stripe_subscriptions (
		id                 BIGSERIAL PRIMARY KEY,
		customer_row_id    BIGINT      NOT NULL REFERENCES stripe_customers (id) ON DELETE CASCADE,
		external_id        TEXT        NOT NULL UNIQUE,
		status             TEXT        NOT NULL DEFAULT '',
		current_period_end BIGINT      NOT NULL DEFAULT 0,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS stripe_products (
		id          BIGSERIAL PRIMARY KEY,
		external_id TEXT        NOT NULL UNIQUE,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS plan_features (
		id         BIGSERIAL PRIMARY KEY,
		plan_id    TEXT    NOT NULL,
		feature    TEXT    NOT NULL,
		feature_id INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS plan_features_plan_idx ON plan_features (plan_id)`,
	`CREATE TABLE IF NOT EXISTS plan_alternate_prices (
		plan_id     TEXT PRIMARY KEY,
		currency    TEXT   NOT NULL,
		unit_amount BIGINT NOT NULL
	)`,
}

// Migrate creates the tables used by the recurring payments service.
func Migrate(ctx context.Context, conn *sql.DB) error {
	for i, stmt := range schema {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
