// Package postgres stores rate-limit windows and CSRF tokens in the
// application's Postgres database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"edge-guard/internal/config"
	"edge-guard/internal/util"
)

// Schema is applied by EnsureSchema. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
	identifier   TEXT        NOT NULL,
	bucket       TEXT        NOT NULL,
	window_start TIMESTAMPTZ NOT NULL,
	window_end   TIMESTAMPTZ NOT NULL,
	count        BIGINT      NOT NULL DEFAULT 0,
	PRIMARY KEY (identifier, bucket)
);

CREATE INDEX IF NOT EXISTS rate_limits_window_end_idx ON rate_limits (window_end);

CREATE TABLE IF NOT EXISTS csrf_tokens (
	id         UUID        PRIMARY KEY,
	user_id    TEXT        NOT NULL,
	token_hash TEXT        NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	used       BOOLEAN     NOT NULL DEFAULT FALSE,
	used_at    TIMESTAMPTZ,
	ip_address TEXT        NOT NULL DEFAULT '',
	user_agent TEXT        NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (user_id, token_hash)
);
`

// Open connects with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	util.Info("Postgres connection established",
		util.Int("max_open_conns", cfg.MaxOpenConns),
		util.Int("max_idle_conns", cfg.MaxIdleConns))
	return db, nil
}

func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply postgres schema: %w", err)
	}
	util.Info("Postgres schema ensured")
	return nil
}

// wrap annotates err and points at the schema bootstrap when a table is
// missing.
func wrap(err error, op string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "42P01" {
		util.Error("Postgres table missing, set POSTGRES_ENSURE_SCHEMA=true or apply the schema",
			util.String("operation", op),
			util.String("detail", pqErr.Message))
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
