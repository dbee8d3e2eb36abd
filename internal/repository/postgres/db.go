package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema - таблицы durable store верификатора. Применяется Migrate при старте.
const Schema = `
CREATE TABLE IF NOT EXISTS verification_events (
	id           UUID PRIMARY KEY,
	kind         TEXT        NOT NULL,
	agent_id     TEXT        NOT NULL,
	session_id   TEXT        NOT NULL DEFAULT '',
	challenge_id TEXT        NOT NULL DEFAULT '',
	payload      JSONB,
	status       TEXT        NOT NULL DEFAULT '',
	error        TEXT        NOT NULL DEFAULT '',
	duration_ms  BIGINT      NOT NULL DEFAULT 0,
	timestamp    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS verification_events_agent_idx ON verification_events (agent_id, timestamp);

CREATE TABLE IF NOT EXISTS verified_agents (
	agent_id   TEXT PRIMARY KEY,
	trust_tier TEXT        NOT NULL,
	record     JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS verification_sessions (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT        NOT NULL,
	status     TEXT        NOT NULL,
	version    BIGINT      NOT NULL DEFAULT 0,
	record     JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS verification_sessions_active_idx
	ON verification_sessions (agent_id) WHERE status IN ('pending', 'in_progress');

CREATE TABLE IF NOT EXISTS spot_checks (
	id            TEXT PRIMARY KEY,
	agent_id      TEXT        NOT NULL,
	scheduled_for TIMESTAMPTZ NOT NULL,
	record        JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS spot_checks_agent_idx ON spot_checks (agent_id);

CREATE TABLE IF NOT EXISTS spot_check_results (
	agent_id TEXT        NOT NULL,
	at       TIMESTAMPTZ NOT NULL,
	passed   BOOLEAN     NOT NULL
);
CREATE INDEX IF NOT EXISTS spot_check_results_agent_idx ON spot_check_results (agent_id, at);
`

// PoolOptions - размеры пула соединений
type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPool создает пул и проверяет соединение
func NewPool(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}
	return pool, nil
}

// Migrate создает таблицы, если их еще нет
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migration failed: %w", err)
	}
	return nil
}
