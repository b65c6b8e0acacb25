// Package db provides database connection helpers.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresPool creates and verifies a pgxpool connection pool.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return pool, nil
}

// migrations are idempotent, safe to run on every startup.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS listings (
		id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		company_id       TEXT NOT NULL,
		url              TEXT NOT NULL,
		title            TEXT NOT NULL DEFAULT '',
		location_city    TEXT NOT NULL DEFAULT '',
		location_region  TEXT NOT NULL DEFAULT '',
		location_country TEXT NOT NULL DEFAULT '',
		categories       TEXT[] NOT NULL DEFAULT '{}',
		role_titles      TEXT[] NOT NULL DEFAULT '{}',
		employment_type  TEXT NOT NULL DEFAULT '',
		work_arrangement TEXT NOT NULL DEFAULT '',
		salary_min       INTEGER,
		salary_max       INTEGER,
		salary_currency  TEXT NOT NULL DEFAULT '',
		origin           TEXT NOT NULL DEFAULT '',
		listing_status   TEXT NOT NULL DEFAULT 'active',
		source_status    TEXT NOT NULL DEFAULT 'scrapped',
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_seen_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		enriched_at      TIMESTAMPTZ,
		deactivated_at   TIMESTAMPTZ,
		UNIQUE (company_id, url)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_company ON listings (company_id)`,
	`CREATE INDEX IF NOT EXISTS idx_listings_source_status ON listings (source_status)`,

	`CREATE TABLE IF NOT EXISTS listing_sources (
		id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		listing_id  UUID NOT NULL UNIQUE REFERENCES listings (id),
		providers   JSONB NOT NULL DEFAULT '{}',
		diagnostics JSONB,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS companies (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		logo_url   TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS process_locks (
		id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		task_name    TEXT NOT NULL,
		instance_id  TEXT NOT NULL,
		parent_id    TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'processing',
		started_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ,
		error        TEXT NOT NULL DEFAULT '',
		retry_count  INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_process_locks_task
		ON process_locks (task_name) WHERE status = 'processing'`,
	`CREATE INDEX IF NOT EXISTS idx_process_locks_parent ON process_locks (parent_id)`,
}

// Migrate bootstraps the schema. Every statement is idempotent so the
// service can run it unconditionally at startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range migrations {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
