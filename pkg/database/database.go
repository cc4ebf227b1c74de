package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate creates the tables this service owns.
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		// Linked Mercado Livre seller accounts, one primary per student.
		`CREATE TABLE IF NOT EXISTS meli_accounts (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			student_id TEXT NOT NULL,
			meli_user_id BIGINT NOT NULL DEFAULT 0,
			nickname TEXT NOT NULL DEFAULT '',
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token_enc TEXT NOT NULL DEFAULT '',
			token_expires_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			site_id TEXT NOT NULL DEFAULT 'MLB',
			is_primary BOOLEAN NOT NULL DEFAULT TRUE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			sync_status TEXT NOT NULL DEFAULT 'ok',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,

		// One primary account per student.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_meli_accounts_primary
			ON meli_accounts(student_id) WHERE is_primary = true;`,

		`CREATE INDEX IF NOT EXISTS idx_meli_accounts_student
			ON meli_accounts(student_id);`,

		// Resolution audit trail for operator troubleshooting.
		`CREATE TABLE IF NOT EXISTS resolution_log (
			id BIGSERIAL PRIMARY KEY,
			product_id TEXT NOT NULL,
			resolved_item_id TEXT NOT NULL DEFAULT '',
			catalog_id TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			approximate BOOLEAN NOT NULL DEFAULT FALSE,
			visits_source TEXT NOT NULL DEFAULT '',
			student_id TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,

		`CREATE INDEX IF NOT EXISTS idx_resolution_log_created
			ON resolution_log(created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_resolution_log_product
			ON resolution_log(product_id);`,
	}

	for _, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w\nQuery: %s", err, migration)
		}
	}

	return nil
}
