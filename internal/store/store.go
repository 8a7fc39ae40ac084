package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Dialect names which database/sql driver a Store talks to, since the
// query placeholder syntax differs between them.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

// Store wraps a database/sql handle with the queries the controller,
// worker, and ledger need. A single Store is shared across goroutines.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an already-opened *sql.DB. Callers open the connection with the
// driver matching dialect (lib/pq for Postgres, mattn/go-sqlite3 for tests).
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB exposes the underlying handle for callers (the ledger package) that
// need to manage their own transactions against the same connection pool.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.dialect }

// Rebind exposes the placeholder translation for packages (the ledger) that
// manage their own transactions directly against DB().
func (s *Store) Rebind(query string) string { return s.rebind(query) }

// rebind rewrites a query written with Postgres-style $1, $2, ... parameter
// markers into SQLite's ? markers when the store is running against SQLite.
func (s *Store) rebind(query string) string {
	if s.dialect != SQLite {
		return query
	}
	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			j := i + 1
			for j < len(query) && query[j] >= '0' && query[j] <= '9' {
				j++
			}
			b.WriteByte('?')
			i = j - 1
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Migrate creates every table if it doesn't already exist. It is idempotent
// and safe to call on every process start.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func schemaStatements(dialect Dialect) []string {
	autoIncrementPK := "TEXT PRIMARY KEY"
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS users (
			id %s,
			email TEXT NOT NULL UNIQUE,
			api_key_hash TEXT NOT NULL,
			api_key_hint TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_admin BOOLEAN NOT NULL DEFAULT FALSE,
			monthly_limit_usd DOUBLE PRECISION NOT NULL DEFAULT 200.0,
			per_job_max_usd DOUBLE PRECISION NOT NULL DEFAULT 50.0,
			created_at TIMESTAMP NOT NULL
		)`, autoIncrementPK),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS jobs (
			id %s,
			user_id TEXT NOT NULL REFERENCES users(id),
			status TEXT NOT NULL,
			preset TEXT NOT NULL,
			gpu_class TEXT NOT NULL,
			manifest_json TEXT NOT NULL,
			custom_options_json TEXT,
			manifest_hash TEXT NOT NULL,
			project_hash TEXT NOT NULL,
			bundle_key TEXT NOT NULL,
			bundle_sha256 TEXT NOT NULL,
			bundle_size_bytes BIGINT NOT NULL,
			result_key TEXT,
			output_name TEXT NOT NULL,
			notification_email TEXT,
			cost_estimate_usd DOUBLE PRECISION NOT NULL,
			cost_final_usd DOUBLE PRECISION,
			eta_seconds INTEGER NOT NULL,
			progress_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			error_message TEXT,
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
			cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		)`, autoIncrementPK),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS job_events (
			id %s,
			job_id TEXT NOT NULL REFERENCES jobs(id),
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			data_json TEXT,
			created_at TIMESTAMP NOT NULL
		)`, autoIncrementPK),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS usage (
			id %s,
			user_id TEXT NOT NULL REFERENCES users(id),
			month TEXT NOT NULL,
			cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
			minutes DOUBLE PRECISION NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL,
			UNIQUE(user_id, month)
		)`, autoIncrementPK),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cache_entries (
			id %s,
			manifest_hash TEXT NOT NULL,
			preset TEXT NOT NULL,
			result_key TEXT NOT NULL,
			output_name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(manifest_hash, preset)
		)`, autoIncrementPK),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS credit_ledger (
			id %s,
			user_id TEXT NOT NULL REFERENCES users(id),
			entry_type TEXT NOT NULL,
			status TEXT NOT NULL,
			amount_usd DOUBLE PRECISION NOT NULL,
			currency TEXT NOT NULL DEFAULT 'USD',
			job_id TEXT,
			external_id TEXT,
			details_json TEXT,
			created_at TIMESTAMP NOT NULL,
			CONSTRAINT uq_credit_ledger_external_id UNIQUE(external_id),
			CONSTRAINT uq_credit_ledger_job_entry UNIQUE(job_id, entry_type)
		)`, autoIncrementPK),
	}
}
