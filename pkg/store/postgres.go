package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// pqUniqueViolation is the SQLSTATE for a unique constraint violation.
const pqUniqueViolation = "23505"

var postgresDialect = dialect{
	name:        "postgres",
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	timeArg:     func(t time.Time) any { return t.UTC() },
	isConflict: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
	},
	schema: []string{
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			sequence BIGINT PRIMARY KEY,
			interaction_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			composite DOUBLE PRECISION NOT NULL,
			compliant BOOLEAN NOT NULL,
			hash TEXT NOT NULL UNIQUE,
			previous_hash TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_status ON ledger_entries (status)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_created_at ON ledger_entries (created_at)`,
	},
}

// NewPostgres wraps an open Postgres handle.
func NewPostgres(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, d: postgresDialect}
}

// OpenPostgres connects to url and verifies the connection.
func OpenPostgres(ctx context.Context, url string) (*SQLStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgres(db), nil
}
