package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteTimeLayout is fixed-width so text comparison orders correctly.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

var sqliteDialect = dialect{
	name:        "sqlite",
	placeholder: func(int) string { return "?" },
	timeArg: func(t time.Time) any {
		return t.UTC().Format(sqliteTimeLayout)
	},
	isConflict: func(err error) bool {
		var sqlErr *sqlite.Error
		if !errors.As(err, &sqlErr) {
			return false
		}
		switch sqlErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return false
	},
	schema: []string{
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			sequence INTEGER PRIMARY KEY,
			interaction_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			composite REAL NOT NULL,
			compliant BOOLEAN NOT NULL,
			hash TEXT NOT NULL UNIQUE,
			previous_hash TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_status ON ledger_entries (status)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_created_at ON ledger_entries (created_at)`,
	},
}

// NewSQLite wraps an open SQLite handle.
func NewSQLite(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, d: sqliteDialect}
}

// OpenSQLite opens (creating if needed) a SQLite ledger database at path.
// A single connection is used so writers never contend for the file lock.
func OpenSQLite(path string) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return NewSQLite(db), nil
}
