// Package store provides durable SQL backends for the audit ledger.
//
// One implementation serves SQLite (lite mode) and Postgres. Each entry's
// full JSON form is kept in the payload column so a reload reproduces the
// hashed content byte for byte; the other columns exist for filtering.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avrtpro/avrt-firewall/pkg/ledger"
)

// scanPageSize bounds how many rows Scan holds open at once.
const scanPageSize = 500

// dialect captures the differences between SQLite and Postgres.
type dialect struct {
	name        string
	placeholder func(n int) string
	timeArg     func(t time.Time) any
	isConflict  func(err error) bool
	schema      []string
}

// SQLStore implements ledger.Store over database/sql.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

var _ ledger.Store = (*SQLStore)(nil)

// DB returns the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns "sqlite" or "postgres".
func (s *SQLStore) Dialect() string { return s.d.name }

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate: %w", s.d.name, err)
		}
	}
	return nil
}

func (s *SQLStore) Last(ctx context.Context) (*ledger.Entry, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM ledger_entries ORDER BY sequence DESC LIMIT 1",
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last entry: %w", err)
	}
	return decode(payload)
}

func (s *SQLStore) Insert(ctx context.Context, e ledger.Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	p := s.d.placeholder
	query := fmt.Sprintf(`INSERT INTO ledger_entries
		(sequence, interaction_id, user_id, status, composite, compliant, hash, previous_hash, created_at, payload)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		p(1), p(2), p(3), p(4), p(5), p(6), p(7), p(8), p(9), p(10))

	_, err = s.db.ExecContext(ctx, query,
		int64(e.Sequence),
		e.InteractionID,
		e.UserID,
		string(e.Disposition.Status),
		e.Scores.Composite(),
		e.Compliant(),
		e.Hash,
		e.PreviousHash,
		s.d.timeArg(e.Timestamp),
		string(payload),
	)
	if err != nil {
		if s.d.isConflict(err) {
			return fmt.Errorf("%w: sequence %d: %v", ledger.ErrChainConflict, e.Sequence, err)
		}
		return fmt.Errorf("insert entry %d: %w", e.Sequence, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, interactionID string) (*ledger.Entry, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM ledger_entries WHERE interaction_id = "+s.d.placeholder(1),
		interactionID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query entry %s: %w", interactionID, err)
	}
	return decode(payload)
}

func (s *SQLStore) Recent(ctx context.Context, q ledger.Query) ([]ledger.Entry, error) {
	var where []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return s.d.placeholder(len(args))
	}
	if q.Status != "" {
		where = append(where, "status = "+next(string(q.Status)))
	}
	if q.UserID != "" {
		where = append(where, "user_id = "+next(q.UserID))
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= "+next(s.d.timeArg(q.Since)))
	}
	if !q.Until.IsZero() {
		where = append(where, "created_at <= "+next(s.d.timeArg(q.Until)))
	}

	query := "SELECT payload FROM ledger_entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY sequence DESC LIMIT " + next(q.Limit)

	return s.queryEntries(ctx, query, args...)
}

// Scan pages through entries in ascending sequence. No rows are held open
// while fn runs.
func (s *SQLStore) Scan(ctx context.Context, from uint64, fn func(ledger.Entry) error) error {
	if from == 0 {
		from = 1
	}
	query := fmt.Sprintf(
		"SELECT payload FROM ledger_entries WHERE sequence >= %s ORDER BY sequence ASC LIMIT %s",
		s.d.placeholder(1), s.d.placeholder(2))

	for {
		page, err := s.queryEntries(ctx, query, int64(from), scanPageSize)
		if err != nil {
			return err
		}
		for _, e := range page {
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(page) < scanPageSize {
			return nil
		}
		from = page[len(page)-1].Sequence + 1
	}
}

func (s *SQLStore) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []ledger.Entry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e, err := decode(payload)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func decode(payload string) (*ledger.Entry, error) {
	var e ledger.Entry
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, fmt.Errorf("decode entry payload: %w", err)
	}
	return &e, nil
}
