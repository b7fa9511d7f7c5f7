package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrtpro/avrt-firewall/pkg/disposition"
	"github.com/avrtpro/avrt-firewall/pkg/ledger"
)

func newMockPostgres(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(db), mock
}

func sampleEntry(t *testing.T) (ledger.Entry, string) {
	t.Helper()
	e := ledger.Entry{
		Sequence:      1,
		InteractionID: "c0ffee00-0000-4000-8000-000000000001",
		UserID:        "alice",
		Output:        "hello",
		Disposition:   disposition.Resolve(true, true),
		Timestamp:     baseTime.Truncate(time.Microsecond),
		PreviousHash:  ledger.GenesisHash,
	}
	var err error
	e.Hash, err = e.ComputeHash()
	require.NoError(t, err)
	payload, err := json.Marshal(e)
	require.NoError(t, err)
	return e, string(payload)
}

func TestPostgres_Init(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ledger_entries").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_ledger_entries_status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_ledger_entries_created_at").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.Init(context.Background()))
	assert.Equal(t, "postgres", s.Dialect())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertUsesNumberedPlaceholders(t *testing.T) {
	s, mock := newMockPostgres(t)
	e, payload := sampleEntry(t)

	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)")).
		WithArgs(int64(1), e.InteractionID, "alice", "safe", 0.0, false, e.Hash, ledger.GenesisHash, e.Timestamp.UTC(), payload).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Insert(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UniqueViolationIsConflict(t *testing.T) {
	s, mock := newMockPostgres(t)
	e, _ := sampleEntry(t)

	mock.ExpectExec("INSERT INTO ledger_entries").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	err := s.Insert(context.Background(), e)
	assert.ErrorIs(t, err, ledger.ErrChainConflict)

	mock.ExpectExec("INSERT INTO ledger_entries").WillReturnError(errors.New("connection reset"))
	err = s.Insert(context.Background(), e)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ledger.ErrChainConflict)
}

func TestPostgres_LastAndGet(t *testing.T) {
	s, mock := newMockPostgres(t)
	ctx := context.Background()
	e, payload := sampleEntry(t)

	mock.ExpectQuery("SELECT payload FROM ledger_entries ORDER BY sequence DESC LIMIT 1").
		WillReturnError(sql.ErrNoRows)
	last, err := s.Last(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE interaction_id = $1")).
		WithArgs(e.InteractionID).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload))
	got, err := s.Get(ctx, e.InteractionID)
	require.NoError(t, err)
	assert.Equal(t, e.Hash, got.Hash)
	h, err := got.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, e.Hash, h)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE interaction_id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))
	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RecentBuildsFilters(t *testing.T) {
	s, mock := newMockPostgres(t)
	_, payload := sampleEntry(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT payload FROM ledger_entries WHERE status = $1 AND user_id = $2 AND created_at >= $3 ORDER BY sequence DESC LIMIT $4")).
		WithArgs("blocked", "alice", baseTime.UTC(), 25).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(payload))

	entries, err := s.Recent(context.Background(), ledger.Query{
		Status: disposition.Blocked, UserID: "alice", Since: baseTime, Limit: 25,
	})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FailuresSurfaceAsStoreUnavailable(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("dial tcp: connection refused"))

	l := ledger.New(s)
	err := l.Initialize(context.Background())
	assert.ErrorIs(t, err, ledger.ErrStoreUnavailable)
}
