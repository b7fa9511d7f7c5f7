package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrtpro/avrt-firewall/pkg/compliance"
	"github.com/avrtpro/avrt-firewall/pkg/disposition"
	"github.com/avrtpro/avrt-firewall/pkg/ledger"
	"github.com/avrtpro/avrt-firewall/pkg/scoring"
)

var baseTime = time.Date(2026, 6, 1, 8, 30, 0, 987654321, time.UTC)

func sampleRecord(status disposition.Status, user string) ledger.Record {
	return ledger.Record{
		UserID:  user,
		Input:   "How do I reset my router?",
		Output:  "Unplug it for thirty seconds, because that clears its state.",
		Context: map[string]string{"domain": "support"},
		Scores: scoring.NewDimensionScore(scoring.Values{
			Safety: 100, Personalization: 85, Integrity: 90, Ethics: 95, Logic: 93,
		}, baseTime),
		Violations: []scoring.ViolationKind{},
		Compliance: compliance.Verdict{
			TruthVerified: true, HonestyVerified: true, TransparencyVerified: true,
			ConfidenceScore: 1, RequiredConfidence: 0.8, Timestamp: baseTime,
		},
		Disposition: disposition.Resolve(status != disposition.Blocked, status == disposition.Safe),
	}
}

func openTestSQLite(t *testing.T, path string) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newLedger(t *testing.T, s ledger.Store, opts ...ledger.Option) *ledger.Ledger {
	t.Helper()
	l := ledger.New(s, opts...)
	require.NoError(t, l.Initialize(context.Background()))
	return l
}

func TestSQLite_AppendAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "avrt.db")

	s := openTestSQLite(t, path)
	assert.Equal(t, "sqlite", s.Dialect())
	l := newLedger(t, s)

	var receipts []ledger.Receipt
	for i, st := range []disposition.Status{disposition.Safe, disposition.Blocked, disposition.Warning} {
		clock := baseTime.Add(time.Duration(i) * time.Minute)
		rec := sampleRecord(st, "alice")
		rec.Timestamp = clock
		r, err := l.Append(ctx, rec)
		require.NoError(t, err)
		receipts = append(receipts, r)
	}
	require.NoError(t, s.Close())

	reopened := openTestSQLite(t, path)
	restarted := newLedger(t, reopened, ledger.WithVerifyOnStart(true))

	tail, seq := restarted.Head()
	assert.Equal(t, receipts[2].Hash, tail)
	assert.Equal(t, uint64(3), seq)

	v, err := restarted.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, v.Valid)

	stats, err := restarted.Statistics()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.TotalCount)
	assert.InDelta(t, 1.0/3.0, stats.BlockedRate, 1e-9)

	e, err := restarted.Get(ctx, receipts[1].InteractionID)
	require.NoError(t, err)
	assert.Equal(t, disposition.Blocked, e.Status())
	assert.Equal(t, map[string]string{"domain": "support"}, e.Context)
	assert.Equal(t, baseTime.Add(time.Minute).Truncate(time.Microsecond), e.Timestamp)

	r, err := restarted.Append(ctx, sampleRecord(disposition.Safe, "bob"))
	require.NoError(t, err)
	assert.Equal(t, receipts[2].Hash, r.PreviousHash)
}

func TestSQLite_RecentFilters(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "avrt.db"))
	l := newLedger(t, s)

	for i, st := range []disposition.Status{disposition.Safe, disposition.Blocked, disposition.Safe, disposition.Blocked} {
		rec := sampleRecord(st, []string{"alice", "bob"}[i%2])
		rec.Timestamp = baseTime.Add(time.Duration(i) * time.Hour)
		_, err := l.Append(ctx, rec)
		require.NoError(t, err)
	}

	all, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, uint64(4), all[0].Sequence)
	assert.Equal(t, uint64(1), all[3].Sequence)

	blocked, err := l.Query(ctx, ledger.Query{Status: disposition.Blocked, Limit: 10})
	require.NoError(t, err)
	require.Len(t, blocked, 2)
	for _, e := range blocked {
		assert.Equal(t, "bob", e.UserID)
	}

	window, err := l.Query(ctx, ledger.Query{
		Since: baseTime.Add(30 * time.Minute),
		Until: baseTime.Add(150 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, uint64(3), window[0].Sequence)

	limited, err := l.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = l.Get(ctx, "nope")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestSQLite_RejectsFork(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "avrt.db"))
	require.NoError(t, s.Init(ctx))

	e := ledger.Entry{
		Sequence: 1, InteractionID: "a", Output: "x",
		Disposition: disposition.Resolve(true, true), Timestamp: baseTime,
		PreviousHash: ledger.GenesisHash,
	}
	e.Hash, _ = e.ComputeHash()
	require.NoError(t, s.Insert(ctx, e))

	fork := e
	fork.InteractionID = "b"
	fork.Output = "y"
	fork.Hash, _ = fork.ComputeHash()
	err := s.Insert(ctx, fork)
	assert.ErrorIs(t, err, ledger.ErrChainConflict)

	last, err := s.Last(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", last.InteractionID)
}

func TestSQLite_ConflictUsesErrorCode(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "avrt.db"))
	require.NoError(t, s.Init(ctx))

	e := ledger.Entry{
		Sequence: 1, InteractionID: "a", Output: "x",
		Disposition: disposition.Resolve(true, true), Timestamp: baseTime,
		PreviousHash: ledger.GenesisHash,
	}
	e.Hash, _ = e.ComputeHash()
	require.NoError(t, s.Insert(ctx, e))

	_, err := s.db.ExecContext(ctx, `INSERT INTO ledger_entries
		(sequence, interaction_id, status, composite, compliant, hash, previous_hash, created_at, payload)
		VALUES (2, 'a', 'safe', 0, 1, 'h2', 'p2', 't', '{}')`)
	require.Error(t, err)
	assert.True(t, sqliteDialect.isConflict(err))

	_, err = s.db.ExecContext(ctx, `INSERT INTO ledger_entries (sequence) VALUES (3)`)
	require.Error(t, err)
	assert.False(t, sqliteDialect.isConflict(err))

	assert.False(t, sqliteDialect.isConflict(errors.New("UNIQUE constraint failed: ledger_entries.hash")))
}

func TestSQLite_TwoWritersShareOneChain(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "avrt.db")
	a := newLedger(t, openTestSQLite(t, path))
	b := newLedger(t, openTestSQLite(t, path))

	ra, err := a.Append(ctx, sampleRecord(disposition.Safe, "alice"))
	require.NoError(t, err)

	// b still believes the ledger is empty
	rb, err := b.Append(ctx, sampleRecord(disposition.Blocked, "bob"))
	require.NoError(t, err)
	assert.Equal(t, ra.Hash, rb.PreviousHash)
	assert.Equal(t, uint64(2), rb.Sequence)

	v, err := b.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v.EntriesChecked)
}

func TestSQLite_DetectsPayloadTampering(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "avrt.db"))
	l := newLedger(t, s)
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, sampleRecord(disposition.Safe, "alice"))
		require.NoError(t, err)
	}

	_, err := s.DB().ExecContext(ctx,
		`UPDATE ledger_entries SET payload = replace(payload, 'thirty seconds', 'ten seconds') WHERE sequence = 2`)
	require.NoError(t, err)

	v, err := l.VerifyChain(ctx)
	var cerr *ledger.ChainError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, uint64(2), cerr.Sequence)
	assert.False(t, v.Valid)
}

func TestSQLite_ScanPages(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "avrt.db"))
	l := newLedger(t, s, ledger.WithAppendTimeout(0))

	total := scanPageSize + 7
	for i := 0; i < total; i++ {
		_, err := l.Append(ctx, sampleRecord(disposition.Safe, ""))
		require.NoError(t, err)
	}

	var seen int
	require.NoError(t, s.Scan(ctx, 1, func(e ledger.Entry) error {
		seen++
		assert.Equal(t, uint64(seen), e.Sequence)
		return nil
	}))
	assert.Equal(t, total, seen)

	var tail int
	require.NoError(t, s.Scan(ctx, uint64(total-2), func(ledger.Entry) error {
		tail++
		return nil
	}))
	assert.Equal(t, 3, tail)
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	_, err := OpenSQLite("  ")
	assert.Error(t, err)
}
