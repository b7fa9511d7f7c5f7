package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultRecentLimit applies when Recent is called with a limit <= 0.
	DefaultRecentLimit = 100
	// DefaultMaxRecent caps every Recent read.
	DefaultMaxRecent = 1000
	// DefaultAppendTimeout bounds a single Append against the store.
	DefaultAppendTimeout = 5 * time.Second
	// DefaultConflictRetries is how often Append reloads the tail after
	// another writer advanced it.
	DefaultConflictRetries = 3
)

// Ledger owns the tail hash. Append is the only operation that advances it.
type Ledger struct {
	store   Store
	logger  *slog.Logger
	clock   func() time.Time
	newID   func() string
	timeout time.Duration
	retries int

	maxRecent     int
	verifyOnStart bool

	initMu      sync.Mutex
	initialized bool

	// appendMu serialises read-tail -> hash -> persist -> advance.
	appendMu sync.Mutex

	// stateMu guards the fields below for concurrent readers.
	stateMu sync.RWMutex
	tail    string
	seq     uint64
	stats   running
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithIDGenerator overrides interaction id generation (UUID v4 by default).
func WithIDGenerator(gen func() string) Option {
	return func(l *Ledger) { l.newID = gen }
}

// WithAppendTimeout bounds each Append. Zero disables the bound.
func WithAppendTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.timeout = d }
}

// WithMaxRecent caps Recent reads.
func WithMaxRecent(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxRecent = n
		}
	}
}

// WithVerifyOnStart makes Initialize verify the full chain before accepting appends.
func WithVerifyOnStart(v bool) Option {
	return func(l *Ledger) { l.verifyOnStart = v }
}

// WithConflictRetries sets how many tail reloads Append attempts.
func WithConflictRetries(n int) Option {
	return func(l *Ledger) {
		if n >= 0 {
			l.retries = n
		}
	}
}

// New creates a Ledger over store. Call Initialize before use.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		logger:    slog.Default().With("component", "ledger"),
		clock:     time.Now,
		newID:     func() string { return uuid.New().String() },
		timeout:   DefaultAppendTimeout,
		retries:   DefaultConflictRetries,
		maxRecent: DefaultMaxRecent,
		tail:      GenesisHash,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Initialize prepares the store and recovers the tail, sequence and running
// statistics. A successful call makes later calls no-ops; a failed call may
// be retried.
func (l *Ledger) Initialize(ctx context.Context) error {
	l.initMu.Lock()
	defer l.initMu.Unlock()
	if l.initialized {
		return nil
	}

	if err := l.store.Init(ctx); err != nil {
		return fmt.Errorf("%w: init: %w", ErrStoreUnavailable, err)
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	tail, seq, stats, err := l.load(ctx, l.verifyOnStart)
	if err != nil {
		return err
	}

	l.stateMu.Lock()
	l.tail, l.seq, l.stats = tail, seq, stats
	l.stateMu.Unlock()

	l.initialized = true
	l.logger.InfoContext(ctx, "ledger initialized",
		"entries", seq,
		"tail", tail,
		"verified", l.verifyOnStart,
	)
	return nil
}

// load replays the store from the start.
func (l *Ledger) load(ctx context.Context, verify bool) (string, uint64, running, error) {
	tail := GenesisHash
	var seq uint64
	var stats running
	index := 0

	err := l.store.Scan(ctx, 1, func(e Entry) error {
		if verify {
			if cerr := checkLink(index, e, seq+1, tail); cerr != nil {
				return cerr
			}
		}
		tail = e.Hash
		seq = e.Sequence
		stats.add(e)
		index++
		return nil
	})
	if err != nil {
		var cerr *ChainError
		if errors.As(err, &cerr) {
			l.logger.ErrorContext(ctx, "ledger chain integrity violation on start", "error", cerr)
			return "", 0, running{}, cerr
		}
		return "", 0, running{}, fmt.Errorf("%w: load: %w", ErrStoreUnavailable, err)
	}
	return tail, seq, stats, nil
}

func (l *Ledger) ready() error {
	l.initMu.Lock()
	defer l.initMu.Unlock()
	if !l.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Head returns the current tail hash and sequence.
func (l *Ledger) Head() (string, uint64) {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.tail, l.seq
}

// Append chains rec after the current tail, persists it and advances the tail.
func (l *Ledger) Append(ctx context.Context, rec Record) (Receipt, error) {
	if err := l.ready(); err != nil {
		return Receipt{}, err
	}
	if !rec.Disposition.Status.Valid() {
		return Receipt{}, fmt.Errorf("ledger: invalid disposition status %q", rec.Disposition.Status)
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = l.clock()
	}
	ts = ts.UTC().Truncate(time.Microsecond)

	for attempt := 0; ; attempt++ {
		l.stateMu.RLock()
		tail, seq := l.tail, l.seq
		l.stateMu.RUnlock()

		entry := Entry{
			Sequence:      seq + 1,
			InteractionID: l.newID(),
			UserID:        rec.UserID,
			Input:         rec.Input,
			Output:        rec.Output,
			Context:       rec.Context,
			Scores:        rec.Scores,
			Violations:    cloneSlice(rec.Violations),
			Compliance:    rec.Compliance,
			Disposition:   rec.Disposition,
			Timestamp:     ts,
			PreviousHash:  tail,
		}
		hash, err := entry.ComputeHash()
		if err != nil {
			return Receipt{}, fmt.Errorf("ledger: hash entry: %w", err)
		}
		entry.Hash = hash

		err = l.store.Insert(ctx, entry)
		if err == nil {
			l.stateMu.Lock()
			l.tail = entry.Hash
			l.seq = entry.Sequence
			l.stats.add(entry)
			l.stateMu.Unlock()

			l.logger.DebugContext(ctx, "ledger append",
				"sequence", entry.Sequence,
				"interaction_id", entry.InteractionID,
				"status", entry.Disposition.Status,
			)
			return Receipt{
				Hash:          entry.Hash,
				InteractionID: entry.InteractionID,
				Sequence:      entry.Sequence,
				PreviousHash:  entry.PreviousHash,
				Timestamp:     entry.Timestamp,
			}, nil
		}

		if !errors.Is(err, ErrChainConflict) {
			l.logger.ErrorContext(ctx, "ledger append failed", "sequence", entry.Sequence, "error", err)
			return Receipt{}, fmt.Errorf("%w: append: %w", ErrStoreUnavailable, err)
		}
		if attempt >= l.retries {
			return Receipt{}, fmt.Errorf("ledger: gave up after %d attempts: %w", attempt+1, err)
		}
		l.logger.WarnContext(ctx, "ledger tail moved by another writer, reloading", "sequence", entry.Sequence)
		if err := l.catchUp(ctx); err != nil {
			return Receipt{}, err
		}
	}
}

// catchUp folds entries appended by other writers into the local state.
// Caller holds appendMu.
func (l *Ledger) catchUp(ctx context.Context) error {
	l.stateMu.RLock()
	tail, seq := l.tail, l.seq
	l.stateMu.RUnlock()

	var added []Entry
	index := int(seq)
	err := l.store.Scan(ctx, seq+1, func(e Entry) error {
		if cerr := checkLink(index, e, seq+1, tail); cerr != nil {
			return cerr
		}
		tail, seq = e.Hash, e.Sequence
		added = append(added, e)
		index++
		return nil
	})
	if err != nil {
		var cerr *ChainError
		if errors.As(err, &cerr) {
			return cerr
		}
		return fmt.Errorf("%w: reload tail: %w", ErrStoreUnavailable, err)
	}

	l.stateMu.Lock()
	l.tail, l.seq = tail, seq
	for _, e := range added {
		l.stats.add(e)
	}
	l.stateMu.Unlock()
	return nil
}

// Recent returns up to limit entries, newest first. limit <= 0 means
// DefaultRecentLimit; larger values are clamped to the configured maximum.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return l.Query(ctx, Query{Limit: limit})
}

// Query is Recent with filters.
func (l *Ledger) Query(ctx context.Context, q Query) ([]Entry, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	q.Limit = l.ClampLimit(q.Limit)
	entries, err := l.store.Recent(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: recent: %w", ErrStoreUnavailable, err)
	}
	return entries, nil
}

// ClampLimit applies the default and maximum to a requested limit.
func (l *Ledger) ClampLimit(limit int) int {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > l.maxRecent {
		limit = l.maxRecent
	}
	return limit
}

// Get returns one entry by interaction id.
func (l *Ledger) Get(ctx context.Context, interactionID string) (*Entry, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	e, err := l.store.Get(ctx, interactionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: get: %w", ErrStoreUnavailable, err)
	}
	return e, nil
}
