package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/avrtpro/avrt-firewall/pkg/canonicalize"
)

// BundleVersion is the evidence bundle format version.
const BundleVersion = "1.0.0"

// ErrBundleInvalid is returned by VerifyBundle for a tampered or malformed bundle.
var ErrBundleInvalid = errors.New("invalid evidence bundle")

// ErrEmptyRange is returned by ExportBundle when no entry falls in the range.
var ErrEmptyRange = errors.New("no entries in range")

// Bundle is a self-verifying export of a contiguous range of entries.
type Bundle struct {
	BundleID      string    `json:"bundle_id"`
	Version       string    `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	StartSequence uint64    `json:"start_sequence"`
	EndSequence   uint64    `json:"end_sequence"`
	EntryCount    int       `json:"entry_count"`
	Entries       []Entry   `json:"entries"`
	ChainHead     string    `json:"chain_head"`
	BundleHash    string    `json:"bundle_hash"`
}

// ExportBundle exports entries with from <= sequence <= to. to == 0 means
// up to the current tail.
func (l *Ledger) ExportBundle(ctx context.Context, from, to uint64) (*Bundle, error) {
	if err := l.ready(); err != nil {
		return nil, err
	}
	_, seq := l.Head()
	if from == 0 {
		from = 1
	}
	if to == 0 || to > seq {
		to = seq
	}
	if from > to {
		return nil, fmt.Errorf("%w [%d, %d]", ErrEmptyRange, from, to)
	}

	entries := make([]Entry, 0, to-from+1)
	err := l.store.Scan(ctx, from, func(e Entry) error {
		if e.Sequence > to {
			return errStopScan
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return nil, fmt.Errorf("%w: export: %w", ErrStoreUnavailable, err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w [%d, %d]", ErrEmptyRange, from, to)
	}

	hash, err := canonicalize.CanonicalHash(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to hash bundle entries: %w", err)
	}
	return &Bundle{
		BundleID:      uuid.New().String(),
		Version:       BundleVersion,
		CreatedAt:     l.clock().UTC(),
		StartSequence: entries[0].Sequence,
		EndSequence:   entries[len(entries)-1].Sequence,
		EntryCount:    len(entries),
		Entries:       entries,
		ChainHead:     entries[len(entries)-1].Hash,
		BundleHash:    hash,
	}, nil
}

// VerifyBundle checks the bundle hash, every entry hash and every internal
// link. A bundle starting at sequence 1 must chain from GenesisHash.
func VerifyBundle(b *Bundle) error {
	if b == nil || len(b.Entries) == 0 {
		return fmt.Errorf("%w: bundle is empty", ErrBundleInvalid)
	}
	if b.EntryCount != len(b.Entries) {
		return fmt.Errorf("%w: entry count %d, bundle holds %d", ErrBundleInvalid, b.EntryCount, len(b.Entries))
	}

	computed, err := canonicalize.CanonicalHash(b.Entries)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBundleInvalid, err)
	}
	if computed != b.BundleHash {
		return fmt.Errorf("%w: bundle hash mismatch", ErrBundleInvalid)
	}

	first := b.Entries[0]
	if first.Sequence != b.StartSequence {
		return fmt.Errorf("%w: start sequence %d, first entry %d", ErrBundleInvalid, b.StartSequence, first.Sequence)
	}
	prev := first.PreviousHash
	if first.Sequence == 1 && prev != GenesisHash {
		return &ChainError{Index: 0, Sequence: 1, InteractionID: first.InteractionID, Reason: "first entry does not chain from genesis"}
	}
	for i, e := range b.Entries {
		if cerr := checkLink(i, e, first.Sequence+uint64(i), prev); cerr != nil {
			return cerr
		}
		prev = e.Hash
	}
	if prev != b.ChainHead {
		return fmt.Errorf("%w: chain head mismatch", ErrBundleInvalid)
	}
	if b.Entries[len(b.Entries)-1].Sequence != b.EndSequence {
		return fmt.Errorf("%w: end sequence mismatch", ErrBundleInvalid)
	}
	return nil
}
