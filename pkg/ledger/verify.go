package ledger

import (
	"context"
	"errors"
	"fmt"
)

var errStopScan = errors.New("stop scan")

// Verification summarises a VerifyChain run.
type Verification struct {
	Valid          bool        `json:"valid"`
	EntriesChecked uint64      `json:"entries_checked"`
	Head           string      `json:"head"`
	FirstBroken    *ChainError `json:"first_broken,omitempty"`
}

// checkLink validates one entry against its expected position and predecessor.
func checkLink(index int, e Entry, wantSeq uint64, prev string) *ChainError {
	fail := func(reason string) *ChainError {
		return &ChainError{Index: index, Sequence: e.Sequence, InteractionID: e.InteractionID, Reason: reason}
	}
	if e.Sequence != wantSeq {
		return fail(fmt.Sprintf("sequence %d, expected %d", e.Sequence, wantSeq))
	}
	if e.PreviousHash != prev {
		return fail("previous hash does not match predecessor")
	}
	got, err := e.ComputeHash()
	if err != nil {
		return fail("entry cannot be hashed: " + err.Error())
	}
	if got != e.Hash {
		return fail("content hash mismatch")
	}
	return nil
}

// VerifyChain recomputes every hash and link up to the current tail.
//
// A broken chain yields Valid=false and an error wrapping ErrChainIntegrity;
// the ledger keeps running and nothing is repaired.
func (l *Ledger) VerifyChain(ctx context.Context) (Verification, error) {
	if err := l.ready(); err != nil {
		return Verification{}, err
	}
	tail, seq := l.Head()

	prev := GenesisHash
	var checked uint64
	var broken *ChainError
	err := l.store.Scan(ctx, 1, func(e Entry) error {
		if checked >= seq {
			return errStopScan
		}
		if cerr := checkLink(int(checked), e, checked+1, prev); cerr != nil {
			broken = cerr
			return errStopScan
		}
		prev = e.Hash
		checked++
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return Verification{}, fmt.Errorf("%w: verify: %w", ErrStoreUnavailable, err)
	}

	if broken == nil && checked < seq {
		broken = &ChainError{Index: int(checked), Sequence: checked + 1, Reason: "entry missing from store"}
	}
	if broken == nil && prev != tail {
		broken = &ChainError{Index: int(seq) - 1, Sequence: seq, Reason: "ledger tail does not match last stored entry"}
	}

	v := Verification{Valid: broken == nil, EntriesChecked: checked, Head: prev, FirstBroken: broken}
	if broken != nil {
		l.logger.ErrorContext(ctx, "ledger chain integrity violation",
			"index", broken.Index,
			"sequence", broken.Sequence,
			"interaction_id", broken.InteractionID,
			"reason", broken.Reason,
		)
		return v, broken
	}
	return v, nil
}
