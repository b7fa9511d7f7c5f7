package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avrtpro/avrt-firewall/pkg/disposition"
)

var (
	// ErrStoreUnavailable wraps any failure of the backing store.
	ErrStoreUnavailable = errors.New("ledger store unavailable")
	// ErrChainIntegrity marks a broken hash chain. It is never repaired automatically.
	ErrChainIntegrity = errors.New("ledger chain integrity violation")
	// ErrNotInitialized is returned by every operation before Initialize succeeds.
	ErrNotInitialized = errors.New("ledger not initialized")
	// ErrChainConflict is returned by a Store when another writer already
	// appended at the same position.
	ErrChainConflict = errors.New("ledger chain conflict")
	// ErrNotFound is returned for an unknown interaction id.
	ErrNotFound = errors.New("ledger entry not found")
)

// ChainError pinpoints the first broken link.
type ChainError struct {
	// Index is the zero-based position in append order.
	Index         int    `json:"index"`
	Sequence      uint64 `json:"sequence"`
	InteractionID string `json:"interaction_id,omitempty"`
	Reason        string `json:"reason"`
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain broken at index %d (sequence %d, interaction %s): %s",
		e.Index, e.Sequence, e.InteractionID, e.Reason)
}

func (e *ChainError) Unwrap() error { return ErrChainIntegrity }

// Query filters Recent reads. Zero fields do not filter.
type Query struct {
	Limit  int
	Status disposition.Status
	Since  time.Time
	Until  time.Time
	UserID string
}

// Matches reports whether e satisfies every set filter.
func (q Query) Matches(e Entry) bool {
	if q.Status != "" && e.Disposition.Status != q.Status {
		return false
	}
	if q.UserID != "" && e.UserID != q.UserID {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
		return false
	}
	return true
}

// Store is the durable backing for a Ledger.
//
// Insert must reject an entry whose sequence or previous hash is already
// taken with ErrChainConflict. Scan visits entries in ascending sequence.
// Recent returns entries newest first.
type Store interface {
	Init(ctx context.Context) error
	Last(ctx context.Context) (*Entry, error)
	Insert(ctx context.Context, e Entry) error
	Get(ctx context.Context, interactionID string) (*Entry, error)
	Recent(ctx context.Context, q Query) ([]Entry, error)
	Scan(ctx context.Context, fromSequence uint64, fn func(Entry) error) error
}
