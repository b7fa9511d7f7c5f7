package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avrtpro/avrt-firewall/pkg/canonicalize"
	"github.com/avrtpro/avrt-firewall/pkg/ledger"
)

// Receipt describes an archived bundle.
type Receipt struct {
	Address       string    `json:"address"`
	BundleID      string    `json:"bundle_id"`
	StartSequence uint64    `json:"start_sequence"`
	EndSequence   uint64    `json:"end_sequence"`
	EntryCount    int       `json:"entry_count"`
	ChainHead     string    `json:"chain_head"`
	BundleHash    string    `json:"bundle_hash"`
	Size          int       `json:"size"`
	ArchivedAt    time.Time `json:"archived_at"`
}

// Archiver writes verified bundles to a Store and reads them back.
type Archiver struct {
	store Store
	clock func() time.Time
}

func NewArchiver(store Store) *Archiver {
	return &Archiver{store: store, clock: time.Now}
}

// Archive verifies b, stores its canonical JSON and returns the receipt.
// A bundle that fails ledger.VerifyBundle is never written.
func (a *Archiver) Archive(ctx context.Context, b *ledger.Bundle) (Receipt, error) {
	if err := ledger.VerifyBundle(b); err != nil {
		return Receipt{}, err
	}
	data, err := canonicalize.JCS(b)
	if err != nil {
		return Receipt{}, fmt.Errorf("archive: canonicalize bundle: %w", err)
	}
	address, err := a.store.Put(ctx, data)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{
		Address:       address,
		BundleID:      b.BundleID,
		StartSequence: b.StartSequence,
		EndSequence:   b.EndSequence,
		EntryCount:    b.EntryCount,
		ChainHead:     b.ChainHead,
		BundleHash:    b.BundleHash,
		Size:          len(data),
		ArchivedAt:    a.clock().UTC(),
	}, nil
}

// Load fetches the bundle at address and re-verifies both its content
// address and its chain. Tampered objects come back as
// ledger.ErrBundleInvalid or ledger.ErrChainIntegrity.
func (a *Archiver) Load(ctx context.Context, address string) (*ledger.Bundle, error) {
	data, err := a.store.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	if got := canonicalize.PrefixedHash(data); got != address {
		return nil, fmt.Errorf("%w: stored object hashes to %s", ledger.ErrBundleInvalid, got)
	}
	var b ledger.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrBundleInvalid, err)
	}
	if err := ledger.VerifyBundle(&b); err != nil {
		return nil, err
	}
	return &b, nil
}

