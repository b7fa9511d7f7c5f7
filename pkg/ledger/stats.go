package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/avrtpro/avrt-firewall/pkg/disposition"
)

// Stats aggregates the whole ledger. Rates are 0 for an empty ledger.
type Stats struct {
	TotalCount            uint64  `json:"total_count"`
	SafeCount             uint64  `json:"safe_count"`
	WarningCount          uint64  `json:"warning_count"`
	BlockedCount          uint64  `json:"blocked_count"`
	CompliantCount        uint64  `json:"compliant_count"`
	BlockedRate           float64 `json:"blocked_rate"`
	ComplianceRate        float64 `json:"compliance_rate"`
	AverageCompositeScore float64 `json:"average_composite_score"`
}

// running is the incrementally maintained form of Stats.
type running struct {
	total, safe, warning, blocked, compliant uint64
	compositeSum                             float64
}

func (r *running) add(e Entry) {
	r.total++
	switch e.Disposition.Status {
	case disposition.Safe:
		r.safe++
	case disposition.Warning:
		r.warning++
	case disposition.Blocked:
		r.blocked++
	}
	if e.Compliant() {
		r.compliant++
	}
	r.compositeSum += e.Scores.Composite()
}

func (r running) snapshot() Stats {
	s := Stats{
		TotalCount:     r.total,
		SafeCount:      r.safe,
		WarningCount:   r.warning,
		BlockedCount:   r.blocked,
		CompliantCount: r.compliant,
	}
	if r.total > 0 {
		n := float64(r.total)
		s.BlockedRate = float64(r.blocked) / n
		s.ComplianceRate = float64(r.compliant) / n
		s.AverageCompositeScore = r.compositeSum / n
	}
	return s
}

// Statistics returns the running aggregate.
func (l *Ledger) Statistics() (Stats, error) {
	if err := l.ready(); err != nil {
		return Stats{}, err
	}
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.stats.snapshot(), nil
}

// Recompute derives Stats from a full scan of the store, ignoring the
// running aggregate.
func (l *Ledger) Recompute(ctx context.Context) (Stats, error) {
	if err := l.ready(); err != nil {
		return Stats{}, err
	}
	_, seq := l.Head()
	var r running
	err := l.store.Scan(ctx, 1, func(e Entry) error {
		if e.Sequence > seq {
			return errStopScan
		}
		r.add(e)
		return nil
	})
	if err != nil && !errors.Is(err, errStopScan) {
		return Stats{}, fmt.Errorf("%w: recompute: %w", ErrStoreUnavailable, err)
	}
	return r.snapshot(), nil
}
