// Package ledger is the append-only, hash-chained audit log of validated
// interactions.
//
// Every entry stores the hash of its predecessor. The first entry chains
// from GenesisHash. An entry's hash is
//
//	hex(SHA-256(JCS(entry without hash) || previous_hash))
//
// so any retroactive edit breaks every later link.
package ledger

import (
	"strings"
	"time"

	"github.com/avrtpro/avrt-firewall/pkg/canonicalize"
	"github.com/avrtpro/avrt-firewall/pkg/compliance"
	"github.com/avrtpro/avrt-firewall/pkg/disposition"
	"github.com/avrtpro/avrt-firewall/pkg/scoring"
)

// GenesisHash is the previous hash of the first entry.
var GenesisHash = strings.Repeat("0", 64)

// Record is what the pipeline asks the ledger to append.
type Record struct {
	UserID      string
	Input       string
	Output      string
	Context     map[string]string
	Scores      scoring.DimensionScore
	Violations  []scoring.ViolationKind
	Compliance  compliance.Verdict
	Disposition disposition.Disposition
	// Timestamp defaults to the ledger clock when zero.
	Timestamp time.Time
}

// Entry is an immutable ledger row.
type Entry struct {
	Sequence      uint64                  `json:"sequence"`
	InteractionID string                  `json:"interaction_id"`
	UserID        string                  `json:"user_id,omitempty"`
	Input         string                  `json:"input"`
	Output        string                  `json:"output"`
	Context       map[string]string       `json:"context,omitempty"`
	Scores        scoring.DimensionScore  `json:"scores"`
	Violations    []scoring.ViolationKind `json:"violations"`
	Compliance    compliance.Verdict      `json:"compliance"`
	Disposition   disposition.Disposition `json:"disposition"`
	Timestamp     time.Time               `json:"timestamp"`
	PreviousHash  string                  `json:"previous_hash"`
	Hash          string                  `json:"hash"`
}

// Compliant reports the stored verdict's compliance.
func (e Entry) Compliant() bool { return e.Compliance.IsCompliant() }

// Status is shorthand for e.Disposition.Status.
func (e Entry) Status() disposition.Status { return e.Disposition.Status }

// hashable mirrors Entry without Hash.
type hashable struct {
	Sequence      uint64                  `json:"sequence"`
	InteractionID string                  `json:"interaction_id"`
	UserID        string                  `json:"user_id,omitempty"`
	Input         string                  `json:"input"`
	Output        string                  `json:"output"`
	Context       map[string]string       `json:"context,omitempty"`
	Scores        scoring.DimensionScore  `json:"scores"`
	Violations    []scoring.ViolationKind `json:"violations"`
	Compliance    compliance.Verdict      `json:"compliance"`
	Disposition   disposition.Disposition `json:"disposition"`
	Timestamp     time.Time               `json:"timestamp"`
	PreviousHash  string                  `json:"previous_hash"`
}

// ComputeHash recomputes the entry hash from its content and PreviousHash.
func (e Entry) ComputeHash() (string, error) {
	return canonicalize.ChainHash(hashable{
		Sequence:      e.Sequence,
		InteractionID: e.InteractionID,
		UserID:        e.UserID,
		Input:         e.Input,
		Output:        e.Output,
		Context:       e.Context,
		Scores:        e.Scores,
		Violations:    cloneSlice(e.Violations),
		Compliance:    e.Compliance,
		Disposition:   e.Disposition,
		Timestamp:     e.Timestamp,
		PreviousHash:  e.PreviousHash,
	}, e.PreviousHash)
}

// Clone returns a deep copy so callers cannot alias stored slices or maps.
func (e Entry) Clone() Entry {
	out := e
	if e.Context != nil {
		out.Context = make(map[string]string, len(e.Context))
		for k, v := range e.Context {
			out.Context[k] = v
		}
	}
	out.Violations = cloneSlice(e.Violations)
	if e.Compliance.Issues != nil {
		out.Compliance.Issues = cloneSlice(e.Compliance.Issues)
	}
	if e.Compliance.Recommendations != nil {
		out.Compliance.Recommendations = cloneSlice(e.Compliance.Recommendations)
	}
	return out
}

// cloneSlice copies s and never returns nil, so "violations" always hashes
// as an array.
func cloneSlice[T any](s []T) []T {
	return append(make([]T, 0, len(s)), s...)
}

// Receipt is the proof returned by Append.
type Receipt struct {
	Hash          string    `json:"hash"`
	InteractionID string    `json:"interaction_id"`
	Sequence      uint64    `json:"sequence"`
	PreviousHash  string    `json:"previous_hash"`
	Timestamp     time.Time `json:"timestamp"`
}
