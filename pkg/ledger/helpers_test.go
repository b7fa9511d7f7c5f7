package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avrtpro/avrt-firewall/pkg/canonicalize"
)

// tamper replaces the stored entry at seq without rehashing.
func (m *MemoryStore) tamper(seq uint64, mutate func(*Entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq == 0 || seq > uint64(len(m.entries)) {
		return
	}
	e := m.entries[seq-1].Clone()
	mutate(&e)
	// copy-on-write so concurrent scans keep their snapshot
	entries := append([]Entry(nil), m.entries...)
	entries[seq-1] = e
	m.entries = entries
}

func mustHash(t *testing.T, entries []Entry) string {
	t.Helper()
	h, err := canonicalize.CanonicalHash(entries)
	require.NoError(t, err)
	return h
}
