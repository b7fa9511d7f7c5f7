package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time { return c.now }

func newTestStore() (*MemoryStore, *manualClock) {
	clock := &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryStore()
	s.clock = clock.Now
	return s, clock
}

func TestMemoryStoreBurstThenRefill(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()
	policy := Policy{RPS: 1, Burst: 2}

	for i := 0; i < 2; i++ {
		d, err := s.Allow(ctx, "10.0.0.1", policy, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d within burst", i)
	}

	d, err := s.Allow(ctx, "10.0.0.1", policy, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.InDelta(t, time.Second, d.RetryAfter, float64(10*time.Millisecond))
	assert.Equal(t, 1, d.RetryAfterSeconds())

	clock.now = clock.now.Add(1100 * time.Millisecond)
	d, err = s.Allow(ctx, "10.0.0.1", policy, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryStoreActorsAreIndependent(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	policy := Policy{RPS: 1, Burst: 1}

	d, _ := s.Allow(ctx, "alice", policy, 1)
	assert.True(t, d.Allowed)
	d, _ = s.Allow(ctx, "alice", policy, 1)
	assert.False(t, d.Allowed)
	d, _ = s.Allow(ctx, "bob", policy, 1)
	assert.True(t, d.Allowed)
}

func TestMemoryStoreCostAboveBurst(t *testing.T) {
	s, _ := newTestStore()
	d, err := s.Allow(context.Background(), "x", Policy{RPS: 5, Burst: 2}, 3)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestMemoryStoreSweepsIdleActors(t *testing.T) {
	s, clock := newTestStore()
	ctx := context.Background()
	policy := Policy{RPS: 10, Burst: 10}

	_, _ = s.Allow(ctx, "old", policy, 1)
	clock.now = clock.now.Add(DefaultIdleTTL + 2*time.Minute)
	_, _ = s.Allow(ctx, "new", policy, 1)

	assert.Equal(t, 1, s.Len())
}

func TestPolicyFallbacks(t *testing.T) {
	assert.Equal(t, 1, burstOf(Policy{}))
	assert.Equal(t, float64(1), float64(limitOf(Policy{RPS: -2})))
	assert.Equal(t, 1, Decision{}.RetryAfterSeconds())
	assert.Equal(t, 3, Decision{RetryAfter: 2100 * time.Millisecond}.RetryAfterSeconds())
}

func TestRedisStoreUnreachable(t *testing.T) {
	client := Dial("127.0.0.1:1", "", 0)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewRedisStore(client).Allow(ctx, "actor", Policy{RPS: 1, Burst: 1}, 1)
	assert.Error(t, err)
}
