// Package ratelimit provides per-actor token buckets for the HTTP surface,
// in process or shared through Redis.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy is a token bucket: RPS tokens per second up to Burst.
type Policy struct {
	RPS   float64
	Burst int
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// RetryAfter is how long until cost tokens are available again.
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (d Decision) RetryAfterSeconds() int {
	s := int(math.Ceil(d.RetryAfter.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// Store decides whether an actor may spend cost tokens.
type Store interface {
	Allow(ctx context.Context, actorID string, policy Policy, cost int) (Decision, error)
}

// DefaultIdleTTL is how long an unused in-process bucket is kept.
const DefaultIdleTTL = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryStore keeps one rate.Limiter per actor for single-instance
// deployments. Idle buckets are swept lazily.
type MemoryStore struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	idleTTL   time.Duration
	lastSweep time.Time
	clock     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		visitors: make(map[string]*visitor),
		idleTTL:  DefaultIdleTTL,
		clock:    time.Now,
	}
}

func (s *MemoryStore) Allow(_ context.Context, actorID string, policy Policy, cost int) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	s.sweep(now)

	v, ok := s.visitors[actorID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(limitOf(policy), burstOf(policy))}
		s.visitors[actorID] = v
	}
	v.lastSeen = now

	r := v.limiter.ReserveN(now, cost)
	if !r.OK() {
		return Decision{RetryAfter: time.Second}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{RetryAfter: delay}, nil
	}
	return Decision{Allowed: true}, nil
}

// Len returns the number of tracked actors.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.visitors)
}

func (s *MemoryStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < time.Minute {
		return
	}
	s.lastSweep = now
	for id, v := range s.visitors {
		if now.Sub(v.lastSeen) > s.idleTTL {
			delete(s.visitors, id)
		}
	}
}

func limitOf(p Policy) rate.Limit {
	if p.RPS <= 0 {
		return rate.Limit(1)
	}
	return rate.Limit(p.RPS)
}

func burstOf(p Policy) int {
	if p.Burst < 1 {
		return 1
	}
	return p.Burst
}
