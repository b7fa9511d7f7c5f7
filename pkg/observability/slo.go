package observability

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Operations tracked against service level objectives.
const (
	OpProcess = "process"
	OpAppend  = "ledger.append"
	OpVerify  = "ledger.verify"
)

// DefaultSLOCapacity bounds the observations kept per operation.
const DefaultSLOCapacity = 10000

// SLOTarget is the objective for one operation.
type SLOTarget struct {
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"` // 0-1
	Window      time.Duration `json:"window"`
}

// DefaultSLOTargets returns the objectives for the validation pipeline.
func DefaultSLOTargets() []SLOTarget {
	return []SLOTarget{
		{Operation: OpProcess, LatencyP99: 250 * time.Millisecond, SuccessRate: 0.999, Window: time.Hour},
		{Operation: OpAppend, LatencyP99: 100 * time.Millisecond, SuccessRate: 0.999, Window: time.Hour},
		{Operation: OpVerify, LatencyP99: 5 * time.Second, SuccessRate: 0.99, Window: 24 * time.Hour},
	}
}

// SLOStatus reports how an operation is doing against its target.
type SLOStatus struct {
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`         // >1 burns faster than the budget allows
	ErrorBudgetLeft  float64 `json:"error_budget_left"` // percent
	ObservationCount int     `json:"observation_count"`
}

type observation struct {
	latency time.Duration
	success bool
	at      time.Time
}

// SLOTracker keeps a bounded window of observations per operation.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]SLOTarget
	observations map[string][]observation
	capacity     int
	clock        func() time.Time
}

// NewSLOTracker creates a tracker with the given targets.
func NewSLOTracker(targets ...SLOTarget) *SLOTracker {
	t := &SLOTracker{
		targets:      make(map[string]SLOTarget, len(targets)),
		observations: make(map[string][]observation),
		capacity:     DefaultSLOCapacity,
		clock:        time.Now,
	}
	for _, target := range targets {
		t.targets[target.Operation] = target
	}
	return t
}

// WithClock overrides the clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// WithCapacity overrides the per-operation retention.
func (t *SLOTracker) WithCapacity(n int) *SLOTracker {
	if n > 0 {
		t.capacity = n
	}
	return t
}

// SetTarget sets or replaces the target for target.Operation.
func (t *SLOTracker) SetTarget(target SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Observe records one completed operation. Operations without a target are
// ignored.
func (t *SLOTracker) Observe(operation string, latency time.Duration, err error) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.targets[operation]; !ok {
		return
	}
	obs := append(t.observations[operation], observation{latency: latency, success: err == nil, at: t.clock()})
	if len(obs) > t.capacity {
		obs = append(obs[:0:0], obs[len(obs)-t.capacity:]...)
	}
	t.observations[operation] = obs
}

// Status computes the current status for operation.
func (t *SLOTracker) Status(operation string) (SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return SLOStatus{}, fmt.Errorf("no SLO target for operation %q", operation)
	}
	return t.status(target), nil
}

// Statuses returns the status of every tracked operation, ordered by name.
func (t *SLOTracker) Statuses() []SLOStatus {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]SLOStatus, 0, len(t.targets))
	for _, target := range t.targets {
		out = append(out, t.status(target))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

func (t *SLOTracker) status(target SLOTarget) SLOStatus {
	windowStart := t.clock().Add(-target.Window)

	var latencies []float64
	succeeded := 0
	for _, obs := range t.observations[target.Operation] {
		if !obs.at.After(windowStart) {
			continue
		}
		latencies = append(latencies, float64(obs.latency.Microseconds())/1000)
		if obs.success {
			succeeded++
		}
	}

	if len(latencies) == 0 {
		return SLOStatus{
			Operation:       target.Operation,
			CurrentSuccess:  1,
			InCompliance:    true,
			ErrorBudgetLeft: 100,
		}
	}

	sort.Float64s(latencies)
	idx := int(math.Ceil(float64(len(latencies))*0.99)) - 1
	if idx < 0 {
		idx = 0
	}
	p99 := latencies[idx]

	successRate := float64(succeeded) / float64(len(latencies))
	budget := 1 - target.SuccessRate
	errRate := 1 - successRate

	var burn float64
	left := 100.0
	if budget > 0 {
		burn = errRate / budget
		left = math.Max(0, 100*(1-burn))
	} else if errRate > 0 {
		// zero budget: any failure exhausts it; MaxFloat64 keeps the status JSON-encodable
		burn = math.MaxFloat64
		left = 0
	}

	return SLOStatus{
		Operation:        target.Operation,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     p99 <= float64(target.LatencyP99.Microseconds())/1000 && successRate >= target.SuccessRate,
		BurnRate:         burn,
		ErrorBudgetLeft:  left,
		ObservationCount: len(latencies),
	}
}
