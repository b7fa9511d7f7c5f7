package scoring

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidInput is returned for an empty or whitespace-only output.
var ErrInvalidInput = errors.New("invalid input: output text is required")

// DimensionDetail explains how one dimension was scored and gated.
type DimensionDetail struct {
	Score     float64  `json:"score"`
	Threshold float64  `json:"threshold,omitempty"`
	HardGated bool     `json:"hard_gated"`
	Passed    bool     `json:"passed"`
	Matches   []string `json:"matches,omitempty"`
}

// Result is the output of Analyze.
type Result struct {
	Scores          DimensionScore                `json:"scores"`
	IsPassing       bool                          `json:"is_passing"`
	Violations      []ViolationKind               `json:"violations"`
	CompositeFailed bool                          `json:"composite_failed,omitempty"`
	Details         map[Dimension]DimensionDetail `json:"details"`
}

// Scorer evaluates output text across the five dimensions. It holds no
// mutable state after construction and is safe for concurrent use.
type Scorer struct {
	strategies map[Dimension]Strategy
	gate       Gate
	clock      func() time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithStrategy replaces the strategy for one dimension.
func WithStrategy(d Dimension, s Strategy) Option {
	return func(sc *Scorer) { sc.strategies[d] = s }
}

// WithGate replaces the default gate.
func WithGate(g Gate) Option {
	return func(sc *Scorer) { sc.gate = g }
}

// WithClock overrides the clock used for score timestamps.
func WithClock(clock func() time.Time) Option {
	return func(sc *Scorer) { sc.clock = clock }
}

// NewScorer builds a Scorer with the default keyword strategies and gate.
func NewScorer(opts ...Option) (*Scorer, error) {
	sc := &Scorer{
		strategies: DefaultStrategies(),
		gate:       DefaultGate(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(sc)
	}
	for _, d := range Dimensions {
		if sc.strategies[d] == nil {
			return nil, fmt.Errorf("no strategy for dimension %q", d)
		}
	}
	for d := range sc.strategies {
		if !d.Valid() {
			return nil, fmt.Errorf("strategy for unknown dimension %q", d)
		}
	}
	if err := sc.gate.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gate: %w", err)
	}
	return sc, nil
}

// Gate returns the scorer's gate.
func (s *Scorer) Gate() Gate { return s.gate }

// Analyze scores output. ctx may be nil.
func (s *Scorer) Analyze(output string, ctx map[string]string) (Result, error) {
	if strings.TrimSpace(output) == "" {
		return Result{}, ErrInvalidInput
	}

	text := NewText(output)
	var values Values
	assessments := make(map[Dimension]Assessment, len(Dimensions))
	for _, d := range Dimensions {
		a := s.strategies[d].Assess(text, ctx)
		a.Score = clamp(a.Score)
		assessments[d] = a
		values.set(d, a.Score)
	}

	scores := NewDimensionScore(values, s.clock().UTC())
	dec := s.gate.Evaluate(scores)

	details := make(map[Dimension]DimensionDetail, len(Dimensions))
	for _, d := range Dimensions {
		det := DimensionDetail{
			Score:     scores.Get(d),
			HardGated: s.gate.IsHardGated(d),
			Passed:    true,
			Matches:   assessments[d].Matches,
		}
		if det.HardGated {
			det.Threshold = s.gate.Threshold(d)
			det.Passed = det.Score >= det.Threshold
		}
		details[d] = det
	}

	var kinds []ViolationKind
	for _, d := range dec.Failed {
		kinds = append(kinds, d.ViolationKind())
		kinds = append(kinds, assessments[d].Kinds...)
	}
	if dec.CompositeFailed && len(dec.Failed) == 0 {
		low := scores.Lowest()
		kinds = append(kinds, low.ViolationKind())
		kinds = append(kinds, assessments[low].Kinds...)
	}

	return Result{
		Scores:          scores,
		IsPassing:       dec.Passing,
		Violations:      sortKinds(kinds),
		CompositeFailed: dec.CompositeFailed,
		Details:         details,
	}, nil
}
