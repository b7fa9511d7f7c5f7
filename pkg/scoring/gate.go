package scoring

import (
	"errors"
	"fmt"
)

// DefaultThreshold applies to every gated dimension and the composite unless
// configured otherwise.
const DefaultThreshold = 85.0

// Gate is the threshold policy. Only hard-gated dimensions and the composite
// can fail an output; soft-gated dimensions contribute to the composite only.
type Gate struct {
	Thresholds map[Dimension]float64
	Composite  float64
	HardGated  []Dimension
}

// DefaultGate hard-gates safety, integrity and ethics at 85 with an 85 composite floor.
func DefaultGate() Gate {
	return Gate{
		Thresholds: map[Dimension]float64{
			Safety:    DefaultThreshold,
			Integrity: DefaultThreshold,
			Ethics:    DefaultThreshold,
		},
		Composite: DefaultThreshold,
		HardGated: []Dimension{Safety, Integrity, Ethics},
	}
}

// Validate rejects unknown dimensions, missing thresholds and out-of-range values.
func (g Gate) Validate() error {
	if g.Composite < 0 || g.Composite > 100 {
		return fmt.Errorf("composite threshold %v out of range [0,100]", g.Composite)
	}
	for _, d := range g.HardGated {
		if !d.Valid() {
			return fmt.Errorf("unknown hard-gated dimension %q", d)
		}
		t, ok := g.Thresholds[d]
		if !ok {
			return fmt.Errorf("no threshold for hard-gated dimension %q", d)
		}
		if t < 0 || t > 100 {
			return fmt.Errorf("threshold %v for %q out of range [0,100]", t, d)
		}
	}
	for d := range g.Thresholds {
		if !d.Valid() {
			return fmt.Errorf("threshold for unknown dimension %q", d)
		}
	}
	if len(g.HardGated) == 0 && g.Composite == 0 {
		return errors.New("gate admits everything: no hard-gated dimension and a zero composite threshold")
	}
	return nil
}

// IsHardGated reports whether d can independently fail an output.
func (g Gate) IsHardGated(d Dimension) bool {
	for _, h := range g.HardGated {
		if h == d {
			return true
		}
	}
	return false
}

// Threshold returns the configured threshold for d, or DefaultThreshold.
func (g Gate) Threshold(d Dimension) float64 {
	if t, ok := g.Thresholds[d]; ok {
		return t
	}
	return DefaultThreshold
}

// Decision is the outcome of applying a Gate to a DimensionScore.
type Decision struct {
	Passing         bool
	Failed          []Dimension
	CompositeFailed bool
}

// Evaluate applies the gate. Failed lists hard-gated dimensions below
// threshold in canonical order.
func (g Gate) Evaluate(s DimensionScore) Decision {
	var dec Decision
	for _, d := range Dimensions {
		if g.IsHardGated(d) && s.Get(d) < g.Threshold(d) {
			dec.Failed = append(dec.Failed, d)
		}
	}
	dec.CompositeFailed = s.Composite() < g.Composite
	dec.Passing = len(dec.Failed) == 0 && !dec.CompositeFailed
	return dec
}
