// Package scoring implements the multi-dimensional content scorer and its
// threshold gate.
//
// Each of the five dimensions is produced by an independent Strategy. The
// Gate decides whether the resulting DimensionScore passes; strategies never
// see thresholds and the gate never sees text.
package scoring

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Dimension names one content-quality axis.
type Dimension string

const (
	Safety          Dimension = "safety"
	Personalization Dimension = "personalization"
	Integrity       Dimension = "integrity"
	Ethics          Dimension = "ethics"
	Logic           Dimension = "logic"
)

// Dimensions lists every dimension in canonical order.
var Dimensions = []Dimension{Safety, Personalization, Integrity, Ethics, Logic}

// Valid reports whether d is one of the five known dimensions.
func (d Dimension) Valid() bool {
	switch d {
	case Safety, Personalization, Integrity, Ethics, Logic:
		return true
	}
	return false
}

// ParseDimension converts a name into a Dimension.
func ParseDimension(s string) (Dimension, error) {
	d := Dimension(s)
	if !d.Valid() {
		return "", fmt.Errorf("unknown dimension %q", s)
	}
	return d, nil
}

// Values holds the five raw dimension scores.
type Values struct {
	Safety          float64
	Personalization float64
	Integrity       float64
	Ethics          float64
	Logic           float64
}

// Uniform returns Values with every dimension set to v.
func Uniform(v float64) Values {
	return Values{Safety: v, Personalization: v, Integrity: v, Ethics: v, Logic: v}
}

// Get returns the value for d, or 0 for an unknown dimension.
func (v Values) Get(d Dimension) float64 {
	switch d {
	case Safety:
		return v.Safety
	case Personalization:
		return v.Personalization
	case Integrity:
		return v.Integrity
	case Ethics:
		return v.Ethics
	case Logic:
		return v.Logic
	}
	return 0
}

func (v *Values) set(d Dimension, x float64) {
	switch d {
	case Safety:
		v.Safety = x
	case Personalization:
		v.Personalization = x
	case Integrity:
		v.Integrity = x
	case Ethics:
		v.Ethics = x
	case Logic:
		v.Logic = x
	}
}

// Mean is the unweighted average of the five values.
func (v Values) Mean() float64 {
	return (v.Safety + v.Personalization + v.Integrity + v.Ethics + v.Logic) / 5
}

func (v Values) clamped() Values {
	out := v
	for _, d := range Dimensions {
		out.set(d, clamp(v.Get(d)))
	}
	return out
}

// clamp bounds x to [0,100]; NaN becomes 0.
func clamp(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 100 {
		return 100
	}
	return x
}

// DimensionScore is an immutable set of dimension scores with its composite.
// The zero value scores every dimension 0.
type DimensionScore struct {
	values    Values
	composite float64
	timestamp time.Time
}

// NewDimensionScore clamps v to [0,100] and derives the composite as the
// unweighted mean.
func NewDimensionScore(v Values, ts time.Time) DimensionScore {
	c := v.clamped()
	return DimensionScore{values: c, composite: c.Mean(), timestamp: ts}
}

// NewDimensionScoreWithComposite is NewDimensionScore with an explicit
// composite override.
func NewDimensionScoreWithComposite(v Values, composite float64, ts time.Time) DimensionScore {
	return DimensionScore{values: v.clamped(), composite: clamp(composite), timestamp: ts}
}

func (s DimensionScore) Safety() float64          { return s.values.Safety }
func (s DimensionScore) Personalization() float64 { return s.values.Personalization }
func (s DimensionScore) Integrity() float64       { return s.values.Integrity }
func (s DimensionScore) Ethics() float64          { return s.values.Ethics }
func (s DimensionScore) Logic() float64           { return s.values.Logic }
func (s DimensionScore) Composite() float64       { return s.composite }
func (s DimensionScore) Timestamp() time.Time     { return s.timestamp }

// Values returns a copy of the raw dimension values.
func (s DimensionScore) Values() Values { return s.values }

// Get returns the score for d.
func (s DimensionScore) Get(d Dimension) float64 { return s.values.Get(d) }

// Lowest returns the lowest-scoring dimension, earliest in canonical order on ties.
func (s DimensionScore) Lowest() Dimension {
	low := Dimensions[0]
	for _, d := range Dimensions[1:] {
		if s.values.Get(d) < s.values.Get(low) {
			low = d
		}
	}
	return low
}

type dimensionScoreJSON struct {
	Safety          float64   `json:"safety"`
	Personalization float64   `json:"personalization"`
	Integrity       float64   `json:"integrity"`
	Ethics          float64   `json:"ethics"`
	Logic           float64   `json:"logic"`
	Composite       *float64  `json:"composite,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

func (s DimensionScore) MarshalJSON() ([]byte, error) {
	c := s.composite
	return json.Marshal(dimensionScoreJSON{
		Safety:          s.values.Safety,
		Personalization: s.values.Personalization,
		Integrity:       s.values.Integrity,
		Ethics:          s.values.Ethics,
		Logic:           s.values.Logic,
		Composite:       &c,
		Timestamp:       s.timestamp,
	})
}

// UnmarshalJSON keeps a stored composite as-is and derives it when absent.
func (s *DimensionScore) UnmarshalJSON(data []byte) error {
	var raw dimensionScoreJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v := Values{
		Safety:          raw.Safety,
		Personalization: raw.Personalization,
		Integrity:       raw.Integrity,
		Ethics:          raw.Ethics,
		Logic:           raw.Logic,
	}
	if raw.Composite != nil {
		*s = NewDimensionScoreWithComposite(v, *raw.Composite, raw.Timestamp)
	} else {
		*s = NewDimensionScore(v, raw.Timestamp)
	}
	return nil
}
