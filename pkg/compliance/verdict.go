// Package compliance validates output text against truth, honesty and
// transparency claims and produces a Verdict.
package compliance

import (
	"encoding/json"
	"time"
)

// DefaultRequiredConfidence is the confidence floor for a compliant verdict.
const DefaultRequiredConfidence = 0.8

// Claim identifies one of the three verified properties.
type Claim string

const (
	Truth        Claim = "truth"
	Honesty      Claim = "honesty"
	Transparency Claim = "transparency"
)

// Claims lists every claim in evaluation order.
var Claims = []Claim{Truth, Honesty, Transparency}

// Verdict is the outcome of one validation.
//
// Compliance is derived on every call to IsCompliant and is never stored.
type Verdict struct {
	TruthVerified        bool
	HonestyVerified      bool
	TransparencyVerified bool
	ConfidenceScore      float64
	// RequiredConfidence is the floor this verdict was produced under.
	// Zero means unset and resolves to DefaultRequiredConfidence.
	RequiredConfidence float64
	Issues             []string
	Recommendations    []string
	Timestamp          time.Time
}

// IsCompliant reports whether all three claims hold and confidence meets
// the verdict's required floor.
func (v Verdict) IsCompliant() bool {
	return v.CompliantAt(v.Floor())
}

// Floor returns the effective confidence floor.
func (v Verdict) Floor() float64 {
	if v.RequiredConfidence <= 0 {
		return DefaultRequiredConfidence
	}
	return v.RequiredConfidence
}

// CompliantAt evaluates compliance against an explicit confidence floor.
func (v Verdict) CompliantAt(required float64) bool {
	return v.TruthVerified &&
		v.HonestyVerified &&
		v.TransparencyVerified &&
		v.ConfidenceScore >= required
}

// Verified reports the outcome for a single claim.
func (v Verdict) Verified(c Claim) bool {
	switch c {
	case Truth:
		return v.TruthVerified
	case Honesty:
		return v.HonestyVerified
	case Transparency:
		return v.TransparencyVerified
	}
	return false
}

type verdictJSON struct {
	TruthVerified        bool      `json:"truth_verified"`
	HonestyVerified      bool      `json:"honesty_verified"`
	TransparencyVerified bool      `json:"transparency_verified"`
	ConfidenceScore      float64   `json:"confidence_score"`
	RequiredConfidence   float64   `json:"required_confidence"`
	IsCompliant          bool      `json:"is_compliant"`
	Issues               []string  `json:"issues"`
	Recommendations      []string  `json:"recommendations,omitempty"`
	Timestamp            time.Time `json:"timestamp"`
}

// MarshalJSON emits is_compliant computed at marshal time.
func (v Verdict) MarshalJSON() ([]byte, error) {
	issues := v.Issues
	if issues == nil {
		issues = []string{}
	}
	return json.Marshal(verdictJSON{
		TruthVerified:        v.TruthVerified,
		HonestyVerified:      v.HonestyVerified,
		TransparencyVerified: v.TransparencyVerified,
		ConfidenceScore:      v.ConfidenceScore,
		RequiredConfidence:   v.Floor(),
		IsCompliant:          v.IsCompliant(),
		Issues:               issues,
		Recommendations:      v.Recommendations,
		Timestamp:            v.Timestamp,
	})
}

// UnmarshalJSON ignores any serialized is_compliant value.
func (v *Verdict) UnmarshalJSON(data []byte) error {
	var raw verdictJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = Verdict{
		TruthVerified:        raw.TruthVerified,
		HonestyVerified:      raw.HonestyVerified,
		TransparencyVerified: raw.TransparencyVerified,
		ConfidenceScore:      raw.ConfidenceScore,
		RequiredConfidence:   raw.RequiredConfidence,
		Issues:               raw.Issues,
		Recommendations:      raw.Recommendations,
		Timestamp:            raw.Timestamp,
	}
	return nil
}
