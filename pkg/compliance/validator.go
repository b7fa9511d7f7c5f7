package compliance

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/avrtpro/avrt-firewall/pkg/scoring"
)

// ErrInvalidInput is returned for an empty or whitespace-only output. It is
// the same sentinel the scorer returns.
var ErrInvalidInput = scoring.ErrInvalidInput

// ConfidenceKey is the context entry through which a caller declares its own
// confidence in [0,1]. It caps the computed confidence and never raises it.
const ConfidenceKey = "confidence"

// Validator runs one Check per claim. Safe for concurrent use.
type Validator struct {
	checks   map[Claim]Check
	required float64
	clock    func() time.Time
}

// Option configures a Validator.
type Option func(*Validator)

// WithCheck replaces the check for its claim.
func WithCheck(c Check) Option {
	return func(v *Validator) { v.checks[c.Claim()] = c }
}

// WithRequiredConfidence sets the confidence floor.
func WithRequiredConfidence(required float64) Option {
	return func(v *Validator) { v.required = required }
}

// WithClock overrides the clock used for verdict timestamps.
func WithClock(clock func() time.Time) Option {
	return func(v *Validator) { v.clock = clock }
}

// NewValidator builds a Validator with the default checks.
func NewValidator(opts ...Option) (*Validator, error) {
	v := &Validator{
		checks:   make(map[Claim]Check, len(Claims)),
		required: DefaultRequiredConfidence,
		clock:    time.Now,
	}
	for _, c := range DefaultChecks() {
		v.checks[c.Claim()] = c
	}
	for _, opt := range opts {
		opt(v)
	}
	if math.IsNaN(v.required) || v.required <= 0 || v.required > 1 {
		return nil, fmt.Errorf("required confidence %v out of range (0,1]", v.required)
	}
	for _, c := range Claims {
		if v.checks[c] == nil {
			return nil, fmt.Errorf("no check for claim %q", c)
		}
	}
	return v, nil
}

// RequiredConfidence returns the configured floor.
func (v *Validator) RequiredConfidence() float64 { return v.required }

// Validate evaluates output. ctx may be nil.
func (v *Validator) Validate(output string, ctx map[string]string) (Verdict, error) {
	if strings.TrimSpace(output) == "" {
		return Verdict{}, ErrInvalidInput
	}

	text := scoring.NewText(output)
	verdict := Verdict{
		RequiredConfidence: v.required,
		Timestamp:          v.clock().UTC(),
	}

	passed := 0
	for _, claim := range Claims {
		out := v.checks[claim].Evaluate(text, ctx)
		switch claim {
		case Truth:
			verdict.TruthVerified = out.Passed
		case Honesty:
			verdict.HonestyVerified = out.Passed
		case Transparency:
			verdict.TransparencyVerified = out.Passed
		}
		if out.Passed {
			passed++
			continue
		}
		issue := out.Issue
		if issue == "" {
			issue = fmt.Sprintf("%s check failed", claim)
		}
		verdict.Issues = append(verdict.Issues, issue)
		if out.Recommendation != "" {
			verdict.Recommendations = append(verdict.Recommendations, out.Recommendation)
		}
	}

	confidence := float64(passed) / float64(len(Claims))
	if declared, ok := declaredConfidence(ctx); ok && declared < confidence {
		confidence = declared
	}
	verdict.ConfidenceScore = confidence

	if confidence < v.required {
		verdict.Issues = append(verdict.Issues,
			fmt.Sprintf("Confidence %.2f below required %.2f", confidence, v.required))
	}
	return verdict, nil
}

func declaredConfidence(ctx map[string]string) (float64, bool) {
	raw, ok := ctx[ConfidenceKey]
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(f) || f < 0 || f > 1 {
		return 0, false
	}
	return f, true
}
