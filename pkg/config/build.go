package config

import (
	"github.com/avrtpro/avrt-firewall/pkg/compliance"
	"github.com/avrtpro/avrt-firewall/pkg/privacy"
	"github.com/avrtpro/avrt-firewall/pkg/scoring"
)

// NewScorer builds the scorer from a profile (nil for defaults) with the
// environment threshold overrides of c (nil for none) applied last.
func NewScorer(p *Profile, c *Config) (*scoring.Scorer, error) {
	gate, err := p.Gate()
	if err != nil {
		return nil, err
	}
	if c != nil {
		override := func(d scoring.Dimension, v *float64) {
			if v != nil {
				gate.Thresholds[d] = *v
			}
		}
		override(scoring.Safety, c.SafetyThreshold)
		override(scoring.Integrity, c.IntegrityThreshold)
		override(scoring.Ethics, c.EthicsThreshold)
		if c.CompositeThreshold != nil {
			gate.Composite = *c.CompositeThreshold
		}
	}

	strategies, err := p.Strategies()
	if err != nil {
		return nil, err
	}
	if c != nil && c.PIIPenalty > 0 {
		ethics, ok := strategies[scoring.Ethics]
		if !ok {
			ethics = scoring.DefaultStrategies()[scoring.Ethics]
		}
		strategies[scoring.Ethics] = privacy.Strategy(ethics, privacy.NewDetector(), c.PIIPenalty)
	}
	opts := []scoring.Option{scoring.WithGate(gate)}
	for _, d := range scoring.Dimensions {
		if s, ok := strategies[d]; ok {
			opts = append(opts, scoring.WithStrategy(d, s))
		}
	}
	return scoring.NewScorer(opts...)
}

// NewValidator builds the compliance validator the same way.
func NewValidator(p *Profile, c *Config) (*compliance.Validator, error) {
	required := compliance.DefaultRequiredConfidence
	if p != nil && p.RequiredConfidence != nil {
		required = *p.RequiredConfidence
	}
	if c != nil && c.RequiredConfidence != nil {
		required = *c.RequiredConfidence
	}

	opts := []compliance.Option{compliance.WithRequiredConfidence(required)}
	for _, check := range p.Checks() {
		opts = append(opts, compliance.WithCheck(check))
	}
	return compliance.NewValidator(opts...)
}
