package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/avrtpro/avrt-firewall/pkg/compliance"
	"github.com/avrtpro/avrt-firewall/pkg/scoring"
)

// SupportedProfileVersions is the semver constraint a profile must satisfy.
const SupportedProfileVersions = "^1"

const profileSchemaURL = "https://avrt.schemas.local/policy-profile.schema.json"

//go:embed profile.schema.json
var profileSchemaJSON string

var (
	profileSchemaOnce sync.Once
	profileSchema     *jsonschema.Schema
	profileSchemaErr  error
)

// ErrInvalidProfile wraps every profile validation failure.
var ErrInvalidProfile = errors.New("invalid policy profile")

// Profile is a YAML policy document tuning thresholds, gating and the
// scoring and compliance term lists.
type Profile struct {
	Version            string                     `yaml:"version" json:"version"`
	Name               string                     `yaml:"name,omitempty" json:"name,omitempty"`
	Description        string                     `yaml:"description,omitempty" json:"description,omitempty"`
	Thresholds         map[string]float64         `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
	HardGated          []string                   `yaml:"hard_gated,omitempty" json:"hard_gated,omitempty"`
	RequiredConfidence *float64                   `yaml:"required_confidence,omitempty" json:"required_confidence,omitempty"`
	Dimensions         map[string]DimensionPolicy `yaml:"dimensions,omitempty" json:"dimensions,omitempty"`
	Compliance         CompliancePolicy           `yaml:"compliance,omitempty" json:"compliance,omitempty"`
}

// DimensionPolicy overrides the default keyword strategy of one dimension,
// or replaces it with a CEL expression.
type DimensionPolicy struct {
	Base         *float64 `yaml:"base,omitempty"`
	Penalised    []string `yaml:"penalised,omitempty"`
	Penalty      *float64 `yaml:"penalty,omitempty"`
	Rewarded     []string `yaml:"rewarded,omitempty"`
	Bonus        *float64 `yaml:"bonus,omitempty"`
	RewardOnce   *bool    `yaml:"reward_once,omitempty"`
	MinLength    *int     `yaml:"min_length,omitempty"`
	ShortPenalty *float64 `yaml:"short_penalty,omitempty"`
	ContextKey   *string  `yaml:"context_key,omitempty"`
	Kinds        []string `yaml:"kinds,omitempty"`
	Expression   string   `yaml:"expression,omitempty"`
}

// CompliancePolicy overrides the phrase lists of the default checks.
type CompliancePolicy struct {
	OverconfidentPhrases []string `yaml:"overconfident_phrases,omitempty"`
	SecretivePhrases     []string `yaml:"secretive_phrases,omitempty"`
	ReasoningMarkers     []string `yaml:"reasoning_markers,omitempty"`
	ClaimWords           []string `yaml:"claim_words,omitempty"`
	MinLength            *int     `yaml:"min_length,omitempty"`
}

func compiledProfileSchema() (*jsonschema.Schema, error) {
	profileSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(profileSchemaURL, strings.NewReader(profileSchemaJSON)); err != nil {
			profileSchemaErr = fmt.Errorf("profile schema load failed: %w", err)
			return
		}
		profileSchema, profileSchemaErr = c.Compile(profileSchemaURL)
	})
	return profileSchema, profileSchemaErr
}

// LoadProfile reads and validates a profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	p, err := ParseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", path, err)
	}
	return p, nil
}

// ParseProfile validates data against the profile schema and the supported
// version range, then decodes it.
func ParseProfile(data []byte) (*Profile, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse: %w", ErrInvalidProfile, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: non-JSON-compatible document: %w", ErrInvalidProfile, err)
	}
	var inst any
	jd := json.NewDecoder(bytes.NewReader(raw))
	jd.UseNumber()
	if err := jd.Decode(&inst); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProfile, err)
	}
	schema, err := compiledProfileSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidProfile, err)
	}

	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidProfile, err)
	}
	if err := p.checkVersion(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) checkVersion() error {
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return fmt.Errorf("%w: version %q: %w", ErrInvalidProfile, p.Version, err)
	}
	c, err := semver.NewConstraint(SupportedProfileVersions)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: version %s does not satisfy %s", ErrInvalidProfile, v, SupportedProfileVersions)
	}
	return nil
}

// Gate returns the default gate with the profile's thresholds and hard-gated
// set applied. A nil profile yields the default gate.
func (p *Profile) Gate() (scoring.Gate, error) {
	g := scoring.DefaultGate()
	if p == nil {
		return g, nil
	}
	if len(p.HardGated) > 0 {
		g.HardGated = g.HardGated[:0:0]
		for _, name := range p.HardGated {
			d, err := scoring.ParseDimension(name)
			if err != nil {
				return scoring.Gate{}, err
			}
			g.HardGated = append(g.HardGated, d)
		}
	}
	names := make([]string, 0, len(p.Thresholds))
	for name := range p.Thresholds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := p.Thresholds[name]
		if name == "composite" {
			g.Composite = v
			continue
		}
		d, err := scoring.ParseDimension(name)
		if err != nil {
			return scoring.Gate{}, err
		}
		g.Thresholds[d] = v
	}
	for _, d := range g.HardGated {
		if _, ok := g.Thresholds[d]; !ok {
			g.Thresholds[d] = scoring.DefaultThreshold
		}
	}
	return g, nil
}

// Strategies returns the scoring strategy of every dimension the profile
// overrides.
func (p *Profile) Strategies() (map[scoring.Dimension]scoring.Strategy, error) {
	out := make(map[scoring.Dimension]scoring.Strategy)
	if p == nil {
		return out, nil
	}
	defaults := scoring.DefaultStrategies()
	for name, dp := range p.Dimensions {
		d, err := scoring.ParseDimension(name)
		if err != nil {
			return nil, err
		}
		kinds := make([]scoring.ViolationKind, len(dp.Kinds))
		for i, k := range dp.Kinds {
			kinds[i] = scoring.ViolationKind(k)
		}
		if dp.Expression != "" {
			s, err := scoring.NewCELStrategy(dp.Expression, kinds...)
			if err != nil {
				return nil, fmt.Errorf("%w: dimension %s: %w", ErrInvalidProfile, name, err)
			}
			out[d] = s
			continue
		}
		ks, ok := defaults[d].(scoring.KeywordStrategy)
		if !ok {
			ks = scoring.KeywordStrategy{Base: 100}
		}
		dp.apply(&ks, kinds)
		out[d] = ks
	}
	return out, nil
}

func (dp DimensionPolicy) apply(ks *scoring.KeywordStrategy, kinds []scoring.ViolationKind) {
	if dp.Base != nil {
		ks.Base = *dp.Base
	}
	if dp.Penalised != nil {
		ks.Penalised = lower(dp.Penalised)
	}
	if dp.Penalty != nil {
		ks.Penalty = *dp.Penalty
	}
	if dp.Rewarded != nil {
		ks.Rewarded = lower(dp.Rewarded)
	}
	if dp.Bonus != nil {
		ks.Bonus = *dp.Bonus
	}
	if dp.RewardOnce != nil {
		ks.RewardOnce = *dp.RewardOnce
	}
	if dp.MinLength != nil {
		ks.MinLength = *dp.MinLength
	}
	if dp.ShortPenalty != nil {
		ks.ShortPenalty = *dp.ShortPenalty
	}
	if dp.ContextKey != nil {
		ks.ContextKey = *dp.ContextKey
	}
	if len(kinds) > 0 {
		ks.Kinds = kinds
	}
}

// Checks returns the compliance checks with the profile's phrase lists.
func (p *Profile) Checks() []compliance.Check {
	checks := compliance.DefaultChecks()
	if p == nil {
		return checks
	}
	cp := p.Compliance
	for i, c := range checks {
		switch c := c.(type) {
		case compliance.PatternCheck:
			if c.ClaimName == compliance.Truth && cp.OverconfidentPhrases != nil {
				c.Phrases = lower(cp.OverconfidentPhrases)
			}
			if c.ClaimName == compliance.Honesty && cp.SecretivePhrases != nil {
				c.Phrases = lower(cp.SecretivePhrases)
			}
			checks[i] = c
		case compliance.ReasoningCheck:
			if cp.ReasoningMarkers != nil {
				c.Markers = lower(cp.ReasoningMarkers)
			}
			if cp.ClaimWords != nil {
				c.ClaimWords = lower(cp.ClaimWords)
			}
			if cp.MinLength != nil {
				c.MinLength = *cp.MinLength
			}
			checks[i] = c
		}
	}
	return checks
}

func lower(terms []string) []string {
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = strings.ToLower(strings.TrimSpace(t))
	}
	return out
}
