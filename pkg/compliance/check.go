package compliance

import (
	"strings"
	"unicode/utf8"

	"github.com/avrtpro/avrt-firewall/pkg/scoring"
)

// Outcome is the result of a single Check.
type Outcome struct {
	Passed         bool
	Issue          string
	Recommendation string
	Matched        string
}

// Check verifies one claim. Implementations must be deterministic and free of I/O.
type Check interface {
	Claim() Claim
	Evaluate(t scoring.Text, ctx map[string]string) Outcome
}

// PatternCheck fails when any forbidden phrase appears in the lowercased text.
type PatternCheck struct {
	ClaimName      Claim
	Phrases        []string
	Issue          string
	Recommendation string
}

func (p PatternCheck) Claim() Claim { return p.ClaimName }

func (p PatternCheck) Evaluate(t scoring.Text, _ map[string]string) Outcome {
	for _, phrase := range p.Phrases {
		if strings.Contains(t.Lower, phrase) {
			return Outcome{Issue: p.Issue, Recommendation: p.Recommendation, Matched: phrase}
		}
	}
	return Outcome{Passed: true}
}

// ReasoningCheck fails a text of at least MinLength characters that makes a
// claim without any reasoning marker.
type ReasoningCheck struct {
	ClaimWords []string
	Markers    []string
	MinLength  int
}

func (r ReasoningCheck) Claim() Claim { return Transparency }

func (r ReasoningCheck) Evaluate(t scoring.Text, _ map[string]string) Outcome {
	if utf8.RuneCountInString(t.NFC) < r.MinLength {
		return Outcome{Passed: true}
	}
	claimed := ""
	for _, w := range r.ClaimWords {
		if strings.Contains(t.Lower, w) {
			claimed = w
			break
		}
	}
	if claimed == "" {
		return Outcome{Passed: true}
	}
	for _, m := range r.Markers {
		if strings.Contains(t.Lower, m) {
			return Outcome{Passed: true}
		}
	}
	return Outcome{
		Issue:          "Transparency check failed: claims without supporting reasoning",
		Recommendation: "Provide reasoning for claims. Explain 'why' or cite sources.",
		Matched:        claimed,
	}
}

var (
	OverconfidentPhrases = []string{
		"definitely", "absolutely certain", "100% guarantee",
		"always true", "never wrong", "guaranteed to work",
		"everyone knows", "obviously", "undeniably",
	}
	SecretivePhrases = []string{
		"just between us", "don't tell", "keep this secret",
		"you can trust me", "believe me", "trust me on this",
		"off the record", "confidentially",
	}
	ReasoningMarkers = []string{
		"because", "the reason", "this is based on",
		"according to", "evidence suggests", "research shows",
		"in my understanding", "i believe", "it appears that",
		"based on", "considering",
	}
	ClaimWords = []string{
		"is", "are", "will", "should", "must",
		"can", "cannot", "always", "never",
	}
)

// DefaultChecks returns the phrase-based checks for all three claims.
func DefaultChecks() []Check {
	return []Check{
		PatternCheck{
			ClaimName:      Truth,
			Phrases:        OverconfidentPhrases,
			Issue:          "Truth verification failed: overconfident claims detected",
			Recommendation: "Avoid absolute claims. Use hedging language like 'likely', 'may', 'suggests'.",
		},
		PatternCheck{
			ClaimName:      Honesty,
			Phrases:        SecretivePhrases,
			Issue:          "Honesty check failed: secretive or manipulative patterns detected",
			Recommendation: "Avoid secretive language. Be open about the nature of the information.",
		},
		ReasoningCheck{
			ClaimWords: ClaimWords,
			Markers:    ReasoningMarkers,
			MinLength:  50,
		},
	}
}
