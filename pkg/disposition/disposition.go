// Package disposition merges a scoring result and a compliance verdict into
// a single safe, warning or blocked outcome.
package disposition

import (
	"fmt"
	"strings"

	"github.com/avrtpro/avrt-firewall/pkg/compliance"
	"github.com/avrtpro/avrt-firewall/pkg/scoring"
)

// Status is the final three-way outcome.
type Status string

const (
	Safe    Status = "safe"
	Warning Status = "warning"
	Blocked Status = "blocked"
)

// Statuses lists every status from least to most severe.
var Statuses = []Status{Safe, Warning, Blocked}

func (s Status) Valid() bool {
	return s == Safe || s == Warning || s == Blocked
}

func (s Status) IsSafe() bool { return s == Safe }

// ParseStatus converts a name into a Status, ignoring case.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// Fixed texts per branch.
const (
	SafeMessage    = "Response passed all safety and compliance checks."
	WarningMessage = "Response passed safety checks but did not fully meet truth, honesty and transparency requirements."
	BlockedMessage = "Response blocked: one or more safety thresholds were not met."

	WarningSuggestion = "Add supporting reasoning, avoid absolute or secretive language, and review before use."
	BlockedSuggestion = "I apologize, but I need to rephrase that response to ensure it meets " +
		"AVRT safety standards. How can I help you in a constructive way?"
)

// Disposition is derived from scores and compliance and never stored on its own.
type Disposition struct {
	Status     Status `json:"status"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Resolve applies the precedence blocked > warning > safe.
func Resolve(passing, compliant bool) Disposition {
	switch {
	case !passing:
		return Disposition{Status: Blocked, Message: BlockedMessage, Suggestion: BlockedSuggestion}
	case !compliant:
		return Disposition{Status: Warning, Message: WarningMessage, Suggestion: WarningSuggestion}
	default:
		return Disposition{Status: Safe, Message: SafeMessage}
	}
}

// ResolveResults resolves a scorer result against a verdict evaluated at its
// own required confidence.
func ResolveResults(score scoring.Result, verdict compliance.Verdict) Disposition {
	return Resolve(score.IsPassing, verdict.IsCompliant())
}
