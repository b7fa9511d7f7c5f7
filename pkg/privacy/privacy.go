// Package privacy detects personal data in AI output and reports it as a
// privacy violation on the ethics dimension.
package privacy

import (
	"regexp"
	"sort"
	"strings"

	"github.com/avrtpro/avrt-firewall/pkg/scoring"
)

// Category names a class of personal data.
type Category string

const (
	Email       Category = "email"
	SSN         Category = "us_ssn"
	PaymentCard Category = "payment_card"
	IPv4        Category = "ipv4"
)

// Finding counts the matches of one category.
type Finding struct {
	Category Category
	Count    int
}

type pattern struct {
	category Category
	re       *regexp.Regexp
	// check filters raw matches; nil accepts all.
	check func(string) bool
}

// Detector finds personal data by pattern. The zero value is not usable;
// use NewDetector.
type Detector struct {
	patterns []pattern
}

// NewDetector returns a Detector for every known category.
func NewDetector() *Detector {
	return &Detector{patterns: []pattern{
		{category: Email, re: regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)},
		{category: SSN, re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), check: validSSN},
		{category: PaymentCard, re: regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), check: luhn},
		{category: IPv4, re: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)},
	}}
}

// Find reports each category present in text, ordered by category name.
func (d *Detector) Find(text string) []Finding {
	var out []Finding
	for _, p := range d.patterns {
		n := 0
		for _, m := range p.re.FindAllString(text, -1) {
			if p.check == nil || p.check(m) {
				n++
			}
		}
		if n > 0 {
			out = append(out, Finding{Category: p.category, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// Redact replaces every detected value with [REDACTED_<CATEGORY>].
func (d *Detector) Redact(text string) string {
	for _, p := range d.patterns {
		label := "[REDACTED_" + strings.ToUpper(string(p.category)) + "]"
		text = p.re.ReplaceAllStringFunc(text, func(m string) string {
			if p.check != nil && !p.check(m) {
				return m
			}
			return label
		})
	}
	return text
}

// Strategy wraps inner so that every distinct category found in the text
// costs penalty points and reports scoring.PrivacyViolation.
func Strategy(inner scoring.Strategy, d *Detector, penalty float64) scoring.Strategy {
	return scoring.StrategyFunc(func(t scoring.Text, ctx map[string]string) scoring.Assessment {
		a := inner.Assess(t, ctx)
		findings := d.Find(t.NFC)
		if len(findings) == 0 {
			return a
		}
		for _, f := range findings {
			a.Score -= penalty
			a.Matches = append(a.Matches, "pii:"+string(f.Category))
		}
		if a.Score < 0 {
			a.Score = 0
		}
		a.Kinds = append(a.Kinds, scoring.PrivacyViolation)
		return a
	})
}

// validSSN rejects the area and group numbers the SSA never issues.
func validSSN(s string) bool {
	area, group, serial := s[0:3], s[4:6], s[7:11]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}

func luhn(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if (len(digits)-1-i)%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}
