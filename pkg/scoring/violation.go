package scoring

// ViolationKind is one of a closed set of reasons an output was gated.
type ViolationKind string

const (
	HarmfulContent   ViolationKind = "harmful_content"
	Misinformation   ViolationKind = "misinformation"
	Manipulation     ViolationKind = "manipulation"
	Bias             ViolationKind = "bias"
	PrivacyViolation ViolationKind = "privacy_violation"
	Hallucination    ViolationKind = "hallucination"
	EthicalViolation ViolationKind = "ethical_violation"
)

// ViolationKinds lists every kind in reporting order.
var ViolationKinds = []ViolationKind{
	HarmfulContent,
	Misinformation,
	Manipulation,
	Bias,
	PrivacyViolation,
	Hallucination,
	EthicalViolation,
}

func (k ViolationKind) Valid() bool {
	for _, known := range ViolationKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ViolationKind is the kind reported when d fails its gate.
func (d Dimension) ViolationKind() ViolationKind {
	switch d {
	case Safety:
		return HarmfulContent
	case Integrity:
		return Manipulation
	case Ethics:
		return EthicalViolation
	case Personalization:
		return Bias
	case Logic:
		return Hallucination
	}
	return HarmfulContent
}

// sortKinds de-duplicates kinds and orders them as in ViolationKinds.
func sortKinds(kinds []ViolationKind) []ViolationKind {
	seen := make(map[ViolationKind]bool, len(kinds))
	for _, k := range kinds {
		seen[k] = true
	}
	out := make([]ViolationKind, 0, len(seen))
	for _, k := range ViolationKinds {
		if seen[k] {
			out = append(out, k)
		}
	}
	return out
}
