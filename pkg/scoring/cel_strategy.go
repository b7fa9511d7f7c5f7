package scoring

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELStrategy scores a dimension with a CEL expression evaluating to a number.
//
// Variables: text (NFC string), lower (lowercased), words (list of lowercase
// words), context (map of string to string). Example:
//
//	100.0 - 25.0 * double(size(words.filter(w, w in ["ssn", "passport"])))
//
// Evaluation errors score 0 so a broken expression fails closed.
type CELStrategy struct {
	expr  string
	prg   cel.Program
	kinds []ViolationKind
	// KindsBelow reports kinds only when the score is below this value.
	KindsBelow float64
}

// NewCELStrategy compiles expr once. kinds are reported whenever the score
// falls below 100.
func NewCELStrategy(expr string, kinds ...ViolationKind) (*CELStrategy, error) {
	env, err := cel.NewEnv(
		cel.Variable("text", cel.StringType),
		cel.Variable("lower", cel.StringType),
		cel.Variable("words", cel.ListType(cel.StringType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	for _, k := range kinds {
		if !k.Valid() {
			return nil, fmt.Errorf("unknown violation kind %q", k)
		}
	}
	return &CELStrategy{expr: expr, prg: prg, kinds: kinds, KindsBelow: 100}, nil
}

// Expression returns the source expression.
func (c *CELStrategy) Expression() string { return c.expr }

func (c *CELStrategy) Assess(t Text, ctx map[string]string) Assessment {
	if ctx == nil {
		ctx = map[string]string{}
	}
	words := t.Words
	if words == nil {
		words = []string{}
	}
	out, _, err := c.prg.Eval(map[string]any{
		"text":    t.NFC,
		"lower":   t.Lower,
		"words":   words,
		"context": ctx,
	})
	if err != nil {
		return Assessment{Score: 0, Matches: []string{"cel_error: " + err.Error()}, Kinds: c.kinds}
	}

	var score float64
	switch v := out.Value().(type) {
	case float64:
		score = v
	case int64:
		score = float64(v)
	case uint64:
		score = float64(v)
	default:
		return Assessment{Score: 0, Matches: []string{fmt.Sprintf("cel_error: non-numeric result %T", v)}, Kinds: c.kinds}
	}

	a := Assessment{Score: clamp(score)}
	if a.Score < c.KindsBelow {
		a.Kinds = c.kinds
	}
	return a
}
