package observability

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys used on firewall spans and metrics.
var (
	AttrOperation     = attribute.Key("avrt.operation")
	AttrStatus        = attribute.Key("avrt.disposition.status")
	AttrViolation     = attribute.Key("avrt.violation.kind")
	AttrInteractionID = attribute.Key("avrt.interaction.id")
	AttrSequence      = attribute.Key("avrt.ledger.sequence")
	AttrCompliant     = attribute.Key("avrt.compliance.compliant")
	AttrComposite     = attribute.Key("avrt.score.composite")
	AttrErrorType     = attribute.Key("error.type")
)

// classified lets callers name an error class without exposing messages.
type classified interface {
	error
	Class() string
}

// ErrorType returns a low-cardinality label for err.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var c classified
	if errors.As(err, &c) {
		return c.Class()
	}
	return fmt.Sprintf("%T", err)
}

// Outcome returns span attributes describing a completed interaction.
func Outcome(interactionID string, sequence uint64, status string, compliant bool, composite float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrInteractionID.String(interactionID),
		AttrSequence.Int64(int64(sequence)),
		AttrStatus.String(status),
		AttrCompliant.Bool(compliant),
		AttrComposite.Float64(composite),
	}
}
