package api

import (
	"errors"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/avrtpro/avrt-firewall/pkg/compliance"
	"github.com/avrtpro/avrt-firewall/pkg/disposition"
	"github.com/avrtpro/avrt-firewall/pkg/ledger"
	"github.com/avrtpro/avrt-firewall/pkg/pipeline"
	"github.com/avrtpro/avrt-firewall/pkg/scoring"
)

// Body size limits.
const (
	MaxBodyBytes      = 1 << 20
	MaxBatchBodyBytes = 8 << 20
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("maxbytes", validateMaxBytes)
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// validateMaxBytes limits a string by byte length; the param is in bytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	limit, err := strconv.Atoi(fl.Param())
	if err != nil {
		return false
	}
	return len(fl.Field().String()) <= limit
}

// fieldErrors flattens validator errors for ProblemDetail.Errors.
func fieldErrors(err error) []FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		out = append(out, FieldError{Field: field, Rule: fe.Tag()})
	}
	return out
}

// ValidateRequest is the body of POST /v1/validate.
type ValidateRequest struct {
	Input   string            `json:"input" validate:"maxbytes=65536"`
	Output  string            `json:"output" validate:"required,maxbytes=65536"`
	Context map[string]string `json:"context,omitempty" validate:"max=64,dive,keys,required,maxbytes=128,endkeys,maxbytes=4096"`
	UserID  string            `json:"user_id,omitempty" validate:"max=256"`
}

func (r ValidateRequest) pipelineRequest(userID string) pipeline.Request {
	if userID == "" {
		userID = r.UserID
	}
	return pipeline.Request{Input: r.Input, Output: r.Output, Context: r.Context, UserID: userID}
}

// BatchRequest is the body of POST /v1/validate/batch.
type BatchRequest struct {
	Items []ValidateRequest `json:"items" validate:"required,min=1,max=100,dive"`
}

// ValidationResponse is the wire form of an audited result.
type ValidationResponse struct {
	Status        disposition.Status                            `json:"status"`
	IsSafe        bool                                          `json:"is_safe"`
	IsCompliant   bool                                          `json:"is_compliant"`
	Message       string                                        `json:"message"`
	Suggestion    string                                        `json:"suggestion,omitempty"`
	Scores        scoring.DimensionScore                        `json:"scores"`
	IsPassing     bool                                          `json:"is_passing"`
	Violations    []scoring.ViolationKind                       `json:"violations"`
	Details       map[scoring.Dimension]scoring.DimensionDetail `json:"details,omitempty"`
	Compliance    compliance.Verdict                            `json:"compliance"`
	InteractionID string                                        `json:"interaction_id"`
	Sequence      uint64                                        `json:"sequence"`
	Hash          string                                        `json:"hash"`
	PreviousHash  string                                        `json:"previous_hash"`
	Timestamp     time.Time                                     `json:"timestamp"`
	ProcessingMS  float64                                       `json:"processing_time_ms"`
}

// NewValidationResponse flattens a pipeline result into its wire form.
func NewValidationResponse(r *pipeline.Result) *ValidationResponse {
	violations := r.Violations
	if violations == nil {
		violations = []scoring.ViolationKind{}
	}
	return &ValidationResponse{
		Status:        r.Disposition.Status,
		IsSafe:        r.Disposition.Status.IsSafe(),
		IsCompliant:   r.Compliance.IsCompliant(),
		Message:       r.Disposition.Message,
		Suggestion:    r.Disposition.Suggestion,
		Scores:        r.Score.Scores,
		IsPassing:     r.Score.IsPassing,
		Violations:    violations,
		Details:       r.Score.Details,
		Compliance:    r.Compliance,
		InteractionID: r.InteractionID,
		Sequence:      r.Sequence,
		Hash:          r.Hash,
		PreviousHash:  r.PreviousHash,
		Timestamp:     r.Timestamp,
		ProcessingMS:  float64(r.ProcessingTime.Microseconds()) / 1000,
	}
}

// BatchItemResponse holds either a result or a problem.
type BatchItemResponse struct {
	Index  int                 `json:"index"`
	Result *ValidationResponse `json:"result,omitempty"`
	Error  *ProblemDetail      `json:"error,omitempty"`
}

// BatchResponse is the body returned by POST /v1/validate/batch.
type BatchResponse struct {
	Items     []BatchItemResponse `json:"items"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
}

// VoiceResponse is the body returned by POST /v1/voice.
type VoiceResponse struct {
	Transcript string              `json:"transcript"`
	Language   string              `json:"language,omitempty"`
	DurationS  float64             `json:"duration_seconds,omitempty"`
	Validation *ValidationResponse `json:"validation,omitempty"`
}

// AuditListResponse is the body of GET /v1/audit.
type AuditListResponse struct {
	Entries  []ledger.Entry `json:"entries"`
	Count    int            `json:"count"`
	Head     string         `json:"head"`
	Sequence uint64         `json:"sequence"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Entries   uint64    `json:"ledger_entries"`
	Head      string    `json:"ledger_head"`
	Timestamp time.Time `json:"timestamp"`
}
