// Package api is the HTTP surface of the firewall. Errors are RFC 7807
// Problem Details.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/avrtpro/avrt-firewall/pkg/archive"
	"github.com/avrtpro/avrt-firewall/pkg/ledger"
	"github.com/avrtpro/avrt-firewall/pkg/pipeline"
	"github.com/avrtpro/avrt-firewall/pkg/transcribe"
)

// ProblemTypeBase prefixes every problem type URI.
const ProblemTypeBase = "https://avrt.pro/errors/"

// ProblemDetail implements RFC 7807.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	// Errors lists field-level validation failures.
	Errors []FieldError `json:"errors,omitempty"`
}

// FieldError is one failed request field.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = ProblemTypeBase + strconv.Itoa(p.Status)
	}
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	if r != nil {
		p.Instance = r.URL.Path
	}
	p.TraceID = w.Header().Get("X-Request-ID")

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes a Problem Detail response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, nil, &ProblemDetail{Status: status, Title: title, Detail: detail})
}

// WriteErrorR is WriteError with the request path as instance.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, r, &ProblemDetail{Status: status, Title: title, Detail: detail})
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="avrt"`)
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500. err is logged, never sent.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// ProblemFor maps the firewall error taxonomy onto a Problem Detail.
// Unknown errors become an opaque 500.
func ProblemFor(err error) *ProblemDetail {
	switch {
	case errors.Is(err, pipeline.ErrInvalidInput):
		return &ProblemDetail{Status: http.StatusBadRequest, Title: "Invalid Input", Detail: "output text is required"}
	case errors.Is(err, pipeline.ErrBatchTooLarge):
		return &ProblemDetail{Status: http.StatusBadRequest, Title: "Batch Too Large",
			Detail: fmt.Sprintf("a batch holds at most %d items", pipeline.MaxBatchSize)}
	case errors.Is(err, transcribe.ErrEmptyAudio):
		return &ProblemDetail{Status: http.StatusBadRequest, Title: "Invalid Audio", Detail: err.Error()}
	case errors.Is(err, transcribe.ErrAudioTooLarge):
		return &ProblemDetail{Status: http.StatusRequestEntityTooLarge, Title: "Audio Too Large", Detail: err.Error()}
	case errors.Is(err, pipeline.ErrTranscriptionUnavailable):
		return &ProblemDetail{Status: http.StatusServiceUnavailable, Title: "Transcription Unavailable",
			Detail: "The audio could not be transcribed. Nothing was scored or logged."}
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, archive.ErrNotFound):
		return &ProblemDetail{Status: http.StatusNotFound, Title: "Not Found", Detail: err.Error()}
	case errors.Is(err, ledger.ErrEmptyRange):
		return &ProblemDetail{Status: http.StatusNotFound, Title: "Empty Range", Detail: err.Error()}
	case errors.Is(err, archive.ErrInvalidAddress):
		return &ProblemDetail{Status: http.StatusBadRequest, Title: "Invalid Address", Detail: err.Error()}
	case errors.Is(err, ledger.ErrChainIntegrity), errors.Is(err, ledger.ErrBundleInvalid):
		return &ProblemDetail{Status: http.StatusInternalServerError, Title: "Chain Integrity Violation",
			Detail: "The audit chain failed verification. Operator attention is required."}
	case errors.Is(err, ledger.ErrStoreUnavailable), errors.Is(err, ledger.ErrNotInitialized),
		errors.Is(err, ledger.ErrChainConflict), errors.Is(err, context.DeadlineExceeded):
		return &ProblemDetail{Status: http.StatusServiceUnavailable, Title: "Audit Store Unavailable",
			Detail: "The interaction could not be recorded and no result was issued."}
	default:
		return &ProblemDetail{Status: http.StatusInternalServerError, Title: "Internal Server Error",
			Detail: "An unexpected error occurred. Please try again later."}
	}
}

// WriteDomainError writes ProblemFor(err). Server-side failures are logged
// and 503s carry Retry-After.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	p := ProblemFor(err)
	switch p.Status {
	case http.StatusServiceUnavailable:
		slog.Error("dependency unavailable", "path", r.URL.Path, "error", err)
		w.Header().Set("Retry-After", "5")
	case http.StatusInternalServerError:
		slog.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeProblem(w, r, p)
}
