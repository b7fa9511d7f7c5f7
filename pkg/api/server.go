package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avrtpro/avrt-firewall/pkg/archive"
	"github.com/avrtpro/avrt-firewall/pkg/ledger"
	"github.com/avrtpro/avrt-firewall/pkg/observability"
	"github.com/avrtpro/avrt-firewall/pkg/pipeline"
)

// Processor runs interactions through the firewall.
type Processor interface {
	Process(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	ProcessBatch(ctx context.Context, reqs []pipeline.Request) ([]pipeline.BatchItem, error)
	ProcessVoice(ctx context.Context, req pipeline.VoiceRequest) (*pipeline.VoiceResult, error)
}

// AuditLog is the read side of the ledger.
type AuditLog interface {
	Head() (string, uint64)
	Query(ctx context.Context, q ledger.Query) ([]ledger.Entry, error)
	Get(ctx context.Context, interactionID string) (*ledger.Entry, error)
	VerifyChain(ctx context.Context) (ledger.Verification, error)
	ExportBundle(ctx context.Context, from, to uint64) (*ledger.Bundle, error)
	Statistics() (ledger.Stats, error)
	Recompute(ctx context.Context) (ledger.Stats, error)
}

// Archiver stores exported bundles.
type Archiver interface {
	Archive(ctx context.Context, b *ledger.Bundle) (archive.Receipt, error)
	Load(ctx context.Context, address string) (*ledger.Bundle, error)
}

// Server serves the firewall HTTP API.
type Server struct {
	proc       Processor
	audit      AuditLog
	archiver   Archiver
	obs        *observability.Provider
	slo        *observability.SLOTracker
	caller     func(context.Context) string
	auditGuard func(http.Handler) http.Handler
	version    string
	logger     *slog.Logger
	clock      func() time.Time
}

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithLogger(l *slog.Logger) ServerOption { return func(s *Server) { s.logger = l } }

func WithArchiver(a Archiver) ServerOption { return func(s *Server) { s.archiver = a } }

func WithObservability(p *observability.Provider) ServerOption {
	return func(s *Server) { s.obs = p }
}

func WithSLOTracker(t *observability.SLOTracker) ServerOption {
	return func(s *Server) { s.slo = t }
}

// WithCaller resolves the authenticated caller. A non-empty caller id
// replaces any user_id sent in a request body.
func WithCaller(fn func(context.Context) string) ServerOption {
	return func(s *Server) { s.caller = fn }
}

// WithAuditGuard wraps every /v1/audit route, typically with a role check.
func WithAuditGuard(mw func(http.Handler) http.Handler) ServerOption {
	return func(s *Server) { s.auditGuard = mw }
}

func WithVersion(v string) ServerOption { return func(s *Server) { s.version = v } }

func WithClock(clock func() time.Time) ServerOption { return func(s *Server) { s.clock = clock } }

func NewServer(proc Processor, audit AuditLog, opts ...ServerOption) (*Server, error) {
	if proc == nil || audit == nil {
		return nil, errors.New("api: processor and audit log are required")
	}
	s := &Server{
		proc:       proc,
		audit:      audit,
		logger:     slog.Default(),
		clock:      time.Now,
		auditGuard: func(h http.Handler) http.Handler { return h },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.obs == nil {
		obs, err := observability.New(context.Background(), observability.DefaultConfig())
		if err != nil {
			return nil, err
		}
		s.obs = obs
	}
	return s, nil
}

type route struct {
	method  string
	path    string
	handler func(*Server) http.HandlerFunc
	audit   bool
}

// routeTable lists every endpoint. docs/api/openapi.yaml must match it.
var routeTable = []route{
	{http.MethodGet, "/health", func(s *Server) http.HandlerFunc { return s.handleHealth }, false},
	{http.MethodGet, "/v1/stats", func(s *Server) http.HandlerFunc { return s.handleStats }, false},
	{http.MethodGet, "/v1/slo", func(s *Server) http.HandlerFunc { return s.handleSLO }, false},
	{http.MethodPost, "/v1/validate", func(s *Server) http.HandlerFunc { return s.handleValidate }, false},
	{http.MethodPost, "/v1/validate/batch", func(s *Server) http.HandlerFunc { return s.handleBatch }, false},
	{http.MethodPost, "/v1/voice", func(s *Server) http.HandlerFunc { return s.handleVoice }, false},
	{http.MethodGet, "/v1/audit", func(s *Server) http.HandlerFunc { return s.handleAuditList }, true},
	{http.MethodGet, "/v1/audit/verify", func(s *Server) http.HandlerFunc { return s.handleAuditVerify }, true},
	{http.MethodGet, "/v1/audit/export", func(s *Server) http.HandlerFunc { return s.handleAuditExport }, true},
	{http.MethodPost, "/v1/audit/archive", func(s *Server) http.HandlerFunc { return s.handleArchive }, true},
	{http.MethodGet, "/v1/audit/archive/{address}", func(s *Server) http.HandlerFunc { return s.handleArchiveLoad }, true},
	{http.MethodGet, "/v1/audit/{id}", func(s *Server) http.HandlerFunc { return s.handleAuditGet }, true},
}

// Routes returns the API handler. Callers add authentication, rate limiting
// and idempotency around it. Every /v1/audit route passes the audit guard.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	for _, rt := range routeTable {
		var h http.Handler = rt.handler(s)
		if rt.audit {
			h = s.auditGuard(h)
		}
		mux.Handle(rt.method+" "+rt.path, h)
	}
	return s.recoverer(s.logRequests(mux))
}

func (s *Server) callerID(r *http.Request) string {
	if s.caller == nil {
		return ""
	}
	return s.caller(r.Context())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads one JSON document of at most limit bytes into v and runs
// struct validation. It writes the error response itself and reports
// whether the handler should continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			WriteErrorR(w, r, http.StatusRequestEntityTooLarge, "Request Too Large", err.Error())
			return false
		}
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "invalid JSON body: "+err.Error())
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "body must hold a single JSON object")
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeProblem(w, r, &ProblemDetail{
			Status: http.StatusBadRequest,
			Title:  "Validation Failed",
			Detail: "one or more fields are invalid",
			Errors: fieldErrors(err),
		})
		return false
	}
	return true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		level := slog.LevelInfo
		if rec.status >= 500 {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", s.clock().Sub(start).Milliseconds(),
			"request_id", w.Header().Get("X-Request-ID"),
		)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				s.logger.ErrorContext(r.Context(), "handler panic", "path", r.URL.Path, "panic", v)
				WriteErrorR(w, r, http.StatusInternalServerError, "Internal Server Error",
					"An unexpected error occurred. Please try again later.")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
