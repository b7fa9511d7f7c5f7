package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avrtpro/avrt-firewall/pkg/disposition"
	"github.com/avrtpro/avrt-firewall/pkg/ledger"
	"github.com/avrtpro/avrt-firewall/pkg/observability"
)

// csvTextLimit truncates input and output columns of a CSV export.
const csvTextLimit = 100

// CSVHeader is the column order of a CSV export.
var CSVHeader = []string{
	"sequence", "interaction_id", "timestamp", "user_id", "status",
	"composite", "compliant", "violations", "input", "output",
	"hash", "previous_hash",
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	head, seq := s.audit.Head()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   s.version,
		Entries:   seq,
		Head:      head,
		Timestamp: s.clock().UTC(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var (
		stats ledger.Stats
		err   error
	)
	if r.URL.Query().Get("recompute") == "true" {
		stats, err = s.audit.Recompute(r.Context())
	} else {
		stats, err = s.audit.Statistics()
	}
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSLO(w http.ResponseWriter, _ *http.Request) {
	statuses := s.slo.Statuses()
	if statuses == nil {
		statuses = []observability.SLOStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"slos": statuses})
}

// parseQuery reads the audit filters. Times are RFC 3339.
func parseQuery(r *http.Request) (ledger.Query, error) {
	v := r.URL.Query()
	var q ledger.Query
	var errs []error
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("limit %q: want a non-negative integer", raw))
		}
		q.Limit = n
	}
	if raw := v.Get("status"); raw != "" {
		st, err := disposition.ParseStatus(raw)
		if err != nil {
			errs = append(errs, err)
		}
		q.Status = st
	}
	for _, f := range []struct {
		name string
		dst  *time.Time
	}{{"since", &q.Since}, {"until", &q.Until}} {
		name, dst := f.name, f.dst
		raw := v.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %q: want RFC 3339", name, raw))
			continue
		}
		*dst = t
	}
	q.UserID = v.Get("user_id")
	return q, errors.Join(errs...)
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	entries, err := s.audit.Query(r.Context(), q)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	head, seq := s.audit.Head()
	writeJSON(w, http.StatusOK, AuditListResponse{Entries: entries, Count: len(entries), Head: head, Sequence: seq})
}

func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	e, err := s.audit.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// handleAuditVerify reports a broken chain as a 200 with valid=false so
// the caller learns where it broke.
func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	start := s.clock()
	v, err := s.audit.VerifyChain(r.Context())
	if err != nil && !errors.Is(err, ledger.ErrChainIntegrity) {
		s.slo.Observe(observability.OpVerify, s.clock().Sub(start), err)
		WriteDomainError(w, r, err)
		return
	}
	s.slo.Observe(observability.OpVerify, s.clock().Sub(start), nil)
	if !v.Valid {
		s.obs.RecordChainFailure(r.Context())
	}
	writeJSON(w, http.StatusOK, v)
}

func parseRange(r *http.Request) (from, to uint64, err error) {
	v := r.URL.Query()
	if raw := v.Get("from"); raw != "" {
		if from, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("from %q: want a sequence number", raw)
		}
	}
	if raw := v.Get("to"); raw != "" {
		if to, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("to %q: want a sequence number", raw)
		}
	}
	return from, to, nil
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", "format must be json or csv")
		return
	}
	from, to, err := parseRange(r)
	if err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	b, err := s.audit.ExportBundle(r.Context(), from, to)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}

	name := fmt.Sprintf("avrt-audit-%d-%d.%s", b.StartSequence, b.EndSequence, format)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("X-Bundle-Hash", b.BundleHash)
	if format == "json" {
		writeJSON(w, http.StatusOK, b)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := WriteCSV(w, b.Entries); err != nil {
		s.logger.ErrorContext(r.Context(), "csv export interrupted", "error", err)
	}
}

// WriteCSV writes entries under CSVHeader. Input and output are truncated.
func WriteCSV(out io.Writer, entries []ledger.Entry) error {
	cw := csv.NewWriter(out)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, e := range entries {
		violations := make([]string, len(e.Violations))
		for i, v := range e.Violations {
			violations[i] = string(v)
		}
		row := []string{
			strconv.FormatUint(e.Sequence, 10),
			e.InteractionID,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.UserID,
			string(e.Status()),
			strconv.FormatFloat(e.Scores.Composite(), 'f', 2, 64),
			strconv.FormatBool(e.Compliant()),
			strings.Join(violations, ";"),
			truncate(e.Input, csvTextLimit),
			truncate(e.Output, csvTextLimit),
			e.Hash,
			e.PreviousHash,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// ArchiveRequest is the optional body of POST /v1/audit/archive. Zero
// bounds mean the whole ledger.
type ArchiveRequest struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to" validate:"omitempty,gtefield=From"`
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if s.archiver == nil {
		WriteErrorR(w, r, http.StatusNotImplemented, "Archive Disabled", "no archive backend is configured")
		return
	}
	var req ArchiveRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, MaxBodyBytes, &req) {
			return
		}
	}
	b, err := s.audit.ExportBundle(r.Context(), req.From, req.To)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	rec, err := s.archiver.Archive(r.Context(), b)
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "audit bundle archived",
		"address", rec.Address,
		"start", rec.StartSequence,
		"end", rec.EndSequence,
	)
	w.Header().Set("Location", "/v1/audit/archive/"+rec.Address)
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleArchiveLoad(w http.ResponseWriter, r *http.Request) {
	if s.archiver == nil {
		WriteErrorR(w, r, http.StatusNotImplemented, "Archive Disabled", "no archive backend is configured")
		return
	}
	b, err := s.archiver.Load(r.Context(), r.PathValue("address"))
	if err != nil {
		WriteDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

