package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrtpro/avrt-firewall/pkg/archive"
	"github.com/avrtpro/avrt-firewall/pkg/canonicalize"
	"github.com/avrtpro/avrt-firewall/pkg/compliance"
	"github.com/avrtpro/avrt-firewall/pkg/disposition"
	"github.com/avrtpro/avrt-firewall/pkg/ledger"
	"github.com/avrtpro/avrt-firewall/pkg/observability"
	"github.com/avrtpro/avrt-firewall/pkg/pipeline"
	"github.com/avrtpro/avrt-firewall/pkg/scoring"
	"github.com/avrtpro/avrt-firewall/pkg/transcribe"
)

const sunny = "It is sunny and 72F today."

type stubTranscriber struct{ text string }

func (s stubTranscriber) Transcribe(context.Context, transcribe.Request) (transcribe.Transcript, error) {
	return transcribe.Transcript{Text: s.text, Language: "en", Duration: 1.5}, nil
}

type fixture struct {
	ledger  *ledger.Ledger
	handler http.Handler
	slo     *observability.SLOTracker
}

func newFixture(t *testing.T, popts []pipeline.Option, sopts ...ServerOption) *fixture {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	require.NoError(t, l.Initialize(context.Background()))

	scorer, err := scoring.NewScorer()
	require.NoError(t, err)
	validator, err := compliance.NewValidator()
	require.NoError(t, err)
	o, err := pipeline.New(scorer, validator, l, popts...)
	require.NoError(t, err)

	slo := observability.NewSLOTracker(observability.DefaultSLOTargets()...)
	srv, err := NewServer(o, l, append([]ServerOption{WithSLOTracker(slo), WithVersion("test")}, sopts...)...)
	require.NoError(t, err)
	return &fixture{ledger: l, handler: srv.Routes(), slo: slo}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestValidateSafe(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodPost, "/v1/validate", ValidateRequest{
		Input:   "What is the weather?",
		Output:  sunny,
		Context: map[string]string{compliance.ConfidenceKey: "0.95"},
		UserID:  "user-1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[ValidationResponse](t, w)
	assert.Equal(t, disposition.Safe, resp.Status)
	assert.True(t, resp.IsSafe)
	assert.True(t, resp.IsCompliant)
	assert.InDelta(t, 91.6, resp.Scores.Composite(), 1e-9)
	assert.Empty(t, resp.Violations)
	assert.Equal(t, uint64(1), resp.Sequence)
	assert.Equal(t, ledger.GenesisHash, resp.PreviousHash)
	assert.True(t, canonicalize.IsHexDigest(resp.Hash))

	e, err := f.ledger.Get(context.Background(), resp.InteractionID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", e.UserID)
}

func TestValidateBlocked(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/v1/validate", ValidateRequest{
		Output: "I will harm you, hurt you, attack, kill, destroy and hate.",
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[ValidationResponse](t, w)
	assert.Equal(t, disposition.Blocked, resp.Status)
	assert.False(t, resp.IsSafe)
	assert.Equal(t, disposition.BlockedSuggestion, resp.Suggestion)
	assert.Contains(t, resp.Violations, scoring.HarmfulContent)
}

func TestValidateRejectsBadBodies(t *testing.T) {
	f := newFixture(t, nil)

	cases := []struct {
		name   string
		body   any
		status int
		field  string
	}{
		{"missing output", ValidateRequest{Input: "hi"}, http.StatusBadRequest, "output"},
		{"oversized output", ValidateRequest{Output: strings.Repeat("a", 65537)}, http.StatusBadRequest, "output"},
		{"unknown field", `{"output":"x","extra":1}`, http.StatusBadRequest, ""},
		{"malformed", `{"output":`, http.StatusBadRequest, ""},
		{"trailing data", `{"output":"x"}{"output":"y"}`, http.StatusBadRequest, ""},
		{"whitespace output", ValidateRequest{Output: "  \n"}, http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/v1/validate", tc.body)
			assert.Equal(t, tc.status, w.Code)
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
			if tc.field != "" {
				p := decode[ProblemDetail](t, w)
				require.NotEmpty(t, p.Errors)
				assert.Equal(t, tc.field, p.Errors[0].Field)
			}
		})
	}

	_, seq := f.ledger.Head()
	assert.Zero(t, seq, "rejected requests must not be audited")
}

func TestValidateCallerOverridesBodyUser(t *testing.T) {
	f := newFixture(t, nil, WithCaller(func(context.Context) string { return "alice" }))
	w := f.do(t, http.MethodPost, "/v1/validate", ValidateRequest{Output: sunny, UserID: "mallory"})
	require.Equal(t, http.StatusOK, w.Code)

	e, err := f.ledger.Get(context.Background(), decode[ValidationResponse](t, w).InteractionID)
	require.NoError(t, err)
	assert.Equal(t, "alice", e.UserID)
}

func TestValidateBatch(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, http.MethodPost, "/v1/validate/batch", BatchRequest{Items: []ValidateRequest{
		{Output: sunny},
		{Output: "   "},
		{Output: sunny, Input: "again"},
	}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[BatchResponse](t, w)
	require.Len(t, resp.Items, 3)
	assert.Equal(t, 2, resp.Succeeded)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, uint64(1), resp.Items[0].Result.Sequence)
	require.NotNil(t, resp.Items[1].Error)
	assert.Equal(t, http.StatusBadRequest, resp.Items[1].Error.Status)
	assert.Equal(t, uint64(2), resp.Items[2].Result.Sequence)

	tooMany := make([]ValidateRequest, pipeline.MaxBatchSize+1)
	for i := range tooMany {
		tooMany[i] = ValidateRequest{Output: sunny}
	}
	w = f.do(t, http.MethodPost, "/v1/validate/batch", BatchRequest{Items: tooMany})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/v1/validate/batch", BatchRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func voiceRequest(t *testing.T, audio []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if audio != nil {
		fw, err := mw.CreateFormFile("audio", "clip.wav")
		require.NoError(t, err)
		_, err = fw.Write(audio)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/v1/voice", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestVoice(t *testing.T) {
	f := newFixture(t, []pipeline.Option{pipeline.WithTranscriber(stubTranscriber{text: "what's the weather"})})

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, voiceRequest(t, []byte("RIFF"), map[string]string{
		"output":  sunny,
		"context": `{"confidence":"0.95"}`,
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[VoiceResponse](t, w)
	assert.Equal(t, "what's the weather", resp.Transcript)
	assert.InDelta(t, 1.5, resp.DurationS, 1e-9)
	require.NotNil(t, resp.Validation)
	assert.Equal(t, disposition.Safe, resp.Validation.Status)

	e, err := f.ledger.Get(context.Background(), resp.Validation.InteractionID)
	require.NoError(t, err)
	assert.Equal(t, "voice", e.Context["source"])

	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, voiceRequest(t, []byte("RIFF"), nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decode[VoiceResponse](t, w).Validation)

	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, voiceRequest(t, nil, map[string]string{"output": sunny}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, voiceRequest(t, []byte{}, map[string]string{"output": sunny}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, voiceRequest(t, []byte("RIFF"), map[string]string{"context": "not json"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	_, seq := f.ledger.Head()
	assert.Equal(t, uint64(1), seq)
}

func TestVoiceWithoutTranscriber(t *testing.T) {
	f := newFixture(t, nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, voiceRequest(t, []byte("RIFF"), map[string]string{"output": sunny}))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
}

func seed(t *testing.T, f *fixture) []ValidationResponse {
	t.Helper()
	var out []ValidationResponse
	for i, body := range []ValidateRequest{
		{Output: sunny, UserID: "u1", Context: map[string]string{compliance.ConfidenceKey: "0.95"}},
		{Output: "I will harm you, hurt you, attack, kill, destroy and hate.", UserID: "u2"},
		{Output: sunny, UserID: "u1", Input: strings.Repeat("é", 150)},
	} {
		w := f.do(t, http.MethodPost, "/v1/validate", body)
		require.Equal(t, http.StatusOK, w.Code, "seed %d", i)
		out = append(out, decode[ValidationResponse](t, w))
	}
	return out
}

func TestAuditList(t *testing.T) {
	f := newFixture(t, nil)
	seeded := seed(t, f)

	w := f.do(t, http.MethodGet, "/v1/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	all := decode[AuditListResponse](t, w)
	assert.Equal(t, 3, all.Count)
	assert.Equal(t, uint64(3), all.Sequence)
	assert.Equal(t, seeded[2].Hash, all.Head)
	assert.Equal(t, uint64(3), all.Entries[0].Sequence, "newest first")

	w = f.do(t, http.MethodGet, "/v1/audit?status=blocked", nil)
	require.Equal(t, http.StatusOK, w.Code)
	blocked := decode[AuditListResponse](t, w)
	require.Equal(t, 1, blocked.Count)
	assert.Equal(t, "u2", blocked.Entries[0].UserID)

	w = f.do(t, http.MethodGet, "/v1/audit?user_id=u1&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[AuditListResponse](t, w).Count)

	for _, bad := range []string{"status=maybe", "limit=-1", "since=yesterday"} {
		w = f.do(t, http.MethodGet, "/v1/audit?"+bad, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
	}
}

func TestAuditGet(t *testing.T) {
	f := newFixture(t, nil)
	seeded := seed(t, f)

	w := f.do(t, http.MethodGet, "/v1/audit/"+seeded[1].InteractionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	e := decode[ledger.Entry](t, w)
	assert.Equal(t, seeded[1].Hash, e.Hash)

	w = f.do(t, http.MethodGet, "/v1/audit/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuditVerify(t *testing.T) {
	f := newFixture(t, nil)
	seed(t, f)

	w := f.do(t, http.MethodGet, "/v1/audit/verify", nil)
	require.Equal(t, http.StatusOK, w.Code)
	v := decode[ledger.Verification](t, w)
	assert.True(t, v.Valid)
	assert.Equal(t, uint64(3), v.EntriesChecked)

	st, err := f.slo.Status(observability.OpVerify)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ObservationCount)
}

func TestAuditExport(t *testing.T) {
	f := newFixture(t, nil)
	seeded := seed(t, f)

	w := f.do(t, http.MethodGet, "/v1/audit/export?from=2&to=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	b := decode[ledger.Bundle](t, w)
	assert.Equal(t, 2, b.EntryCount)
	assert.NoError(t, ledger.VerifyBundle(&b))
	assert.Equal(t, b.BundleHash, w.Header().Get("X-Bundle-Hash"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "avrt-audit-2-3.json")

	w = f.do(t, http.MethodGet, "/v1/audit/export?format=csv", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	rows, err := csv.NewReader(w.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, CSVHeader, rows[0])
	assert.Equal(t, seeded[0].InteractionID, rows[1][1])
	assert.Equal(t, "blocked", rows[2][4])
	assert.Equal(t, 100, len([]rune(rows[3][8])), "input truncated by runes")

	w = f.do(t, http.MethodGet, "/v1/audit/export?format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/v1/audit/export?from=10", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuditArchive(t *testing.T) {
	store, err := archive.NewFileStore(t.TempDir())
	require.NoError(t, err)
	f := newFixture(t, nil, WithArchiver(archive.NewArchiver(store)))
	seed(t, f)

	w := f.do(t, http.MethodPost, "/v1/audit/archive", map[string]uint64{"from": 1, "to": 2})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rec := decode[archive.Receipt](t, w)
	assert.Equal(t, uint64(2), rec.EndSequence)
	assert.Equal(t, "/v1/audit/archive/"+rec.Address, w.Header().Get("Location"))

	w = f.do(t, http.MethodGet, "/v1/audit/archive/"+rec.Address, nil)
	require.Equal(t, http.StatusOK, w.Code)
	b := decode[ledger.Bundle](t, w)
	assert.Equal(t, rec.BundleHash, b.BundleHash)

	w = f.do(t, http.MethodPost, "/v1/audit/archive", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 3, decode[archive.Receipt](t, w).EntryCount)

	w = f.do(t, http.MethodPost, "/v1/audit/archive", map[string]uint64{"from": 3, "to": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/v1/audit/archive/sha256:"+strings.Repeat("0", 64), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodGet, "/v1/audit/archive/bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuditArchiveDisabled(t *testing.T) {
	f := newFixture(t, nil)
	seed(t, f)
	w := f.do(t, http.MethodPost, "/v1/audit/archive", nil)
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestAuditGuard(t *testing.T) {
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { WriteForbidden(w, "") })
	}
	f := newFixture(t, nil, WithAuditGuard(deny))

	for _, path := range []string{"/v1/audit", "/v1/audit/verify", "/v1/audit/export", "/v1/audit/abc"} {
		w := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusForbidden, w.Code, path)
	}
	w := f.do(t, http.MethodPost, "/v1/validate", ValidateRequest{Output: sunny})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatsSLOAndHealth(t *testing.T) {
	f := newFixture(t, nil)
	seed(t, f)

	w := f.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[ledger.Stats](t, w)
	assert.Equal(t, uint64(3), stats.TotalCount)
	assert.Equal(t, uint64(1), stats.BlockedCount)

	w = f.do(t, http.MethodGet, "/v1/stats?recompute=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, stats, decode[ledger.Stats](t, w))

	w = f.do(t, http.MethodGet, "/v1/slo", nil)
	require.Equal(t, http.StatusOK, w.Code)
	slos := decode[map[string][]observability.SLOStatus](t, w)["slos"]
	require.NotEmpty(t, slos)

	w = f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	h := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "test", h.Version)
	assert.Equal(t, uint64(3), h.Entries)

	w = f.do(t, http.MethodDelete, "/v1/stats", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

type failingProcessor struct {
	err   error
	panic bool
}

func (p failingProcessor) Process(context.Context, pipeline.Request) (*pipeline.Result, error) {
	if p.panic {
		panic("boom")
	}
	return nil, p.err
}

func (p failingProcessor) ProcessBatch(context.Context, []pipeline.Request) ([]pipeline.BatchItem, error) {
	return nil, p.err
}

func (p failingProcessor) ProcessVoice(context.Context, pipeline.VoiceRequest) (*pipeline.VoiceResult, error) {
	return nil, p.err
}

func TestStoreFailureIsServiceUnavailable(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())
	require.NoError(t, l.Initialize(context.Background()))
	srv, err := NewServer(failingProcessor{err: fmt.Errorf("%w: disk full", ledger.ErrStoreUnavailable)}, l)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/validate", strings.NewReader(`{"output":"x"}`))
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
	assert.NotContains(t, w.Body.String(), "disk full")
}

func TestPanicIsRecovered(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())
	require.NoError(t, l.Initialize(context.Background()))
	srv, err := NewServer(failingProcessor{panic: true}, l)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/validate", strings.NewReader(`{"output":"x"}`))
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.Error(t, err)
}
