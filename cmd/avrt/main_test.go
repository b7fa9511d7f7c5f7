package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avrtpro/avrt-firewall/pkg/api"
	"github.com/avrtpro/avrt-firewall/pkg/archive"
	"github.com/avrtpro/avrt-firewall/pkg/auth"
	"github.com/avrtpro/avrt-firewall/pkg/config"
	"github.com/avrtpro/avrt-firewall/pkg/ledger"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("AVRT_DATA_DIR", dir)
	t.Setenv("AVRT_LOG_LEVEL", "error")
	t.Setenv("AVRT_DATABASE_URL", "")
	t.Setenv("AVRT_JWT_SECRET", "")
	return dir
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"avrt"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_ValidateThenAudit(t *testing.T) {
	setupEnv(t)

	code, out, _ := run(t, "validate",
		"--input", "What is the capital of France?",
		"--output", "Paris is the capital of France, based on standard geographic sources.")
	require.Contains(t, []int{0, exitBlocked}, code)
	var first api.ValidationResponse
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, ledger.GenesisHash, first.PreviousHash)
	assert.Len(t, first.Hash, 64)

	code, out, _ = run(t, "validate",
		"--output", "I will attack, hurt and kill them with violence and hate. It is dangerous.")
	assert.Equal(t, exitBlocked, code)
	var second api.ValidationResponse
	require.NoError(t, json.Unmarshal([]byte(out), &second))
	assert.Equal(t, first.Hash, second.PreviousHash)
	assert.False(t, second.IsSafe)

	code, out, _ = run(t, "audit", "verify")
	require.Equal(t, 0, code)
	var v ledger.Verification
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.True(t, v.Valid)
	assert.Equal(t, uint64(2), v.EntriesChecked)
	assert.Equal(t, second.Hash, v.Head)

	code, out, _ = run(t, "audit", "stats", "--recompute")
	require.Equal(t, 0, code)
	var stats ledger.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, uint64(2), stats.TotalCount)
	assert.GreaterOrEqual(t, stats.BlockedCount, uint64(1))

	code, out, _ = run(t, "audit", "recent", "--status", "BLOCKED")
	require.Equal(t, 0, code)
	var list api.AuditListResponse
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.NotEmpty(t, list.Entries)
	assert.Equal(t, second.InteractionID, list.Entries[0].InteractionID)

	code, out, _ = run(t, "audit", "recent", "--format", "csv")
	require.Equal(t, 0, code)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "sequence,interaction_id"))
}

func TestRun_ExportArchiveLoad(t *testing.T) {
	dir := setupEnv(t)
	t.Setenv("AVRT_ARCHIVE_DIR", filepath.Join(dir, "bundles"))

	for i := 0; i < 3; i++ {
		code, _, _ := run(t, "validate", "--output", "A short, sourced answer based on the documentation.")
		require.Contains(t, []int{0, exitBlocked}, code)
	}

	code, out, errOut := run(t, "audit", "export", "--from", "2", "--archive")
	require.Equal(t, 0, code, errOut)
	var b ledger.Bundle
	require.NoError(t, json.Unmarshal([]byte(out), &b))
	assert.Equal(t, 2, b.EntryCount)
	require.NoError(t, ledger.VerifyBundle(&b))

	var rcpt archive.Receipt
	require.NoError(t, json.Unmarshal([]byte(errOut), &rcpt))
	assert.Equal(t, b.BundleHash, rcpt.BundleHash)
	assert.True(t, strings.HasPrefix(rcpt.Address, "sha256:"))

	code, out, errOut = run(t, "audit", "load", rcpt.Address)
	require.Equal(t, 0, code, errOut)
	var loaded ledger.Bundle
	require.NoError(t, json.Unmarshal([]byte(out), &loaded))
	assert.Equal(t, b.BundleID, loaded.BundleID)
}

func TestRun_Errors(t *testing.T) {
	setupEnv(t)

	code, _, errOut := run(t, "no-such-command")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown command")

	code, _, _ = run(t, "validate")
	assert.Equal(t, 1, code, "output is required")

	code, _, errOut = run(t, "audit", "export")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no entries in range")

	code, _, _ = run(t, "audit", "recent", "--status", "MAYBE")
	assert.Equal(t, 1, code)

	code, _, errOut = run(t, "token", "issue", "--subject", "ci")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "AVRT_JWT_SECRET")
}

func TestRun_TokenIssue(t *testing.T) {
	setupEnv(t)
	t.Setenv("AVRT_JWT_SECRET", testSecret)
	t.Setenv("AVRT_JWT_ISSUER", "avrt-test")

	code, out, errOut := run(t, "token", "issue", "--subject", "compliance", "--role", "auditor", "--ttl", "10m")
	require.Equal(t, 0, code, errOut)

	v, err := auth.NewJWTValidator([]byte(testSecret), "avrt-test")
	require.NoError(t, err)
	claims, err := v.Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "compliance", claims.Subject)
	assert.Equal(t, []string{auth.RoleAuditor}, claims.Roles)

	code, _, _ = run(t, "token", "issue", "--subject", "x", "--role", "root")
	assert.Equal(t, 1, code)
}

func TestBuildHandler_Middleware(t *testing.T) {
	setupEnv(t)
	t.Setenv("AVRT_JWT_SECRET", testSecret)
	t.Setenv("AVRT_CORS_ORIGINS", "https://console.example")
	cfg, err := config.Load()
	require.NoError(t, err)

	ctx := t.Context()
	st, err := buildStack(ctx, cfg, newLogger(cfg, &bytes.Buffer{}), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(ctx) })

	h, cleanup, err := buildHandler(cfg, st, newLogger(cfg, &bytes.Buffer{}))
	require.NoError(t, err)
	t.Cleanup(cleanup)

	v, err := auth.NewJWTValidator([]byte(testSecret), "")
	require.NoError(t, err)
	client, err := v.Issue("app-1", []string{auth.RoleClient}, time.Hour, time.Now())
	require.NoError(t, err)
	auditor, err := v.Issue("compliance", []string{auth.RoleAuditor}, time.Hour, time.Now())
	require.NoError(t, err)

	do := func(method, path, token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if body != "" {
			req.Header.Set("Content-Type", "application/json")
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = do(http.MethodPost, "/v1/validate", "", `{"output":"hello"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(http.MethodPost, "/v1/validate", client, `{"output":"Based on the manual, restart the router.","user_id":"spoofed"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res api.ValidationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	w = do(http.MethodGet, "/v1/audit", client, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(http.MethodGet, "/v1/audit/"+res.InteractionID, auditor, "")
	require.Equal(t, http.StatusOK, w.Code)
	var e ledger.Entry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Equal(t, "app-1", e.UserID)

	req := httptest.NewRequest(http.MethodOptions, "/v1/validate", nil)
	req.Header.Set("Origin", "https://console.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
