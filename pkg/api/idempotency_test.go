package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postWithKey(h http.Handler, path, body, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestIdempotentValidateAppendsOnce(t *testing.T) {
	f := newFixture(t, nil)
	h := Idempotent(NewIdempotencyStore(time.Minute), nil)(f.handler)
	body := `{"output":"` + sunny + `"}`

	first := postWithKey(h, "/v1/validate", body, "key-1")
	require.Equal(t, http.StatusOK, first.Code)
	second := postWithKey(h, "/v1/validate", body, "key-1")
	require.Equal(t, http.StatusOK, second.Code)

	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	_, seq := f.ledger.Head()
	assert.Equal(t, uint64(1), seq)

	third := postWithKey(h, "/v1/validate", body, "key-2")
	require.Equal(t, http.StatusOK, third.Code)
	_, seq = f.ledger.Head()
	assert.Equal(t, uint64(2), seq)
}

func TestIdempotentDoesNotRecordFailures(t *testing.T) {
	var calls atomic.Int32
	h := Idempotent(NewIdempotencyStore(time.Minute), nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			WriteError(w, http.StatusServiceUnavailable, "Unavailable", "try again")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	assert.Equal(t, http.StatusServiceUnavailable, postWithKey(h, "/v1/validate", "{}", "k").Code)
	assert.Equal(t, http.StatusOK, postWithKey(h, "/v1/validate", "{}", "k").Code)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotentScopesKeys(t *testing.T) {
	var calls atomic.Int32
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	scope := func(r *http.Request) string { return r.Header.Get("X-Caller") }
	h := Idempotent(NewIdempotencyStore(time.Minute), scope)(inner)

	for _, caller := range []string{"alice", "bob", "alice"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/validate", nil)
		req.Header.Set(IdempotencyHeader, "shared")
		req.Header.Set("X-Caller", caller)
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotentInFlightConflict(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	h := Idempotent(NewIdempotencyStore(time.Minute), nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		postWithKey(h, "/v1/validate", "{}", "slow")
	}()
	<-entered
	assert.Equal(t, http.StatusConflict, postWithKey(h, "/v1/validate", "{}", "slow").Code)
	close(release)
	wg.Wait()
}

func TestIdempotentPassThrough(t *testing.T) {
	var calls atomic.Int32
	h := Idempotent(NewIdempotencyStore(time.Minute), nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	postWithKey(h, "/v1/validate", "{}", "")
	postWithKey(h, "/v1/validate", "{}", "")

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set(IdempotencyHeader, "k")
	h.ServeHTTP(httptest.NewRecorder(), req)
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, int32(4), calls.Load())
}

func TestIdempotencyStoreExpiry(t *testing.T) {
	s := NewIdempotencyStore(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	_, busy := s.Begin("k")
	require.False(t, busy)
	s.Finish("k", &CachedResponse{Status: http.StatusOK})

	cached, _ := s.Begin("k")
	require.NotNil(t, cached)

	now = now.Add(2 * time.Minute)
	cached, busy = s.Begin("k")
	assert.Nil(t, cached)
	assert.False(t, busy)
}
