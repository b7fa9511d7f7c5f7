package api

import (
	"bytes"
	"net/http"
	"sync"
	"time"
)

// IdempotencyHeader lets a client retry a validation without appending a
// second ledger entry.
const IdempotencyHeader = "Idempotency-Key"

// DefaultIdempotencyTTL is how long a recorded response is replayed.
const DefaultIdempotencyTTL = 24 * time.Hour

// CachedResponse is a recorded response.
type CachedResponse struct {
	Status   int
	Header   http.Header
	Body     []byte
	CachedAt time.Time
}

// IdempotencyStore records responses by key. Begin reserves a key; a second
// Begin on a reserved key reports inFlight until Finish or Abort.
type IdempotencyStore interface {
	Begin(key string) (cached *CachedResponse, inFlight bool)
	Finish(key string, resp *CachedResponse)
	Abort(key string)
}

// MemoryIdempotencyStore keeps responses in process and expires them lazily.
type MemoryIdempotencyStore struct {
	mu       sync.Mutex
	entries  map[string]*CachedResponse
	pending  map[string]struct{}
	ttl      time.Duration
	maxItems int
	clock    func() time.Time
}

func NewIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &MemoryIdempotencyStore{
		entries:  make(map[string]*CachedResponse),
		pending:  make(map[string]struct{}),
		ttl:      ttl,
		maxItems: 100_000,
		clock:    time.Now,
	}
}

func (s *MemoryIdempotencyStore) Begin(key string) (*CachedResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.entries[key]; ok {
		if s.clock().Sub(c.CachedAt) < s.ttl {
			return c, false
		}
		delete(s.entries, key)
	}
	if _, busy := s.pending[key]; busy {
		return nil, true
	}
	s.pending[key] = struct{}{}
	return nil, false
}

func (s *MemoryIdempotencyStore) Finish(key string, resp *CachedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.pending, key)
	resp.CachedAt = s.clock()
	if len(s.entries) >= s.maxItems {
		s.evictExpired()
	}
	s.entries[key] = resp
}

func (s *MemoryIdempotencyStore) Abort(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
}

func (s *MemoryIdempotencyStore) evictExpired() {
	now := s.clock()
	for k, v := range s.entries {
		if now.Sub(v.CachedAt) >= s.ttl {
			delete(s.entries, k)
		}
	}
}

type responseCapture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.status = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Idempotent replays the first successful response for a repeated
// Idempotency-Key. Keys are scoped by scope(r), normally the caller id.
// Only 2xx responses are recorded; a failed attempt may be retried.
func Idempotent(store IdempotencyStore, scope func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if store == nil || key == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			if scope != nil {
				key = scope(r) + "\x00" + r.URL.Path + "\x00" + key
			}

			cached, inFlight := store.Begin(key)
			if inFlight {
				WriteConflict(w, "A request with this Idempotency-Key is still being processed")
				return
			}
			if cached != nil {
				for k, vals := range cached.Header {
					w.Header()[k] = append([]string(nil), vals...)
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.Status)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, status: http.StatusOK}
			completed := false
			defer func() {
				if completed && capture.status >= 200 && capture.status < 300 {
					store.Finish(key, &CachedResponse{
						Status: capture.status,
						Header: w.Header().Clone(),
						Body:   capture.body.Bytes(),
					})
					return
				}
				store.Abort(key)
			}()
			next.ServeHTTP(capture, r)
			completed = true
		})
	}
}
