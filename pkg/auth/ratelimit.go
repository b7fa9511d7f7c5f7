package auth

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/avrtpro/avrt-firewall/pkg/api"
	"github.com/avrtpro/avrt-firewall/pkg/ratelimit"
)

// RateLimitMiddleware enforces per-actor rate limiting at the HTTP layer.
// The actor is the authenticated Principal, or the client IP.
// Limiter errors fail open so a Redis outage does not take the API down.
func RateLimitMiddleware(store ratelimit.Store, policy ratelimit.Policy, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil || isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			actorID := "ip:" + clientIP(r)
			if id := PrincipalID(r.Context()); id != "" {
				actorID = "sub:" + id
			}

			d, err := store.Allow(r.Context(), actorID, policy, 1)
			if err != nil {
				logger.WarnContext(r.Context(), "rate limiter unavailable, admitting request",
					"actor", actorID, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !d.Allowed {
				api.WriteTooManyRequests(w, d.RetryAfterSeconds())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
