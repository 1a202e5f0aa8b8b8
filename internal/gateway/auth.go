package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/aklemp/talon/internal/security"
)

// authMiddleware returns a chi-compatible middleware validating Bearer
// token or Basic auth credentials in constant time. WebSocket clients
// that cannot set headers may pass the bearer token as a "token" query
// parameter. A RateLimiter, when present, throttles auth attempts on a
// shared bucket.
func authMiddleware(cfg AuthConfig, limiter *security.RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil {
				if err := limiter.Allow("auth"); err != nil {
					http.Error(w, "too many requests", http.StatusTooManyRequests)
					return
				}
			}

			if cfg.BearerToken != "" {
				auth := r.Header.Get("Authorization")
				if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
					if constantTimeEqual(after, cfg.BearerToken) {
						next.ServeHTTP(w, r)
						return
					}
				}
				if tok := r.URL.Query().Get("token"); tok != "" && constantTimeEqual(tok, cfg.BearerToken) {
					next.ServeHTTP(w, r)
					return
				}
			}

			if cfg.BasicUser != "" && cfg.BasicPass != "" {
				user, pass, ok := r.BasicAuth()
				if ok && constantTimeEqual(user, cfg.BasicUser) && constantTimeEqual(pass, cfg.BasicPass) {
					next.ServeHTTP(w, r)
					return
				}
			}

			http.Error(w, "unauthorized", http.StatusUnauthorized)
		})
	}
}

// constantTimeEqual compares two strings in constant time.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
