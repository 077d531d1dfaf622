package api

import (
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/IAmJonoBo/hephaestus/pkg/auth"
)

// BearerAuthMiddleware verifies the Authorization bearer token and attaches
// the authenticated principal to the request context. A missing header is
// 401; a present-but-empty token is 403; any verification defect is 401.
func BearerAuthMiddleware(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			// net/http drops the trailing space of "Bearer ", so a scheme with
			// no token arrives as the bare word.
			if strings.EqualFold(strings.TrimSpace(header), "Bearer") {
				WriteForbidden(w, "Empty bearer token")
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			token := strings.TrimSpace(parts[1])
			if token == "" {
				WriteForbidden(w, "Empty bearer token")
				return
			}

			principal, err := verifier.VerifyBearerToken(token)
			if err != nil {
				WriteUnauthorized(w, err.Error())
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}

// RateLimitMiddleware enforces a per-client token bucket keyed by the
// authenticated principal, falling back to the remote address.
func RateLimitMiddleware(rps rate.Limit, burst int) func(http.Handler) http.Handler {
	var mu sync.Mutex
	limiters := map[string]*rate.Limiter{}

	limiterFor := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		limiter, ok := limiters[key]
		if !ok {
			limiter = rate.NewLimiter(rps, burst)
			limiters[key] = limiter
		}
		return limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.RemoteAddr
			if principal, err := auth.PrincipalFrom(r.Context()); err == nil {
				key = principal.Principal
			}
			if !limiterFor(key).Allow() {
				WriteTooManyRequests(w, 1)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
