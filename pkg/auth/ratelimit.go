package auth

import (
	"net"
	"net/http"

	"github.com/signtusk/multisigner/pkg/api"
	"github.com/signtusk/multisigner/pkg/ratelimit"
)

// RateLimitMiddleware enforces a per-actor budget on authenticated routes.
// The actor is the principal ID, or the remote IP before authentication.
func RateLimitMiddleware(limiter ratelimit.Limiter, policy ratelimit.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			actorID := "ip:" + remoteIP(r)
			if principal, err := GetPrincipal(r.Context()); err == nil {
				actorID = "user:" + principal.GetID()
			}

			allowed, err := limiter.Allow(r.Context(), actorID, policy)
			if err != nil {
				// A limiter outage must not take the API down with it.
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				retryAfter := 1
				if policy.PerMinute > 0 && policy.PerMinute < 60 {
					retryAfter = 60 / policy.PerMinute
				}
				api.WriteTooManyRequests(w, retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
