// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/brokerage-agent/internal/auth"
)

const healthzPath = "/healthz"
const metricsPath = "/metrics"
const versionPath = "/version"
const adminPathPrefix = "/admin/"
const headerRateLimitLimit = "X-RateLimit-Limit"
const headerRateLimitRemaining = "X-RateLimit-Remaining"
const headerRetryAfter = "Retry-After"

const defaultRequestsPerMin = 120

type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, bearerToken string) (auth.Identity, bool, error)
}

// SessionAuth verifies the caller's access token on every route except
// /healthz, /metrics, /version and the admin routes, which carry their own
// token. The verified identity is stored on the request context and each
// user is rate limited to requestsPerMin.
func SessionAuth(resolver IdentityResolver, requestsPerMin int, logger *slog.Logger) func(http.Handler) http.Handler {
	return sessionAuthWithLimiter(resolver, newUserRateLimiter(), requestsPerMin, logger)
}

func sessionAuthWithLimiter(
	resolver IdentityResolver,
	limiter *userRateLimiter,
	requestsPerMin int,
	logger *slog.Logger,
) func(http.Handler) http.Handler {
	if resolver == nil {
		panic("middleware.SessionAuth requires a resolver")
	}
	if limiter == nil {
		panic("middleware.SessionAuth requires a limiter")
	}
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMin
	}

	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == healthzPath || r.URL.Path == metricsPath || r.URL.Path == versionPath ||
				strings.HasPrefix(r.URL.Path, adminPathPrefix) {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				logger.Warn("request blocked by session middleware",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "missing or invalid access token", http.StatusUnauthorized)
				return
			}

			id, found, err := resolver.ResolveIdentity(r.Context(), token)
			if err != nil {
				logger.Error("identity resolution failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", err,
				)
				http.Error(w, "auth lookup failed", http.StatusInternalServerError)
				return
			}

			if !found {
				logger.Warn("request blocked by token verification",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				http.Error(w, "missing or invalid access token", http.StatusUnauthorized)
				return
			}

			limit := id.MaxRequestsPerMin
			if limit <= 0 {
				limit = requestsPerMin
			}
			decision := limiter.Allow(id.UserID, limit, time.Now())
			w.Header().Set(headerRateLimitLimit, strconv.Itoa(decision.LimitPerMinute))
			w.Header().Set(headerRateLimitRemaining, strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				w.Header().Set(headerRetryAfter, strconv.Itoa(decision.RetryAfterSeconds))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			// Keep the identity on the current request pointer so outer
			// middleware (request logging) can read the user id after next returns.
			*r = *r.WithContext(auth.WithIdentity(r.Context(), id))
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) (string, bool) {
	schemeToken := strings.SplitN(header, " ", 2)
	if len(schemeToken) != 2 {
		return "", false
	}
	if !strings.EqualFold(schemeToken[0], "Bearer") {
		return "", false
	}
	if schemeToken[1] == "" {
		return "", false
	}
	return schemeToken[1], true
}
