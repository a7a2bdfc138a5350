package middleware

import (
	"net/http"
	"strconv"

	"credit_ledger/internal/ratelimit"
	"credit_ledger/internal/utils"
)

// KeyFunc derives the rate limit bucket for a request. An empty key skips
// limiting.
type KeyFunc func(r *http.Request) string

// UserKey buckets by the authenticated user id
func UserKey(r *http.Request) string {
	if id, ok := GetUserID(r.Context()); ok {
		return "user:" + id
	}
	return ""
}

// SetRateLimitHeaders writes the X-RateLimit-* headers. A negative
// remaining count means unlimited and writes nothing.
func SetRateLimitHeaders(w http.ResponseWriter, limit, remaining int, resetUnix int64) {
	if remaining < 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if resetUnix > 0 {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetUnix, 10))
	}
}

// RateLimit rejects requests over limit per minute with 429. Limiter errors
// are logged and the request is allowed.
func RateLimit(limiter ratelimit.Limiter, limit int, keyFn KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" || limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			allowed, remaining, resetAt, err := limiter.AllowWithDetails(r.Context(), key, limit)
			if err != nil {
				logger.Warn("Rate limiter unavailable, allowing request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			var reset int64
			if !resetAt.IsZero() {
				reset = resetAt.Unix()
			}
			SetRateLimitHeaders(w, limit, remaining, reset)

			if !allowed {
				utils.RespondWithError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
