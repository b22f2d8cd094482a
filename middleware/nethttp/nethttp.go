// Package nethttp provides rate-limiting middleware for the standard
// net/http library.
//
// It wraps any http.Handler and checks each request against a
// ratelimiter.Limiter, consuming one permit per request. The middleware sets
// the standard `X-RateLimit-*` headers and supports custom key extraction,
// logging and rejection handling via the shared middleware config options.
//
// Example usage:
//
//	s := store.NewMemory(ctx, time.Minute)
//	limiter, _ := ratelimiter.NewFixedWindow("api", s, 100, time.Minute)
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("/", handler)
//
//	http.ListenAndServe(":8080", nethttp.Middleware(limiter)(mux))
package nethttp

import (
	"net/http"
	"strconv"

	"github.com/quotaflow/quotaflow/ratelimiter"
)

// Middleware returns a net/http middleware enforcing the given limiter.
//
// Headers set on every response:
//
//   - X-RateLimit-Limit: the maximum number of permits per window
//   - X-RateLimit-Remaining: permits remaining
//   - X-RateLimit-Reset: Unix timestamp when the limit resets
//
// A limiter or key-extraction failure answers 500; the limiter itself
// decides whether storage failures admit (fail-open) or reach this handler.
func Middleware(limiter ratelimiter.Limiter, options ...ratelimiter.ConfigOption) func(http.Handler) http.Handler {
	cfg := ratelimiter.NewConfig(options...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := cfg.KeyFunc(r)
			if err != nil {
				cfg.Logger.Errorf("[RateLimiter] failed to extract key: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			result, err := limiter.Allow(r.Context(), key, 1)
			if err != nil {
				cfg.Logger.Errorf("[RateLimiter] limiter failed for key '%s': %v", key, err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				cfg.Logger.Debugf("[RateLimiter] denied key '%s', remaining %d of %d", key, result.Remaining, result.Limit)
				cfg.ErrorHandler(w, r, ratelimiter.ErrExceeded, result)
				return
			}

			cfg.Logger.Debugf("[RateLimiter] allowed key '%s', remaining %d of %d", key, result.Remaining, result.Limit)
			next.ServeHTTP(w, r)
		})
	}
}
