// Package gin provides a Gin middleware adapter for the quotaflow rate
// limiter.
//
// Example usage:
//
//	s := store.NewMemory(ctx, time.Minute)
//	limiter, _ := ratelimiter.NewFixedWindow("api", s, 100, time.Minute)
//
//	router := gin.Default()
//	router.Use(ginmiddleware.RateLimiter(limiter))
package gin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/quotaflow/quotaflow/ratelimiter"
)

// RateLimiter creates a gin.HandlerFunc enforcing the given limiter, one
// permit per request.
//
// Headers set on every response:
//
//   - X-RateLimit-Limit: the maximum number of permits per window
//   - X-RateLimit-Remaining: permits remaining
//   - X-RateLimit-Reset: Unix timestamp when the limit resets
//
// Behavior can be customized with the shared middleware config options
// (WithKeyFunc, WithErrorHandler, WithMiddlewareLogger).
func RateLimiter(limiter ratelimiter.Limiter, options ...ratelimiter.ConfigOption) gin.HandlerFunc {
	cfg := ratelimiter.NewConfig(options...)

	return func(c *gin.Context) {
		key, err := cfg.KeyFunc(c.Request)
		if err != nil {
			cfg.Logger.Errorf("[RateLimiter] failed to extract key: %v", err)
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		result, err := limiter.Allow(c.Request.Context(), key, 1)
		if err != nil {
			cfg.Logger.Errorf("[RateLimiter] limiter failed for key '%s': %v", key, err)
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			cfg.Logger.Debugf("[RateLimiter] denied key '%s', remaining %d of %d", key, result.Remaining, result.Limit)
			cfg.ErrorHandler(c.Writer, c.Request, ratelimiter.ErrExceeded, result)
			c.Abort()
			return
		}

		cfg.Logger.Debugf("[RateLimiter] allowed key '%s', remaining %d of %d", key, result.Remaining, result.Limit)
		c.Next()
	}
}
