// ratelimit.go provides Gin middleware that throttles unauthenticated
// endpoints (key issuance and the OAuth connect flow) per client IP. It
// uses GCRA over Redis so all gateway processes share one budget; the
// per-key dispatch limit is separate and lives in internal/ratelimit.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"

	"github.com/clipgate/clipgate/internal/telemetry"
)

// IPRateLimitMiddleware returns a Gin handler allowing perMinute requests
// per client IP across all processes sharing the Redis instance. A nil
// limiter disables throttling (memory-store deployments and tests).
//
// The limiter fails open: when Redis is unreachable the request proceeds
// and the failure is logged.
func IPRateLimitMiddleware(limiter *redis_rate.Limiter, perMinute int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || perMinute <= 0 {
			c.Next()
			return
		}

		result, err := limiter.Allow(c.Request.Context(), "ip:"+c.ClientIP(), redis_rate.PerMinute(perMinute))
		if err != nil {
			slog.Warn("ip rate limiter unavailable, failing open", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(perMinute))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))

		if result.Allowed == 0 {
			retryAfter := int(result.RetryAfter / time.Second)
			if retryAfter < 1 {
				retryAfter = 1
			}
			telemetry.RateLimitRejectionsTotal.WithLabelValues("ip").Inc()
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}
