// ratelimit.go enforces a per-credential token-bucket limit on gem pushes,
// returning 429 when the configured per-minute rate is exceeded. The bucket
// state lives in redis so the limit holds across processes; when the memory
// cache backend is active there is no shared redis and the limiter is not
// installed.
package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
)

// PushRateLimit limits push requests per credential to perMinute, with
// bursts up to burst. Unauthenticated pushes share one bucket keyed by
// client IP; they fail authorization later anyway, this just keeps them from
// burning catalog work.
func PushRateLimit(client *redis.Client, perMinute, burst int) gin.HandlerFunc {
	limiter := redis_rate.NewLimiter(client)
	limit := redis_rate.Limit{
		Rate:   perMinute,
		Burst:  burst,
		Period: time.Minute,
	}

	return func(c *gin.Context) {
		key := Credential(c)
		if key == "" {
			key = "anon:" + c.ClientIP()
		}

		res, err := limiter.Allow(c.Request.Context(), "pushes:"+key, limit)
		if err != nil {
			// Limiter backend failure must not block pushes
			slog.Warn("push rate limiter unavailable", "error", err)
			c.Next()
			return
		}

		if res.Allowed == 0 {
			c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "push rate limit exceeded"})
			return
		}
		c.Next()
	}
}
