// internal/middleware/ratelimit.go
package middleware

import (
	"fmt"
	"time"

	"chainbill-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter is a fixed-window per-user throttle backed by redis. On a
// redis outage the request is allowed through: slowing attackers is not
// worth failing every purchase.
type RateLimiter struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRateLimiter(rdb *redis.Client, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{rdb: rdb, logger: logger}
}

// Limit allows at most maxPerWindow requests per authenticated user per
// window for the named action. MUST be used after Auth().
func (r *RateLimiter) Limit(action string, maxPerWindow int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := MustGetUserID(c)
		key := fmt.Sprintf("ratelimit:%s:%s", action, userID)

		count, err := r.rdb.Incr(c.Request.Context(), key).Result()
		if err != nil {
			r.logger.Warn("rate limit check failed, allowing request",
				zap.String("action", action), zap.Error(err))
			c.Next()
			return
		}
		if count == 1 {
			r.rdb.Expire(c.Request.Context(), key, window)
		}

		if count > int64(maxPerWindow) {
			response.TooManyRequests(c, "rate limit exceeded, try again shortly")
			return
		}
		c.Next()
	}
}
