package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/vetclinic/pkg/logger"
	"github.com/wyfcoding/vetclinic/pkg/ratelimit"
)

// RateLimitMiddleware 按客户端 IP 限流，拒绝时返回 429 与 Retry-After
func RateLimitMiddleware(limiter ratelimit.RateLimiter, rate, burst int) gin.HandlerFunc {
	limit := ratelimit.Limit{
		Rate:   rate,
		Period: time.Second,
		Burst:  burst,
	}

	return func(c *gin.Context) {
		key := "ratelimit:" + c.ClientIP()

		res, err := limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			// 限流器不可用时放行，不阻断业务
			logger.Warn(c.Request.Context(), "Rate limiter unavailable", "error", err)
			c.Next()
			return
		}

		if !res.Allowed {
			c.Header("Retry-After", res.RetryAfter.String())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests",
			})
			return
		}

		c.Next()
	}
}
