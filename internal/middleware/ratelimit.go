package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/sessionkeeper/pkg/errors"
	"github.com/charlesng35/sessionkeeper/pkg/logger"
	"github.com/charlesng35/sessionkeeper/pkg/metrics"
	"github.com/charlesng35/sessionkeeper/pkg/response"
)

// RateLimit limits requests per (client ip, route) to maxRequests per window.
// Store failures let the request through so a cache outage never locks users
// out; the failed-login throttle still applies.
func RateLimit(store RateStore, maxRequests int, window time.Duration) gin.HandlerFunc {
	if store == nil {
		store = NewMemoryRateStore(nil)
	}
	return func(c *gin.Context) {
		if maxRequests <= 0 || window <= 0 {
			c.Next()
			return
		}

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		decision, err := store.Allow(c.Request.Context(), c.ClientIP()+"|"+route, maxRequests, window)
		if err != nil {
			logger.WithModule("ratelimit").Warn("rate store unavailable", zap.String("route", route), zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Header("X-RateLimit-Reset", strconv.Itoa(int(decision.ResetIn.Round(time.Second).Seconds())))

		if !decision.Allowed {
			metrics.RateLimitRejections.WithLabelValues(route).Inc()
			c.Header("Retry-After", strconv.Itoa(max(1, int(decision.ResetIn.Round(time.Second).Seconds()))))
			response.Error(c, errors.ErrRateLimit)
			c.Abort()
			return
		}

		c.Next()
	}
}
