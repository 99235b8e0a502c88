package mw

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"shop-monitor-backend/internal/metrics"
)

// Metrics records request duration by route template and status.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.APIRequestDuration.
			WithLabelValues(route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
