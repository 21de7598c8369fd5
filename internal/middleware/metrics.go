package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"gcliproxy/internal/monitoring"
)

// Metrics records per-route request counts and latency. The route
// template (c.FullPath) keeps label cardinality bounded; unmatched
// paths collapse into one bucket.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		monitoring.HTTPInFlight.Inc()
		c.Next()
		monitoring.HTTPInFlight.Dec()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		class := monitoring.StatusClass(c.Writer.Status())
		monitoring.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, class).Inc()
		monitoring.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, class).Observe(time.Since(start).Seconds())
	}
}
