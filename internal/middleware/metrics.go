// Package middleware provides the gin middleware chain: request IDs,
// prometheus metrics, the credential gate for lifecycle routes, and optional
// push rate limiting. Everything here is registered in internal/api before
// any route handlers.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gem-registry/gem-registry/internal/telemetry"
)

// Metrics records a counter and a latency histogram for every request. The
// path label is the matched route template from c.FullPath(), not the raw
// URL, so gem names and upstream URLs do not inflate label cardinality;
// unrouted requests are labelled "<no-route>".
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
