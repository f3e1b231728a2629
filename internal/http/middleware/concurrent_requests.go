package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// LimitConcurrentRequests rejects requests with 429 while n of them are
// already being handled by the wrapped route. Rejected requests are not
// queued; the client retries.
//
// The manual discovery route uses n = 1: a second request would only join
// the scan already running.
//
// Example usage:
//
//	r.POST("/api/serial/discover", middleware.LimitConcurrentRequests(1), h.Discover)
func LimitConcurrentRequests(n int) gin.HandlerFunc {
	slots := make(chan struct{}, n)

	return func(c *gin.Context) {
		select {
		case slots <- struct{}{}:
			defer func() { <-slots }()
			c.Next()
		default:
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"message": "request already in progress"})
		}
	}
}
