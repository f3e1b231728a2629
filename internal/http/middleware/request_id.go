package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDKey is the gin context key holding the request ID.
	RequestIDKey = "request_id"

	// RequestIDHeader carries the ID in both directions.
	RequestIDHeader = "X-Request-ID"
)

// RequestID makes sure every request carries an identifier. A client supplied
// X-Request-ID of 1..64 bytes is kept, anything else is replaced by a UUID.
// The ID is then:
//   - echoed in the X-Request-ID response header
//   - stored in the gin context under RequestIDKey, where AccessLog and the
//     handlers read it
//
// Register it before AccessLog so every access line carries the ID.
//
// Example usage:
//
//	r.Use(middleware.RequestID(), middleware.AccessLog(log))
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if l := len(id); l < 1 || l > 64 {
			id = uuid.NewString()
		}

		c.Header(RequestIDHeader, id)
		c.Set(RequestIDKey, id)
		c.Next()
	}
}

// GetRequestID returns the request ID stored by RequestID, or "".
func GetRequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}
