package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireValidChannelName ensures the path param ":name" is a single
// uppercase letter.
func RequireValidChannelName() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if len(name) != 1 || name[0] < 'A' || name[0] > 'Z' {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid channel name"})
			return
		}
		c.Next()
	}
}
