package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const contextKeyRequestID = "request_id"

// RequestID propagates the caller's X-Request-ID or mints one, echoing
// it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(contextKeyRequestID, rid)
		c.Writer.Header().Set("X-Request-ID", rid)
		c.Next()
	}
}
