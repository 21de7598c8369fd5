package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	apperrors "gcliproxy/internal/errors"
)

// Recovery converts handler panics into a 500 with the OpenAI error
// envelope, logging the stack.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{
					"error":  r,
					"stack":  string(debug.Stack()),
					"path":   c.Request.URL.Path,
					"method": c.Request.Method,
				}).Error("panic recovered")

				if !c.Writer.Written() {
					apiErr := apperrors.Fatal(http.StatusInternalServerError, "internal server error")
					c.Data(apiErr.HTTPStatus, "application/json", apiErr.ToJSON(apperrors.FormatOpenAI))
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}

// SafeGo runs fn on a goroutine that logs instead of crashing on panic.
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{
					"goroutine": name,
					"error":     r,
					"stack":     string(debug.Stack()),
				}).Error("goroutine panic recovered")
			}
		}()
		fn()
	}()
}
