package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// RequestLogger logs every request after its handler finishes. The
// model field is present when a handler recorded one via SetModel.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		fields := log.Fields{
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"method":     method,
			"path":       path,
			"client_ip":  c.ClientIP(),
		}
		if rid := c.GetString(contextKeyRequestID); rid != "" {
			fields["request_id"] = rid
		}
		if model := c.GetString(contextKeyModel); model != "" {
			fields["model"] = model
		}
		log.WithFields(fields).Info("http_request")
	}
}

// contextKeyModel is where handlers record the model a request targeted
// so the access log can carry it.
const contextKeyModel = "model"

// SetModel records the request's model name for the access log.
func SetModel(c *gin.Context, model string) {
	c.Set(contextKeyModel, model)
}
