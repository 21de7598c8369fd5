// Package common carries the pieces the protocol handlers share: the
// dispatcher port, error writing, and SSE response headers.
package common

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "gcliproxy/internal/errors"
	"gcliproxy/internal/upstream"
)

// Dispatcher is the handler-side view of the upstream dispatch engine.
// *upstream.Dispatcher satisfies it; tests substitute fakes.
type Dispatcher interface {
	Dispatch(ctx context.Context, req upstream.Request) (*upstream.Result, error)
}

// WriteError renders err in the request's wire format with the
// taxonomy-mapped HTTP status. Non-APIError values become a 500.
func WriteError(c *gin.Context, err error, format apperrors.ErrorFormat) {
	var apiErr *apperrors.APIError
	if !errors.As(err, &apiErr) {
		apiErr = apperrors.Fatal(http.StatusInternalServerError, err.Error())
	}
	if ra := apiErr.RetryAfterSeconds(); ra > 0 {
		c.Header("Retry-After", strconv.Itoa(ra))
	}
	c.Data(apiErr.HTTPStatus, "application/json", apiErr.ToJSON(format))
}

// SSEHeaders switches the response into event-stream mode. Must run
// before the first chunk is written.
func SSEHeaders(c *gin.Context) {
	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()
}

// ReadBody drains the request body, mapping failures to the taxonomy.
func ReadBody(c *gin.Context) ([]byte, *apperrors.APIError) {
	raw, err := c.GetRawData()
	if err != nil {
		return nil, apperrors.MalformedRequest("failed to read request body: " + err.Error())
	}
	if len(raw) == 0 {
		return nil, apperrors.MalformedRequest("request body is empty")
	}
	return raw, nil
}
