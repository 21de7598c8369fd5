// Package gemini serves the native Gemini protocol surface under /v1beta
// and /v1: model listing, generateContent, streamGenerateContent and
// countTokens. Responses stay in the native wire format end to end.
package gemini

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"gcliproxy/internal/config"
	apperrors "gcliproxy/internal/errors"
	"gcliproxy/internal/handlers/common"
	"gcliproxy/internal/models"
	"gcliproxy/internal/usage"
)

// Handler owns the Gemini-protocol routes.
type Handler struct {
	dispatcher common.Dispatcher
	cfg        func() *config.Config
	usage      *usage.Tracker
}

// New wires the handler. usage may be nil when accounting is off.
func New(dispatcher common.Dispatcher, cfg func() *config.Config, tracker *usage.Tracker) *Handler {
	if cfg == nil {
		def := config.Default()
		cfg = func() *config.Config { return def }
	}
	return &Handler{dispatcher: dispatcher, cfg: cfg, usage: tracker}
}

// Register mounts the routes on an authenticated group. Gin cannot mix
// a path parameter with a literal colon in one segment, so the
// model:action pair arrives as a single parameter and is split here.
// Feature-prefixed names (假流式/..., 流式抗截断/...) span two path
// segments, hence the :sub routes.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/models", h.ListModels)
	r.GET("/models/:model", h.ModelInfo)
	r.GET("/models/:model/:sub", h.ModelInfo)
	r.POST("/models/:model", h.DispatchAction)
	r.POST("/models/:model/:sub", h.DispatchAction)
}

// modelParam reassembles a model reference that may have been split on
// a feature-prefix slash.
func modelParam(c *gin.Context) string {
	param := c.Param("model")
	if sub := c.Param("sub"); sub != "" {
		param += "/" + sub
	}
	return param
}

// DispatchAction fans /models/{model}:{action} out to the action
// handlers.
func (h *Handler) DispatchAction(c *gin.Context) {
	model, action, ok := strings.Cut(modelParam(c), ":")
	if !ok || model == "" {
		common.WriteError(c, apperrors.MalformedRequest("expected models/{model}:{action}"), apperrors.FormatGemini)
		return
	}
	switch action {
	case "generateContent":
		h.Generate(c, model, false)
	case "streamGenerateContent":
		h.Generate(c, model, true)
	case "countTokens":
		h.CountTokens(c, model)
	case "batchEmbedContents":
		h.BatchEmbed(c)
	default:
		common.WriteError(c, apperrors.MalformedRequest("unknown action "+action), apperrors.FormatGemini)
	}
}

// ListModels answers the static catalog in the Gemini list shape.
func (h *Handler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, models.GeminiListing())
}

// ModelInfo answers a single model's metadata.
func (h *Handler) ModelInfo(c *gin.Context) {
	name := strings.TrimPrefix(modelParam(c), "models/")
	c.JSON(http.StatusOK, models.GeminiModelInfo(name))
}

func (h *Handler) record(credentialID, model string, success bool, promptTokens, candidateTokens int64) {
	if h.usage == nil {
		return
	}
	h.usage.Record(credentialID, model, success, promptTokens, candidateTokens)
}
