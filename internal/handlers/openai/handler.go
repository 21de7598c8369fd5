// Package openai serves the OpenAI-compatible protocol surface:
// /v1/chat/completions with auto-detected request shapes, /v1/models
// and the mock /v1/embeddings endpoint.
package openai

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gcliproxy/internal/config"
	"gcliproxy/internal/handlers/common"
	"gcliproxy/internal/models"
	"gcliproxy/internal/usage"
)

// Handler owns the OpenAI-protocol routes.
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

// Register mounts the routes on an authenticated group.
func (h *Handler) Register(r gin.IRoutes) {
	r.POST("/chat/completions", h.ChatCompletions)
	r.GET("/models", h.Models)
	r.POST("/embeddings", h.Embeddings)
}

// Models answers the static catalog in the OpenAI list shape.
func (h *Handler) Models(c *gin.Context) {
	c.JSON(http.StatusOK, models.OpenAIListing())
}

func (h *Handler) record(credentialID, model string, success bool, promptTokens, candidateTokens int64) {
	if h.usage == nil {
		return
	}
	h.usage.Record(credentialID, model, success, promptTokens, candidateTokens)
}
