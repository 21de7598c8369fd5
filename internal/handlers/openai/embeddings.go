package openai

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "gcliproxy/internal/errors"
	"gcliproxy/internal/handlers/common"
	"gcliproxy/internal/translator"
)

// Embeddings answers POST /v1/embeddings with deterministic mock
// vectors. The upstream surface has no embeddings endpoint; clients
// that probe for one get a well-formed response instead of a 404.
func (h *Handler) Embeddings(c *gin.Context) {
	raw, apiErr := common.ReadBody(c)
	if apiErr != nil {
		common.WriteError(c, apiErr, apperrors.FormatOpenAI)
		return
	}
	c.Data(http.StatusOK, "application/json", translator.OpenAIEmbeddings(raw))
}
