package gemini

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "gcliproxy/internal/errors"
	"gcliproxy/internal/handlers/common"
	"gcliproxy/internal/translator"
)

// CountTokens answers :countTokens with a local estimate. Token counts
// are advisory; spending a credential's quota to compute them would be
// a bad trade.
func (h *Handler) CountTokens(c *gin.Context, model string) {
	raw, apiErr := common.ReadBody(c)
	if apiErr != nil {
		common.WriteError(c, apiErr, apperrors.FormatGemini)
		return
	}
	c.Data(http.StatusOK, "application/json", translator.CountTokensResponse(translator.EstimateTokens(raw)))
}

// BatchEmbed answers :batchEmbedContents with mock vectors; the
// upstream surface has no embedding endpoint.
func (h *Handler) BatchEmbed(c *gin.Context) {
	raw, apiErr := common.ReadBody(c)
	if apiErr != nil {
		common.WriteError(c, apiErr, apperrors.FormatGemini)
		return
	}
	c.Data(http.StatusOK, "application/json", translator.MockEmbeddings(raw))
}
