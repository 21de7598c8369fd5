package management

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "gcliproxy/internal/errors"
	"gcliproxy/internal/handlers/common"
)

// Usage returns merged per-credential, per-model counters.
func (h *Handler) Usage(c *gin.Context) {
	rows, err := h.usage.Totals(c.Request.Context())
	if err != nil {
		common.WriteError(c, apperrors.Transient(http.StatusServiceUnavailable, "usage storage unavailable: "+err.Error()), apperrors.FormatOpenAI)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": rows})
}

// ResetUsage clears pending and persisted counters.
func (h *Handler) ResetUsage(c *gin.Context) {
	if err := h.usage.Reset(c.Request.Context()); err != nil {
		common.WriteError(c, apperrors.Transient(http.StatusServiceUnavailable, "usage storage unavailable: "+err.Error()), apperrors.FormatOpenAI)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
