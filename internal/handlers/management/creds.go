package management

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "gcliproxy/internal/errors"
	"gcliproxy/internal/handlers/common"
)

// CredentialStatus returns the pool snapshot.
func (h *Handler) CredentialStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"credentials": h.store.Snapshot()})
}

type credentialActionRequest struct {
	ID string `json:"id" binding:"required"`
}

// CredentialAction enables, disables or deletes one credential.
func (h *Handler) CredentialAction(c *gin.Context) {
	var req credentialActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.WriteError(c, apperrors.MalformedRequest("id is required"), apperrors.FormatOpenAI)
		return
	}

	var err error
	switch action := c.Param("action"); action {
	case "enable":
		err = h.store.Enable(c.Request.Context(), req.ID)
	case "disable":
		err = h.store.Disable(c.Request.Context(), req.ID, "disabled via management API")
	case "delete":
		err = h.store.Delete(c.Request.Context(), req.ID)
	default:
		common.WriteError(c, apperrors.MalformedRequest("unknown action "+action), apperrors.FormatOpenAI)
		return
	}
	if err != nil {
		common.WriteError(c, apperrors.MalformedRequest(err.Error()), apperrors.FormatOpenAI)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "id": req.ID})
}

// ReloadCredentials rescans every source and rebuilds the pool.
func (h *Handler) ReloadCredentials(c *gin.Context) {
	h.store.Reload(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"ok": true, "credentials": len(h.store.Snapshot())})
}

// ImportEnvCredentials pulls GCLI_CREDS_* entries into the pool.
func (h *Handler) ImportEnvCredentials(c *gin.Context) {
	added := h.store.ImportEnv(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"ok": true, "imported": added})
}
