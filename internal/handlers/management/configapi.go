package management

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	apperrors "gcliproxy/internal/errors"
	"gcliproxy/internal/handlers/common"
)

// GetConfig returns the live configuration as YAML, with the secrets
// the panel must not echo back blanked out.
func (h *Handler) GetConfig(c *gin.Context) {
	cfg := *h.cfgMgr.Get()
	cfg.Auth.PanelPasswordHash = ""

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		common.WriteError(c, apperrors.Fatal(http.StatusInternalServerError, err.Error()), apperrors.FormatOpenAI)
		return
	}
	c.Data(http.StatusOK, "application/yaml", data)
}

// SaveConfig accepts a YAML body, overlays it on the current config,
// validates and persists it. The manager's OnChange fanout applies the
// new values to the running components.
func (h *Handler) SaveConfig(c *gin.Context) {
	raw, apiErr := common.ReadBody(c)
	if apiErr != nil {
		common.WriteError(c, apiErr, apperrors.FormatOpenAI)
		return
	}

	// Overlay on a copy of the live config so a partial body only
	// touches the keys it names.
	next := *h.cfgMgr.Get()
	if err := yaml.Unmarshal(raw, &next); err != nil {
		common.WriteError(c, apperrors.MalformedRequest("invalid YAML: "+err.Error()), apperrors.FormatOpenAI)
		return
	}
	if err := h.cfgMgr.Save(&next); err != nil {
		common.WriteError(c, apperrors.MalformedRequest(err.Error()), apperrors.FormatOpenAI)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
