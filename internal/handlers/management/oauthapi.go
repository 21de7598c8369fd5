package management

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	apperrors "gcliproxy/internal/errors"
	"gcliproxy/internal/handlers/common"
)

// OAuthStart begins an authorization-code flow and hands the panel the
// URL to open. ?project= pins a project; otherwise it is discovered
// after the exchange.
func (h *Handler) OAuthStart(c *gin.Context) {
	if h.flow == nil {
		common.WriteError(c, apperrors.Transient(http.StatusServiceUnavailable, "oauth client not configured"), apperrors.FormatOpenAI)
		return
	}

	authURL, state, err := h.flow.StartAuth(c.Query("project"), c.Query("redirect_url"))
	if err != nil {
		common.WriteError(c, apperrors.Fatal(http.StatusInternalServerError, err.Error()), apperrors.FormatOpenAI)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auth_url": authURL, "state": state})
}

// OAuthCallback is Google's redirect target. The state parameter is the
// only secret here; panel auth cannot apply because the browser arrives
// straight from the consent screen.
func (h *Handler) OAuthCallback(c *gin.Context) {
	if h.flow == nil {
		common.WriteError(c, apperrors.Transient(http.StatusServiceUnavailable, "oauth client not configured"), apperrors.FormatOpenAI)
		return
	}

	code := c.Query("code")
	state := c.Query("state")
	if code == "" || state == "" {
		common.WriteError(c, apperrors.MalformedRequest("missing code or state"), apperrors.FormatOpenAI)
		return
	}

	cred, err := h.flow.Exchange(c.Request.Context(), code, state, c.Query("redirect_url"))
	if err != nil {
		common.WriteError(c, apperrors.MalformedRequest(err.Error()), apperrors.FormatOpenAI)
		return
	}
	if err := h.store.SaveNew(cred); err != nil {
		common.WriteError(c, apperrors.Fatal(http.StatusInternalServerError, "credential not saved: "+err.Error()), apperrors.FormatOpenAI)
		return
	}

	log.WithField("credential", cred.ID).Info("credential added via oauth callback")
	c.JSON(http.StatusOK, gin.H{"ok": true, "credential": cred.ID, "project": cred.ProjectID})
}
