// Package management serves the panel API: credential administration,
// configuration get/save with live apply, usage aggregates, the live
// log WebSocket and the OAuth flow that mints new credentials.
package management

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gcliproxy/internal/config"
	"gcliproxy/internal/credential"
	"gcliproxy/internal/logging"
	"gcliproxy/internal/oauth"
	"gcliproxy/internal/usage"
)

// Handler owns the /api routes and the OAuth callback.
type Handler struct {
	store   *credential.Store
	cfgMgr  *config.Manager
	usage   *usage.Tracker
	flow    *oauth.Flow
	hub     *logging.Hub
	version string
}

// Options collects the handler's collaborators. Flow and Hub are
// optional; the matching endpoints answer 503 when absent.
type Options struct {
	Store     *credential.Store
	ConfigMgr *config.Manager
	Usage     *usage.Tracker
	Flow      *oauth.Flow
	Hub       *logging.Hub
	Version   string
}

func New(opts Options) *Handler {
	return &Handler{
		store:   opts.Store,
		cfgMgr:  opts.ConfigMgr,
		usage:   opts.Usage,
		flow:    opts.Flow,
		hub:     opts.Hub,
		version: opts.Version,
	}
}

// Register mounts the panel routes on the authenticated /api group.
// The OAuth callback is mounted separately (RegisterCallback) because
// Google redirects the browser there without the panel password.
func (h *Handler) Register(api gin.IRoutes) {
	api.GET("/creds/status", h.CredentialStatus)
	api.POST("/creds/reload", h.ReloadCredentials)
	api.POST("/creds/import", h.ImportEnvCredentials)
	api.POST("/creds/:action", h.CredentialAction)
	api.GET("/config", h.GetConfig)
	api.POST("/config", h.SaveConfig)
	api.GET("/usage", h.Usage)
	api.POST("/usage/reset", h.ResetUsage)
	api.GET("/logs/ws", h.LogStream)
	api.GET("/oauth/start", h.OAuthStart)
	api.GET("/status", h.Status)
}

// RegisterCallback mounts the OAuth redirect target on the root.
func (h *Handler) RegisterCallback(r gin.IRoutes) {
	r.GET("/oauth2/callback", h.OAuthCallback)
}

// Status is the panel's one-call overview.
func (h *Handler) Status(c *gin.Context) {
	summary := h.store.Snapshot()
	active := 0
	for _, s := range summary {
		if s.Status == credential.StatusActive {
			active++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"version":            h.version,
		"credentials_total":  len(summary),
		"credentials_active": active,
		"log_clients":        h.logClients(),
	})
}

func (h *Handler) logClients() int {
	if h.hub == nil {
		return 0
	}
	return h.hub.ClientCount()
}
