package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gcliproxy/internal/config"
	gh "gcliproxy/internal/handlers/gemini"
	mh "gcliproxy/internal/handlers/management"
	oh "gcliproxy/internal/handlers/openai"
	mw "gcliproxy/internal/middleware"
)

func registerRoutes(engine *gin.Engine, cfgMgr *config.Manager, deps Dependencies) {
	engine.Use(
		mw.Recovery(),
		mw.RequestID(),
		mw.RequestLogger(),
		mw.Metrics(),
		mw.CORS(),
		mw.RateLimit(func() (bool, float64, int) {
			rl := cfgMgr.Get().RateLimit
			return rl.Enabled, rl.RPS, rl.Burst
		}),
	)

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": deps.Version})
	})

	apiAuth := mw.APIAuth(func() string { return cfgMgr.Get().Auth.APIPassword })
	panelAuth := mw.PanelAuth(func() mw.PanelCredentials {
		auth := cfgMgr.Get().Auth
		return mw.PanelCredentials{Password: auth.PanelPassword, PasswordHash: auth.PanelPasswordHash}
	})

	openaiHandler := oh.New(deps.Dispatcher, cfgMgr.Get, deps.Usage)
	geminiHandler := gh.New(deps.Dispatcher, cfgMgr.Get, deps.Usage)
	mgmtHandler := mh.New(mh.Options{
		Store:     deps.Store,
		ConfigMgr: cfgMgr,
		Usage:     deps.Usage,
		Flow:      deps.Flow,
		Hub:       deps.Hub,
		Version:   deps.Version,
	})

	// OpenAI protocol plus the native generation actions, so clients
	// configured with either /v1 base path reach the same engine.
	v1 := engine.Group("/v1")
	v1.Use(apiAuth)
	{
		openaiHandler.Register(v1)
		v1.POST("/models/:model", geminiHandler.DispatchAction)
		v1.POST("/models/:model/:sub", geminiHandler.DispatchAction)
	}

	v1beta := engine.Group("/v1beta")
	v1beta.Use(apiAuth)
	geminiHandler.Register(v1beta)

	api := engine.Group("/api")
	api.Use(panelAuth)
	mgmtHandler.Register(api)

	engine.GET("/metrics", panelAuth, gin.WrapH(promhttp.Handler()))
	mgmtHandler.RegisterCallback(engine)
}
