// Package server assembles the gin engine: middleware stack, protocol
// routes, management surface, and the process's HTTP lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"gcliproxy/internal/config"
	"gcliproxy/internal/credential"
	"gcliproxy/internal/handlers/common"
	"gcliproxy/internal/logging"
	"gcliproxy/internal/oauth"
	"gcliproxy/internal/usage"
)

// Dependencies are the runtime services the routes need. Flow and Hub
// are optional.
type Dependencies struct {
	Store      *credential.Store
	Dispatcher common.Dispatcher
	Usage      *usage.Tracker
	Flow       *oauth.Flow
	Hub        *logging.Hub
	Version    string
}

// Server is the composed HTTP process.
type Server struct {
	engine *gin.Engine
	cfgMgr *config.Manager
}

// New builds the engine. The config manager is consulted per request
// for hot-reloadable settings (passwords, rate limits); routes are
// fixed at build time.
func New(cfgMgr *config.Manager, deps Dependencies) *Server {
	cfg := cfgMgr.Get()
	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	registerRoutes(engine, cfgMgr, deps)
	return &Server{engine: engine, cfgMgr: cfgMgr}
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Run serves until ctx is cancelled, then drains in-flight requests.
// Streaming responses are excluded from write timeouts; the upstream
// dispatch layer owns per-attempt deadlines instead.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfgMgr.Get()
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("gateway listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("forcing server close after drain timeout")
		return srv.Close()
	}
	return nil
}
