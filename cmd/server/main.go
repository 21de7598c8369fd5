package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"gcliproxy/internal/config"
	"gcliproxy/internal/credential"
	"gcliproxy/internal/logging"
	"gcliproxy/internal/monitoring/tracing"
	"gcliproxy/internal/oauth"
	"gcliproxy/internal/runtime"
	"gcliproxy/internal/server"
	"gcliproxy/internal/storage"
	"gcliproxy/internal/upstream"
	"gcliproxy/internal/usage"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	debug := flag.Bool("debug", false, "force debug logging regardless of config")
	flag.Parse()

	cfgMgr := config.NewManager(*configPath)
	if err := cfgMgr.Load(); err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	cfg := cfgMgr.Get()
	if *debug {
		cfg.Server.Debug = true
	}

	if err := logging.Setup(cfg.Server.Debug, cfg.Server.LogFile); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}
	logging.InstallHubHook()
	hub := logging.GetHub()

	log.WithFields(log.Fields{"version": version, "config": *configPath}).
		Info("starting gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if ep := cfg.Tracing.OTLPEndpoint; ep != "" {
		shutdown, err := tracing.Init(ctx, ep)
		if err != nil {
			log.WithError(err).Warn("tracing disabled: exporter init failed")
		} else {
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(flushCtx); err != nil {
					log.WithError(err).Warn("trace exporter shutdown failed")
				}
			}()
		}
	}

	backend, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		// A broken remote backend should not keep the proxy from
		// serving; fall back to local files and keep going.
		log.WithError(err).Warnf("storage backend %q unavailable, falling back to file", cfg.Storage.Backend)
		backend, err = storage.NewFileBackend(cfg.Credentials.Dir)
		if err != nil {
			log.WithError(err).Fatal("file storage fallback failed")
		}
	}
	defer backend.Close()
	log.WithField("backend", backend.Name()).Info("storage ready")

	sources := []credential.Source{credential.NewFileSource(cfg.Credentials.Dir)}
	if cfg.Credentials.AutoLoadEnv {
		sources = append(sources, credential.NewEnvSource())
	}
	store := credential.NewStore(ctx, credential.StoreOptions{
		Sources:          sources,
		States:           backend,
		CallsPerRotation: cfg.Rotation.CallsPerRotation,
		AutoBan: credential.NewAutoBanPolicy(
			cfg.AutoBan.Enabled,
			cfg.AutoBan.ErrorCodes,
			cfg.AutoBan.Threshold,
			cfg.AutoBan.Cooldown(),
		),
		FileDir: cfg.Credentials.Dir,
	})
	if cfg.Credentials.AutoLoadEnv {
		if n := store.ImportEnv(ctx); n > 0 {
			log.Infof("imported %d credentials from environment", n)
		}
	}
	if store.Pool().ActiveCount() == 0 {
		log.Warn("no active credentials; requests will fail until some are added")
	}

	refresher := oauth.NewRefresher(store.Pool(), cfg.Credentials.Dir)
	limiter := credential.NewSlotLimiter(cfg.Rotation.MaxConcurrentPerCredential)
	client := upstream.NewClient(cfg.Upstream)
	dispatcher := upstream.NewDispatcher(store.Pool(), limiter, refresher, client, cfgMgr.Get)

	tracker := usage.NewTracker(backend)

	var flow *oauth.Flow
	if cfg.OAuth.ClientID != "" && cfg.OAuth.ClientSecret != "" {
		flow = oauth.NewFlow(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret, cfg.OAuth.RedirectURL)
	} else {
		log.Info("oauth client not configured; web onboarding disabled")
	}

	cfgMgr.OnChange(func(old, cur *config.Config) {
		if old.Rotation.CallsPerRotation != cur.Rotation.CallsPerRotation {
			store.Pool().SetCallsPerRotation(cur.Rotation.CallsPerRotation)
			log.Infof("rotation block size now %d", cur.Rotation.CallsPerRotation)
		}
		if old.Server.Debug != cur.Server.Debug || old.Server.LogFile != cur.Server.LogFile {
			if err := logging.Setup(cur.Server.Debug, cur.Server.LogFile); err != nil {
				log.WithError(err).Warn("failed to reapply logging config")
			}
		}
	})
	cfgMgr.Watch()
	defer cfgMgr.Stop()

	tasks := runtime.NewManager(ctx)
	if err := tasks.Go("usage-flush", func(ctx context.Context) error {
		tracker.Run(ctx, usage.DefaultFlushInterval)
		return nil
	}); err != nil {
		log.WithError(err).Fatal("failed to start usage flusher")
	}
	if cfg.Credentials.WatchDir {
		dir := cfg.Credentials.Dir
		if err := tasks.Go("credential-watcher", func(ctx context.Context) error {
			store.WatchDir(ctx, dir)
			return nil
		}); err != nil {
			log.WithError(err).Fatal("failed to start credential watcher")
		}
	}

	srv := server.New(cfgMgr, server.Dependencies{
		Store:      store,
		Dispatcher: dispatcher,
		Usage:      tracker,
		Flow:       flow,
		Hub:        hub,
		Version:    version,
	})
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("server exited")
	}

	tasks.Shutdown(10 * time.Second)

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracker.Flush(flushCtx); err != nil {
		log.WithError(err).Warn("final usage flush failed")
	}
	log.Info("gateway stopped")
}
