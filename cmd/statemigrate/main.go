// Command statemigrate copies persisted gateway state (credential
// states, usage counters and the panel config blob) from one storage
// backend to another, for example when moving a deployment from local
// files to redis.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"gcliproxy/internal/config"
	"gcliproxy/internal/storage"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "configuration file holding backend connection settings")
		from       = flag.String("from", "", "source backend (file/redis/mongo/postgres/git)")
		to         = flag.String("to", "", "destination backend (file/redis/mongo/postgres/git)")
		dryRun     = flag.Bool("dry-run", false, "report what would be copied without writing")
	)
	flag.Parse()

	if *from == "" || *to == "" || *from == *to {
		fmt.Fprintln(os.Stderr, "usage: statemigrate -from <backend> -to <backend> [-config config.yaml] [-dry-run]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfgMgr := config.NewManager(*configPath)
	if err := cfgMgr.Load(); err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	cfg := cfgMgr.Get()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	src, err := openBackend(ctx, cfg, *from)
	if err != nil {
		log.WithError(err).Fatalf("failed to open source backend %q", *from)
	}
	defer src.Close()

	dst, err := openBackend(ctx, cfg, *to)
	if err != nil {
		log.WithError(err).Fatalf("failed to open destination backend %q", *to)
	}
	defer dst.Close()

	if err := migrate(ctx, src, dst, *dryRun); err != nil {
		log.WithError(err).Fatal("migration failed")
	}
}

func openBackend(ctx context.Context, cfg *config.Config, name string) (storage.Backend, error) {
	sc := cfg.Storage
	sc.Backend = name
	return storage.Open(ctx, sc)
}

func migrate(ctx context.Context, src, dst storage.Backend, dryRun bool) error {
	states, err := src.LoadCredentialStates(ctx)
	if err != nil {
		return fmt.Errorf("load credential states: %w", err)
	}
	rows, err := src.LoadUsage(ctx)
	if err != nil {
		return fmt.Errorf("load usage: %w", err)
	}
	blob, err := src.LoadConfig(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		blob, err = nil, nil
	}
	if err != nil {
		return fmt.Errorf("load config blob: %w", err)
	}

	log.WithFields(log.Fields{
		"source":            src.Name(),
		"destination":       dst.Name(),
		"credential_states": len(states),
		"usage_rows":        len(rows),
		"config_blob":       len(blob) > 0,
	}).Info("migration plan")
	if dryRun {
		log.Info("dry run, nothing written")
		return nil
	}

	for id, st := range states {
		if err := dst.SaveCredentialState(ctx, id, st); err != nil {
			return fmt.Errorf("save state for %s: %w", id, err)
		}
	}
	// Usage rows are deltas on write, so the copy is additive. Reset
	// the destination first for a clean total.
	if len(rows) > 0 {
		if err := dst.ResetUsage(ctx); err != nil {
			return fmt.Errorf("reset destination usage: %w", err)
		}
		if err := dst.AddUsage(ctx, rows); err != nil {
			return fmt.Errorf("copy usage: %w", err)
		}
	}
	if len(blob) > 0 {
		if err := dst.SaveConfig(ctx, blob); err != nil {
			return fmt.Errorf("copy config blob: %w", err)
		}
	}

	log.Info("migration complete")
	return nil
}
