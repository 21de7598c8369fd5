// Package storage persists what must survive a restart: credential
// states, the panel configuration blob and usage statistics. Backends
// share one typed interface; file is the default, redis/mongo/postgres
// serve multi-instance deployments and git adds a replicated file tree.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gcliproxy/internal/config"
	"gcliproxy/internal/credential"
)

// ErrNotFound reports an absent key or empty collection.
var ErrNotFound = errors.New("storage: not found")

// UsageRow is one credential+model counter bucket. Writes carry deltas;
// reads return totals.
type UsageRow struct {
	CredentialID    string    `json:"credential_id"`
	Model           string    `json:"model"`
	Requests        int64     `json:"requests"`
	Successes       int64     `json:"successes"`
	Failures        int64     `json:"failures"`
	PromptTokens    int64     `json:"prompt_tokens"`
	CandidateTokens int64     `json:"candidate_tokens"`
	UpdatedAt       time.Time `json:"updated_at,omitempty"`
}

// Key identifies the row's counter bucket.
func (r UsageRow) Key() string { return r.CredentialID + "|" + r.Model }

// Backend is the persistence port. Every implementation also satisfies
// credential.StateStore.
type Backend interface {
	Name() string
	Ping(ctx context.Context) error
	Close() error

	SaveCredentialState(ctx context.Context, id string, st credential.State) error
	LoadCredentialStates(ctx context.Context) (map[string]credential.State, error)
	DeleteCredentialState(ctx context.Context, id string) error

	// SaveConfig/LoadConfig hold the panel configuration as an opaque
	// YAML blob so remote deployments keep settings without a disk.
	SaveConfig(ctx context.Context, raw []byte) error
	LoadConfig(ctx context.Context) ([]byte, error)

	// AddUsage applies counter deltas; LoadUsage returns the totals.
	AddUsage(ctx context.Context, rows []UsageRow) error
	LoadUsage(ctx context.Context) ([]UsageRow, error)
	ResetUsage(ctx context.Context) error
}

// statically guarantee the StateStore fit.
var _ credential.StateStore = Backend(nil)

// Open builds the backend selected by the configuration.
func Open(ctx context.Context, cfg config.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileBackend(cfg.BaseDir)
	case "redis":
		return NewRedisBackend(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	case "mongo":
		return NewMongoBackend(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case "postgres":
		return NewPostgresBackend(ctx, cfg.PostgresDSN)
	case "git":
		dir := cfg.GitDir
		if dir == "" {
			dir = cfg.BaseDir
		}
		return NewGitBackend(ctx, GitOptions{
			Path:      dir,
			RemoteURL: cfg.GitRemote,
			Branch:    cfg.GitBranch,
			Username:  cfg.GitUsername,
			Password:  cfg.GitPassword,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
