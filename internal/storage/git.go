package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"gcliproxy/internal/credential"
)

// GitOptions configures the git-replicated backend.
type GitOptions struct {
	Path      string
	RemoteURL string
	Branch    string
	Username  string
	Password  string
}

// GitBackend stores the same file layout as FileBackend inside a git
// worktree. Reads pull the remote first, writes commit and push, so a
// free git host doubles as durable storage for ephemeral deployments.
type GitBackend struct {
	mu    sync.Mutex
	files *FileBackend
	repo  *git.Repository
	wt    *git.Worktree
	opts  GitOptions
}

func NewGitBackend(ctx context.Context, opts GitOptions) (*GitBackend, error) {
	if opts.Path == "" {
		opts.Path = "./data/git"
	}
	if opts.Branch == "" {
		opts.Branch = "main"
	}
	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, fmt.Errorf("git backend: create base dir: %w", err)
	}

	g := &GitBackend{opts: opts}

	var (
		repo *git.Repository
		err  error
	)
	switch {
	case g.isExistingRepo():
		repo, err = git.PlainOpen(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("git backend: open existing repo: %w", err)
		}
	case opts.RemoteURL != "":
		repo, err = git.PlainCloneContext(ctx, opts.Path, false, &git.CloneOptions{
			URL:           opts.RemoteURL,
			ReferenceName: plumbing.NewBranchReferenceName(opts.Branch),
			SingleBranch:  true,
			Depth:         1,
			Auth:          g.auth(),
		})
		if err != nil {
			return nil, fmt.Errorf("git backend: clone remote repo: %w", err)
		}
	default:
		repo, err = git.PlainInit(opts.Path, false)
		if err != nil {
			return nil, fmt.Errorf("git backend: init repo: %w", err)
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("git backend: worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(opts.Branch),
		Create: true,
	}); err != nil && !errors.Is(err, plumbing.ErrReferenceNotFound) && !isBranchExists(err) {
		return nil, fmt.Errorf("git backend: checkout branch: %w", err)
	}

	files, err := NewFileBackend(opts.Path)
	if err != nil {
		return nil, err
	}

	g.files = files
	g.repo = repo
	g.wt = wt

	// Initial sync is best effort, the local tree still works offline.
	_ = g.pullLatest()
	return g, nil
}

func (g *GitBackend) Name() string { return "git" }

func (g *GitBackend) Ping(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pullLatest()
}

func (g *GitBackend) Close() error { return nil }

func (g *GitBackend) SaveCredentialState(ctx context.Context, id string, st credential.State) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.pullLatest(); err != nil {
		return err
	}
	if err := g.files.SaveCredentialState(ctx, id, st); err != nil {
		return err
	}
	return g.sync(fmt.Sprintf("Update credential state %s", id))
}

func (g *GitBackend) LoadCredentialStates(ctx context.Context) (map[string]credential.State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.pullLatest(); err != nil {
		return nil, err
	}
	return g.files.LoadCredentialStates(ctx)
}

func (g *GitBackend) DeleteCredentialState(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.pullLatest(); err != nil {
		return err
	}
	if err := g.files.DeleteCredentialState(ctx, id); err != nil {
		return err
	}
	return g.sync(fmt.Sprintf("Delete credential state %s", id))
}

func (g *GitBackend) SaveConfig(ctx context.Context, raw []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.pullLatest(); err != nil {
		return err
	}
	if err := g.files.SaveConfig(ctx, raw); err != nil {
		return err
	}
	return g.sync("Update config")
}

func (g *GitBackend) LoadConfig(ctx context.Context) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.pullLatest(); err != nil {
		return nil, err
	}
	return g.files.LoadConfig(ctx)
}

func (g *GitBackend) AddUsage(ctx context.Context, rows []UsageRow) error {
	if len(rows) == 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.pullLatest(); err != nil {
		return err
	}
	if err := g.files.AddUsage(ctx, rows); err != nil {
		return err
	}
	return g.sync("Record usage")
}

func (g *GitBackend) LoadUsage(ctx context.Context) ([]UsageRow, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.pullLatest(); err != nil {
		return nil, err
	}
	return g.files.LoadUsage(ctx)
}

func (g *GitBackend) ResetUsage(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.pullLatest(); err != nil {
		return err
	}
	if err := g.files.ResetUsage(ctx); err != nil {
		return err
	}
	return g.sync("Reset usage")
}

// sync stages everything, commits when dirty and pushes when a remote
// is configured.
func (g *GitBackend) sync(message string) error {
	if err := g.wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("git backend: stage changes: %w", err)
	}
	status, err := g.wt.Status()
	if err != nil {
		return err
	}
	if status.IsClean() {
		return nil
	}
	_, err = g.wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "gcliproxy",
			Email: "state@gcliproxy.local",
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("git backend: commit: %w", err)
	}
	return g.pushLatest()
}

func (g *GitBackend) pullLatest() error {
	if g.repo == nil || g.wt == nil || g.opts.RemoteURL == "" {
		return nil
	}
	err := g.wt.Pull(&git.PullOptions{
		RemoteName:    "origin",
		ReferenceName: plumbing.NewBranchReferenceName(g.opts.Branch),
		SingleBranch:  true,
		Auth:          g.auth(),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return err
	}
	return nil
}

func (g *GitBackend) pushLatest() error {
	if g.repo == nil || g.opts.RemoteURL == "" {
		return nil
	}
	err := g.repo.Push(&git.PushOptions{
		RemoteName: "origin",
		Auth:       g.auth(),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return err
	}
	return nil
}

func (g *GitBackend) auth() *http.BasicAuth {
	if g.opts.Username == "" && g.opts.Password == "" {
		return nil
	}
	return &http.BasicAuth{Username: g.opts.Username, Password: g.opts.Password}
}

func (g *GitBackend) isExistingRepo() bool {
	_, err := os.Stat(filepath.Join(g.opts.Path, ".git"))
	return err == nil
}

func isBranchExists(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already exists")
}
