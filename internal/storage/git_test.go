package storage

import (
	"context"
	"testing"

	git "github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/require"

	"gcliproxy/internal/credential"
)

func TestGitBackendLocalRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	gb, err := NewGitBackend(ctx, GitOptions{Path: dir})
	require.NoError(t, err)

	require.NoError(t, gb.SaveCredentialState(ctx, "alice.json", credential.State{
		Status:       credential.StatusDisabled,
		StatusReason: "manual",
	}))
	require.NoError(t, gb.SaveConfig(ctx, []byte("server:\n  port: 7861\n")))
	require.NoError(t, gb.AddUsage(ctx, []UsageRow{
		{CredentialID: "alice.json", Model: "gemini-2.5-pro", Requests: 1, Successes: 1},
	}))

	states, err := gb.LoadCredentialStates(ctx)
	require.NoError(t, err)
	require.Equal(t, credential.StatusDisabled, states["alice.json"].Status)

	// every write lands as a commit
	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	require.NoError(t, err)
	commits := 0
	for {
		if _, err := iter.Next(); err != nil {
			break
		}
		commits++
	}
	require.Equal(t, 3, commits)
}

func TestGitBackendReopensExistingRepo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	first, err := NewGitBackend(ctx, GitOptions{Path: dir})
	require.NoError(t, err)
	require.NoError(t, first.SaveCredentialState(ctx, "keep.json", credential.State{
		Status:        credential.StatusActive,
		TotalRequests: 9,
	}))

	second, err := NewGitBackend(ctx, GitOptions{Path: dir})
	require.NoError(t, err)

	states, err := second.LoadCredentialStates(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(9), states["keep.json"].TotalRequests)
}

func TestGitBackendSkipsEmptyCommit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	gb, err := NewGitBackend(ctx, GitOptions{Path: dir})
	require.NoError(t, err)

	st := credential.State{Status: credential.StatusActive}
	require.NoError(t, gb.SaveCredentialState(ctx, "same.json", st))
	require.NoError(t, gb.SaveCredentialState(ctx, "same.json", st))

	repo, err := git.PlainOpen(dir)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	require.NoError(t, err)
	commits := 0
	for {
		if _, err := iter.Next(); err != nil {
			break
		}
		commits++
	}
	require.Equal(t, 1, commits)
}
