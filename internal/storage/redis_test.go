package storage

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"gcliproxy/internal/credential"
)

func newRedisFixture(t *testing.T, prefix string) *RedisBackend {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)

	rb, err := NewRedisBackend(context.Background(), RedisOptions{Addr: mr.Addr(), Prefix: prefix})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rb.Close() })
	return rb
}

func TestRedisBackendStateRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rb := newRedisFixture(t, "t1")

	require.NoError(t, rb.SaveCredentialState(ctx, "alice.json", credential.State{
		Status:       credential.StatusError,
		StatusReason: "invalid_grant",
		ErrorCount:   4,
	}))

	states, err := rb.LoadCredentialStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, credential.StatusError, states["alice.json"].Status)
	require.Equal(t, int64(4), states["alice.json"].ErrorCount)

	require.NoError(t, rb.DeleteCredentialState(ctx, "alice.json"))
	states, err = rb.LoadCredentialStates(ctx)
	require.NoError(t, err)
	require.Empty(t, states)
}

func TestRedisBackendConfigBlob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rb := newRedisFixture(t, "t2")

	_, err := rb.LoadConfig(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, rb.SaveConfig(ctx, []byte("retry:\n  retry_429_max_retries: 3\n")))
	got, err := rb.LoadConfig(ctx)
	require.NoError(t, err)
	require.Contains(t, string(got), "retry_429_max_retries")
}

func TestRedisBackendUsageIncrements(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rb := newRedisFixture(t, "t3")

	require.NoError(t, rb.AddUsage(ctx, []UsageRow{
		{CredentialID: "a.json", Model: "gemini-2.5-pro", Requests: 1, Successes: 1, PromptTokens: 10},
	}))
	require.NoError(t, rb.AddUsage(ctx, []UsageRow{
		{CredentialID: "a.json", Model: "gemini-2.5-pro", Requests: 2, Failures: 2, CandidateTokens: 7},
		{CredentialID: "a.json", Model: "gemini-2.5-flash", Requests: 1},
	}))

	rows, err := rb.LoadUsage(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.Equal(t, "gemini-2.5-flash", rows[0].Model)
	require.Equal(t, "gemini-2.5-pro", rows[1].Model)
	require.Equal(t, int64(3), rows[1].Requests)
	require.Equal(t, int64(1), rows[1].Successes)
	require.Equal(t, int64(2), rows[1].Failures)
	require.Equal(t, int64(10), rows[1].PromptTokens)
	require.Equal(t, int64(7), rows[1].CandidateTokens)

	require.NoError(t, rb.ResetUsage(ctx))
	rows, err = rb.LoadUsage(ctx)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestRedisBackendPrefixIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr, err := miniredis.Run()
	if err != nil {
		t.Skipf("miniredis unavailable: %v", err)
	}
	t.Cleanup(mr.Close)

	one, err := NewRedisBackend(ctx, RedisOptions{Addr: mr.Addr(), Prefix: "one"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = one.Close() })
	two, err := NewRedisBackend(ctx, RedisOptions{Addr: mr.Addr(), Prefix: "two"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = two.Close() })

	require.NoError(t, one.SaveCredentialState(ctx, "x.json", credential.State{Status: credential.StatusActive}))

	states, err := two.LoadCredentialStates(ctx)
	require.NoError(t, err)
	require.Empty(t, states)
}
