package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"gcliproxy/internal/credential"
)

func TestPostgresBackend_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres integration test skipped in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "itdb",
				"POSTGRES_USER":     "ituser",
				"POSTGRES_PASSWORD": "itpass",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://ituser:itpass@%s:%s/itdb?sslmode=disable", host, port.Port())
	backend, err := NewPostgresBackend(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = backend.Close()
	})

	t.Run("credential state CRUD", func(t *testing.T) {
		require.NoError(t, backend.SaveCredentialState(ctx, "pg.json", credential.State{
			Status:       credential.StatusCoolingDown,
			StatusReason: "429",
			ErrorCount:   1,
		}))
		// upsert overwrites
		require.NoError(t, backend.SaveCredentialState(ctx, "pg.json", credential.State{
			Status:     credential.StatusActive,
			ErrorCount: 0,
		}))

		states, err := backend.LoadCredentialStates(ctx)
		require.NoError(t, err)
		require.Equal(t, credential.StatusActive, states["pg.json"].Status)

		require.NoError(t, backend.DeleteCredentialState(ctx, "pg.json"))
		states, err = backend.LoadCredentialStates(ctx)
		require.NoError(t, err)
		require.NotContains(t, states, "pg.json")
	})

	t.Run("config blob", func(t *testing.T) {
		_, err := backend.LoadConfig(ctx)
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, backend.SaveConfig(ctx, []byte("a: 1\n")))
		require.NoError(t, backend.SaveConfig(ctx, []byte("a: 2\n")))

		raw, err := backend.LoadConfig(ctx)
		require.NoError(t, err)
		require.Equal(t, "a: 2\n", string(raw))
	})

	t.Run("usage accumulates", func(t *testing.T) {
		require.NoError(t, backend.AddUsage(ctx, []UsageRow{
			{CredentialID: "pg.json", Model: "gemini-2.5-pro", Requests: 2, Successes: 2, PromptTokens: 30},
		}))
		require.NoError(t, backend.AddUsage(ctx, []UsageRow{
			{CredentialID: "pg.json", Model: "gemini-2.5-pro", Requests: 1, Failures: 1, CandidateTokens: 5},
		}))

		rows, err := backend.LoadUsage(ctx)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, int64(3), rows[0].Requests)
		require.Equal(t, int64(2), rows[0].Successes)
		require.Equal(t, int64(1), rows[0].Failures)
		require.Equal(t, int64(30), rows[0].PromptTokens)
		require.Equal(t, int64(5), rows[0].CandidateTokens)

		require.NoError(t, backend.ResetUsage(ctx))
		rows, err = backend.LoadUsage(ctx)
		require.NoError(t, err)
		require.Empty(t, rows)
	})
}
