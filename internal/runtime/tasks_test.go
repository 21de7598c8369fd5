package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerRejectsDuplicateNames(t *testing.T) {
	m := NewManager(context.Background())
	defer m.Shutdown(time.Second)

	block := make(chan struct{})
	require.NoError(t, m.Go("loop", func(ctx context.Context) error {
		<-block
		return nil
	}))
	assert.Error(t, m.Go("loop", func(ctx context.Context) error { return nil }))
	close(block)
}

func TestManagerNameReusableAfterExit(t *testing.T) {
	m := NewManager(context.Background())
	defer m.Shutdown(time.Second)

	done := make(chan struct{})
	require.NoError(t, m.Go("once", func(ctx context.Context) error {
		defer close(done)
		return nil
	}))
	<-done

	require.Eventually(t, func() bool {
		return m.Go("once", func(ctx context.Context) error { return nil }) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestManagerShutdownCancelsTasks(t *testing.T) {
	m := NewManager(context.Background())

	started := make(chan struct{})
	require.NoError(t, m.Go("waiter", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started

	assert.True(t, m.Shutdown(time.Second))
}

func TestManagerRecoversPanics(t *testing.T) {
	m := NewManager(context.Background())

	require.NoError(t, m.Go("boom", func(ctx context.Context) error {
		panic("kaput")
	}))
	assert.True(t, m.Shutdown(time.Second))
}

func TestPeriodicRunsImmediatelyAndOnTicks(t *testing.T) {
	m := NewManager(context.Background())

	var runs atomic.Int64
	require.NoError(t, m.Periodic("tick", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("transient")
	}))

	require.Eventually(t, func() bool {
		return runs.Load() >= 3
	}, time.Second, 5*time.Millisecond)
	assert.True(t, m.Shutdown(time.Second))
}
