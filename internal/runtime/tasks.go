// Package runtime supervises the proxy's background loops: the usage
// flusher, the credential directory watcher, and the config watcher
// all run under one Manager so shutdown drains them together.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TaskFunc is a long-running loop. It should return promptly once its
// context is canceled; a context cancellation error is not a failure.
type TaskFunc func(ctx context.Context) error

// Manager runs named background tasks under a shared context.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	wg      sync.WaitGroup
	running map[string]struct{}
}

// NewManager derives the task context from parent; canceling the
// parent stops every task.
func NewManager(parent context.Context) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]struct{}),
	}
}

// Go starts fn as a named task. Names must be unique among live tasks.
// Panics are recovered and logged so one broken loop cannot take the
// process down.
func (m *Manager) Go(name string, fn TaskFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.running[name]; exists {
		return fmt.Errorf("task %q already running", name)
	}
	m.running[name] = struct{}{}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.running, name)
			m.mu.Unlock()
			if r := recover(); r != nil {
				log.Errorf("background task %s panicked: %v", name, r)
			}
		}()

		log.Debugf("background task %s started", name)
		err := fn(m.ctx)
		switch {
		case err == nil, m.ctx.Err() != nil:
			log.Debugf("background task %s stopped", name)
		default:
			log.WithError(err).Errorf("background task %s exited", name)
		}
	}()
	return nil
}

// Periodic runs fn immediately and then on every interval tick until
// shutdown. Failures are logged and the ticker keeps going.
func (m *Manager) Periodic(name string, interval time.Duration, fn func(ctx context.Context) error) error {
	return m.Go(name, func(ctx context.Context) error {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warnf("periodic task %s failed", name)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					log.WithError(err).Warnf("periodic task %s failed", name)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// Shutdown cancels every task and waits up to timeout for them to
// drain. It reports whether all tasks finished in time.
func (m *Manager) Shutdown(timeout time.Duration) bool {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		log.Warn("background tasks did not drain before the shutdown deadline")
		return false
	}
}
