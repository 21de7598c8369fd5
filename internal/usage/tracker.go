// Package usage aggregates per-credential, per-model request counters
// in memory and flushes the deltas to the storage backend, where they
// accumulate across restarts. The management surface reads the merged
// totals through /api/usage.
package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"gcliproxy/internal/storage"
)

// DefaultFlushInterval paces the background flush loop.
const DefaultFlushInterval = 30 * time.Second

// Tracker buffers usage deltas between flushes. Record never blocks on
// storage; the pending map is swapped out under the mutex and written
// outside it.
type Tracker struct {
	backend storage.Backend

	mu      sync.Mutex
	pending map[string]*storage.UsageRow
}

// NewTracker builds a tracker flushing into backend. A nil backend
// keeps counters in memory only, which is what unit tests want.
func NewTracker(backend storage.Backend) *Tracker {
	return &Tracker{
		backend: backend,
		pending: make(map[string]*storage.UsageRow),
	}
}

// Record adds one finished upstream call to the pending deltas.
func (t *Tracker) Record(credentialID, model string, success bool, promptTokens, candidateTokens int64) {
	if credentialID == "" || model == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	key := credentialID + "|" + model
	row, ok := t.pending[key]
	if !ok {
		row = &storage.UsageRow{CredentialID: credentialID, Model: model}
		t.pending[key] = row
	}
	row.Requests++
	if success {
		row.Successes++
	} else {
		row.Failures++
	}
	row.PromptTokens += promptTokens
	row.CandidateTokens += candidateTokens
}

// Flush writes the pending deltas to the backend. On failure the deltas
// are merged back so nothing is lost before the next attempt.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return nil
	}
	batch := t.pending
	t.pending = make(map[string]*storage.UsageRow)
	t.mu.Unlock()

	if t.backend == nil {
		return nil
	}

	rows := make([]storage.UsageRow, 0, len(batch))
	for _, row := range batch {
		rows = append(rows, *row)
	}
	if err := t.backend.AddUsage(ctx, rows); err != nil {
		t.mu.Lock()
		for key, row := range batch {
			if cur, ok := t.pending[key]; ok {
				cur.Requests += row.Requests
				cur.Successes += row.Successes
				cur.Failures += row.Failures
				cur.PromptTokens += row.PromptTokens
				cur.CandidateTokens += row.CandidateTokens
			} else {
				t.pending[key] = row
			}
		}
		t.mu.Unlock()
		return err
	}
	return nil
}

// Totals merges the persisted counters with the not-yet-flushed deltas,
// sorted by credential then model for stable management output.
func (t *Tracker) Totals(ctx context.Context) ([]storage.UsageRow, error) {
	merged := make(map[string]storage.UsageRow)
	if t.backend != nil {
		stored, err := t.backend.LoadUsage(ctx)
		if err != nil {
			return nil, err
		}
		for _, row := range stored {
			merged[row.Key()] = row
		}
	}

	t.mu.Lock()
	for key, row := range t.pending {
		cur := merged[key]
		cur.CredentialID = row.CredentialID
		cur.Model = row.Model
		cur.Requests += row.Requests
		cur.Successes += row.Successes
		cur.Failures += row.Failures
		cur.PromptTokens += row.PromptTokens
		cur.CandidateTokens += row.CandidateTokens
		merged[key] = cur
	}
	t.mu.Unlock()

	rows := make([]storage.UsageRow, 0, len(merged))
	for _, row := range merged {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CredentialID != rows[j].CredentialID {
			return rows[i].CredentialID < rows[j].CredentialID
		}
		return rows[i].Model < rows[j].Model
	})
	return rows, nil
}

// Reset drops pending deltas and clears the persisted counters.
func (t *Tracker) Reset(ctx context.Context) error {
	t.mu.Lock()
	t.pending = make(map[string]*storage.UsageRow)
	t.mu.Unlock()
	if t.backend == nil {
		return nil
	}
	return t.backend.ResetUsage(ctx)
}

// Run flushes on interval until ctx is cancelled, then flushes once
// more so counters from the final window survive shutdown.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.Flush(ctx); err != nil {
				log.WithError(err).Warn("usage flush failed, retrying next interval")
			}
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := t.Flush(flushCtx); err != nil {
				log.WithError(err).Warn("final usage flush failed")
			}
			cancel()
			return
		}
	}
}
