package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"gcliproxy/internal/credential"
)

const (
	stateSuffix = ".state.json"
	usageFile   = "usage_stats.json"
	configBlob  = "config.yaml"
)

// FileBackend keeps everything under one directory: per-credential
// `<id>.state.json` sidecars, a usage_stats.json aggregate and the raw
// config blob. Writes are atomic (tmp + rename) and serialized.
type FileBackend struct {
	dir string
	mu  sync.Mutex
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		dir = "./data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir}, nil
}

func (f *FileBackend) Name() string { return "file" }

func (f *FileBackend) Ping(ctx context.Context) error {
	_, err := os.Stat(f.dir)
	return err
}

func (f *FileBackend) Close() error { return nil }

func (f *FileBackend) SaveCredentialState(ctx context.Context, id string, st credential.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return f.writeAtomic(f.statePath(id), data, 0o600)
}

func (f *FileBackend) LoadCredentialStates(ctx context.Context) (map[string]credential.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]credential.State)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, stateSuffix) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(f.dir, name))
		if err != nil {
			continue
		}
		var st credential.State
		if err := json.Unmarshal(raw, &st); err != nil {
			log.WithField("file", name).Warn("skipping corrupt credential state file")
			continue
		}
		out[strings.TrimSuffix(name, stateSuffix)+".json"] = st
	}
	return out, nil
}

func (f *FileBackend) DeleteCredentialState(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.statePath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *FileBackend) SaveConfig(ctx context.Context, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeAtomic(filepath.Join(f.dir, configBlob), raw, 0o644)
}

func (f *FileBackend) LoadConfig(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := os.ReadFile(filepath.Join(f.dir, configBlob))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return raw, err
}

func (f *FileBackend) AddUsage(ctx context.Context, rows []UsageRow) error {
	if len(rows) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	totals, err := f.readUsageLocked()
	if err != nil {
		return err
	}
	for _, delta := range rows {
		key := delta.Key()
		row := totals[key]
		row.CredentialID = delta.CredentialID
		row.Model = delta.Model
		row.Requests += delta.Requests
		row.Successes += delta.Successes
		row.Failures += delta.Failures
		row.PromptTokens += delta.PromptTokens
		row.CandidateTokens += delta.CandidateTokens
		row.UpdatedAt = time.Now().UTC()
		totals[key] = row
	}

	data, err := json.MarshalIndent(totals, "", "  ")
	if err != nil {
		return err
	}
	return f.writeAtomic(filepath.Join(f.dir, usageFile), data, 0o644)
}

func (f *FileBackend) LoadUsage(ctx context.Context) ([]UsageRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	totals, err := f.readUsageLocked()
	if err != nil {
		return nil, err
	}
	out := make([]UsageRow, 0, len(totals))
	for _, row := range totals {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (f *FileBackend) ResetUsage(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(filepath.Join(f.dir, usageFile)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *FileBackend) readUsageLocked() (map[string]UsageRow, error) {
	raw, err := os.ReadFile(filepath.Join(f.dir, usageFile))
	if os.IsNotExist(err) {
		return make(map[string]UsageRow), nil
	}
	if err != nil {
		return nil, err
	}
	totals := make(map[string]UsageRow)
	if err := json.Unmarshal(raw, &totals); err != nil {
		log.Warn("usage stats file corrupt, starting over")
		return make(map[string]UsageRow), nil
	}
	return totals, nil
}

func (f *FileBackend) statePath(id string) string {
	base := strings.TrimSuffix(filepath.Base(id), ".json")
	return filepath.Join(f.dir, base+stateSuffix)
}

func (f *FileBackend) writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
