package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Manager owns the live configuration. Get returns the current snapshot;
// Save and the file watcher swap it atomically and notify subscribers.
type Manager struct {
	mu        sync.RWMutex
	path      string
	cfg       *Config
	lastMod   time.Time
	stopOnce  sync.Once
	stopCh    chan struct{}
	listeners []func(old, cur *Config)
}

// NewManager builds a manager for the given config path. An empty path
// means defaults plus environment only.
func NewManager(path string) *Manager {
	return &Manager{path: path, stopCh: make(chan struct{})}
}

// Load reads the file (if any), merges environment overrides and
// validates. A missing file is not an error.
func (m *Manager) Load() error {
	cfg := Default()

	if m.path != "" {
		data, err := os.ReadFile(m.path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return fmt.Errorf("parse %s: %w", m.path, err)
			}
			if info, err := os.Stat(m.path); err == nil {
				m.lastMod = info.ModTime()
			}
		case os.IsNotExist(err):
			log.WithField("path", m.path).Info("config file absent, using defaults and environment")
		default:
			return fmt.Errorf("read %s: %w", m.path, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

// Get returns the current config snapshot. Callers must treat it as
// read-only; reloads replace the pointer rather than mutating it.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Save validates cfg, writes it to the config file and makes it live.
func (m *Manager) Save(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if m.path != "" {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		tmp := m.path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return err
		}
		if err := os.Rename(tmp, m.path); err != nil {
			return err
		}
		if info, err := os.Stat(m.path); err == nil {
			m.lastMod = info.ModTime()
		}
	}
	m.swap(cfg)
	return nil
}

// OnChange registers fn to run after every config swap (Save or reload).
func (m *Manager) OnChange(fn func(old, cur *Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) swap(cfg *Config) {
	m.mu.Lock()
	old := m.cfg
	m.cfg = cfg
	listeners := make([]func(old, cur *Config), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(old, cfg)
	}
	logChanges(old, cfg)
}

// Watch reloads the file when it changes, debounced against editors that
// write in bursts. Falls back to mtime polling when fsnotify fails.
func (m *Manager) Watch() {
	if m.path == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("fsnotify unavailable, polling config file")
		go m.poll()
		return
	}
	// Watch the directory too: atomic saves replace the file by rename.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		log.WithError(err).Warn("cannot watch config directory, polling instead")
		watcher.Close()
		go m.poll()
		return
	}
	log.WithField("path", m.path).Info("config watcher started")

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != m.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, m.reloadIfChanged)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			case <-m.stopCh:
				if debounce != nil {
					debounce.Stop()
				}
				return
			}
		}
	}()
}

// Stop terminates the watcher goroutine.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) poll() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reloadIfChanged()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) reloadIfChanged() {
	info, err := os.Stat(m.path)
	if err != nil {
		return
	}
	m.mu.RLock()
	stale := info.ModTime().After(m.lastMod)
	m.mu.RUnlock()
	if !stale {
		return
	}

	cfg := Default()
	data, err := os.ReadFile(m.path)
	if err != nil {
		log.WithError(err).Warn("config reload read failed")
		return
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.WithError(err).Warn("config reload parse failed, keeping current config")
		return
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Warn("config reload invalid, keeping current config")
		return
	}

	m.mu.Lock()
	m.lastMod = info.ModTime()
	m.mu.Unlock()
	m.swap(cfg)
}

func logChanges(old, cur *Config) {
	if old == nil || cur == nil {
		return
	}
	if old.Rotation.CallsPerRotation != cur.Rotation.CallsPerRotation {
		log.WithFields(log.Fields{"field": "calls_per_rotation", "old": old.Rotation.CallsPerRotation, "new": cur.Rotation.CallsPerRotation}).Info("config changed")
	}
	if old.Retry.MaxRetries429 != cur.Retry.MaxRetries429 {
		log.WithFields(log.Fields{"field": "retry_429_max_retries", "old": old.Retry.MaxRetries429, "new": cur.Retry.MaxRetries429}).Info("config changed")
	}
	if old.AntiTruncation.MaxAttempts != cur.AntiTruncation.MaxAttempts {
		log.WithFields(log.Fields{"field": "anti_truncation.max_attempts", "old": old.AntiTruncation.MaxAttempts, "new": cur.AntiTruncation.MaxAttempts}).Info("config changed")
	}
	if old.Server.Debug != cur.Server.Debug {
		log.WithFields(log.Fields{"field": "debug", "old": old.Server.Debug, "new": cur.Server.Debug}).Info("config changed")
	}
	if old.Credentials.Dir != cur.Credentials.Dir {
		log.WithFields(log.Fields{"field": "credentials.dir", "old": old.Credentials.Dir, "new": cur.Credentials.Dir}).Info("config changed")
	}
}
