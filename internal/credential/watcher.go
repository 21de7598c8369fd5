package credential

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// WatchDir reloads the store when credential files appear, change or
// vanish. Events are debounced; editors and the token writeback produce
// bursts. Blocks until ctx is done.
func (s *Store) WatchDir(ctx context.Context, dir string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("credential dir watcher unavailable")
		return
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		log.WithError(err).WithField("dir", dir).Warn("cannot watch credentials dir")
		return
	}
	log.WithField("dir", dir).Info("credentials dir watcher started")

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") || strings.HasSuffix(event.Name, ".state.json") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				s.Reload(context.Background())
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("credentials dir watcher error")
		case <-ctx.Done():
			return
		}
	}
}
