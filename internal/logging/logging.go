// Package logging wires logrus for the whole gateway: stdout (JSON, or
// text in debug), an optional file mirror, and a hook that fans entries
// out to management WebSocket clients.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	setupMu sync.Mutex
	logFile *os.File
)

// Setup configures the global logrus logger. Idempotent; the most recent
// call wins, so config reloads may call it again.
func Setup(debug bool, logFilePath string) error {
	setupMu.Lock()
	defer setupMu.Unlock()

	var formatter log.Formatter = &log.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	level := log.InfoLevel
	if debug {
		formatter = &log.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339Nano}
		level = log.DebugLevel
	}
	log.SetFormatter(formatter)
	log.SetLevel(level)

	writers := []io.Writer{os.Stdout}

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	if logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logFile = f
		writers = append(writers, f)
	}

	log.SetOutput(io.MultiWriter(writers...))
	return nil
}
