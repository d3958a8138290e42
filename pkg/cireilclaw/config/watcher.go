package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Watcher polls a set of config files by mtime and reports changes.
// Polling keeps hot-reload dependency-free and works on every
// filesystem agents end up on (NFS, bind mounts, containers).
type Watcher struct {
	files    []string
	interval time.Duration
	onChange func(path string)
	logger   *slog.Logger
	mtimes   map[string]time.Time
}

// NewWatcher watches the given files. onChange runs on the watcher
// goroutine once per changed file per tick; appearing and disappearing
// files count as changes.
func NewWatcher(files []string, interval time.Duration, onChange func(path string), logger *slog.Logger) *Watcher {
	return &Watcher{
		files:    files,
		interval: interval,
		onChange: onChange,
		logger:   logger.With("component", "config-watcher"),
		mtimes:   make(map[string]time.Time, len(files)),
	}
}

// Start polls until ctx is cancelled. The first poll primes the mtime
// table without firing onChange.
func (w *Watcher) Start(ctx context.Context) {
	w.poll(false)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(true)
		}
	}
}

func (w *Watcher) poll(fire bool) {
	for _, path := range w.files {
		var mtime time.Time
		if info, err := os.Stat(path); err == nil {
			mtime = info.ModTime()
		}
		prev, seen := w.mtimes[path]
		w.mtimes[path] = mtime
		if !fire || (seen && prev.Equal(mtime)) {
			continue
		}
		if !seen && mtime.IsZero() {
			continue
		}
		w.logger.Info("config change detected", "file", filepath.Base(path))
		w.onChange(path)
	}
}
