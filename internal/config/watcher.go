package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls when no interval is
// configured.
const DefaultWatchInterval = 2 * time.Second

// Reload describes an accepted change to the watched file.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// fileState identifies one version of the file. mtime and size are
// checked before the file is read; sum settles touch-only updates.
type fileState struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// Watcher polls a config file and reports valid changes.
type Watcher struct {
	path     string
	interval time.Duration
	onReload func(Reload)
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	seen    fileState
	// rejected is the checksum of the last invalid version, so one bad edit
	// is logged once rather than on every poll.
	rejected [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for reload and error messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.log = l }
}

// NewWatcher loads path and returns a watcher for it. Polling starts with
// [Watcher.Run]. onReload may be nil.
func NewWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onReload: onReload,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, st
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll()
		}
	}
}

// Poll checks the file once and reports whether a new config was accepted.
// onReload runs on the calling goroutine, after the watcher's state has
// been updated, so it may call Current.
func (w *Watcher) Poll() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime) && info.Size() == w.seen.size
	w.mu.Unlock()
	if unchanged {
		return false
	}

	cfg, st, err := w.read()

	w.mu.Lock()
	if err != nil {
		first := st.sum != w.rejected
		w.rejected = st.sum
		w.mu.Unlock()
		if first {
			w.log.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		}
		return false
	}
	w.rejected = [sha256.Size]byte{}
	if st.sum == w.seen.sum {
		w.seen = st
		w.mu.Unlock()
		return false
	}
	r := Reload{Old: w.current, New: cfg, Diff: Diff(w.current, cfg)}
	w.current, w.seen = cfg, st
	w.mu.Unlock()

	w.log.Info("config watcher: configuration reloaded", "path", w.path,
		"hot", r.Diff.LogLevelChanged || r.Diff.ThinkingDelayChanged,
		"restart_fields", r.Diff.RestartFields)
	if w.onReload != nil {
		w.onReload(r)
	}
	return true
}

// read loads the file. On a parse or validation error the returned state
// still carries the checksum of what was read.
func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	st := fileState{mtime: info.ModTime(), size: int64(len(data)), sum: sha256.Sum256(data)}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, st, err
	}
	return cfg, st, nil
}
