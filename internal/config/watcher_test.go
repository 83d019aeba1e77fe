package config_test

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/nexuslive/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
provider:
  name: gemini-live
  api_key: test-key
session:
  thinking_delay: 1200ms
`

const watcherUpdatedYAML = `
server:
  log_level: debug
provider:
  name: gemini-live
  api_key: test-key
session:
  thinking_delay: 750ms
  voice: Puck
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// bumpMtime moves the file's mtime forward so a rewrite is always visible,
// even on filesystems with coarse timestamps.
func bumpMtime(t *testing.T, path string, by time.Duration) {
	t.Helper()
	at := time.Now().Add(by)
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func newTestWatcher(t *testing.T, content string, onReload func(config.Reload)) (*config.Watcher, string, *bytes.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nexuslive.yaml")
	writeFile(t, path, content)
	var logs bytes.Buffer
	w, err := config.NewWatcher(path, onReload,
		config.WithWatcherLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w, path, &logs
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()

	w, _, _ := newTestWatcher(t, watcherValidYAML, nil)
	cfg := w.Current()
	if cfg == nil || cfg.Server.LogLevel != config.LogInfo {
		t.Fatalf("Current() = %+v, want log_level info", cfg)
	}
	if w.Poll() {
		t.Error("Poll on an unchanged file reported a reload")
	}
}

func TestWatcher_ReportsDiff(t *testing.T) {
	t.Parallel()

	var got []config.Reload
	w, path, _ := newTestWatcher(t, watcherValidYAML, func(r config.Reload) { got = append(got, r) })

	writeFile(t, path, watcherUpdatedYAML)
	bumpMtime(t, path, time.Second)
	if !w.Poll() {
		t.Fatal("Poll did not accept the new config")
	}

	if len(got) != 1 {
		t.Fatalf("onReload calls = %d, want 1", len(got))
	}
	r := got[0]
	if r.Old.Server.LogLevel != config.LogInfo || r.New.Server.LogLevel != config.LogDebug {
		t.Errorf("old/new log levels = %q/%q", r.Old.Server.LogLevel, r.New.Server.LogLevel)
	}
	if !r.Diff.LogLevelChanged || !r.Diff.ThinkingDelayChanged || r.Diff.NewThinkingDelay != 750*time.Millisecond {
		t.Errorf("diff = %+v", r.Diff)
	}
	if len(r.Diff.RestartFields) != 1 || r.Diff.RestartFields[0] != "session.voice" {
		t.Errorf("restart fields = %v, want [session.voice]", r.Diff.RestartFields)
	}
	if w.Current() != r.New {
		t.Error("Current() should return the accepted config")
	}
}

func TestWatcher_InvalidFileKeepsConfigAndLogsOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	w, path, logs := newTestWatcher(t, watcherValidYAML, func(config.Reload) { calls++ })

	writeFile(t, path, watcherInvalidYAML)
	bumpMtime(t, path, time.Second)
	for range 3 {
		if w.Poll() {
			t.Fatal("invalid config accepted")
		}
	}
	if calls != 0 {
		t.Errorf("onReload calls = %d, want 0", calls)
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Error("previous config not kept")
	}
	if n := strings.Count(logs.String(), "keeping previous config"); n != 1 {
		t.Errorf("rejection logged %d times, want 1:\n%s", n, logs.String())
	}

	writeFile(t, path, watcherUpdatedYAML)
	bumpMtime(t, path, 2*time.Second)
	if !w.Poll() || calls != 1 {
		t.Errorf("fixed file not accepted (calls = %d)", calls)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()

	calls := 0
	w, path, _ := newTestWatcher(t, watcherValidYAML, func(config.Reload) { calls++ })

	bumpMtime(t, path, time.Second)
	if w.Poll() || calls != 0 {
		t.Errorf("touch-only update reported a reload (calls = %d)", calls)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Fatal("expected an error for a missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	writeFile(t, path, watcherInvalidYAML)
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected an error for an invalid file")
	}
}

func TestWatcher_RunPollsUntilCancelled(t *testing.T) {
	t.Parallel()

	reloaded := make(chan config.Reload, 1)
	path := filepath.Join(t.TempDir(), "nexuslive.yaml")
	writeFile(t, path, watcherValidYAML)
	w, err := config.NewWatcher(path, func(r config.Reload) { reloaded <- r },
		config.WithInterval(10*time.Millisecond),
		config.WithWatcherLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	writeFile(t, path, watcherUpdatedYAML)
	bumpMtime(t, path, time.Second)
	select {
	case r := <-reloaded:
		if r.New.Session.Voice != "Puck" {
			t.Errorf("reloaded voice = %q", r.New.Session.Voice)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not pick up the change")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
