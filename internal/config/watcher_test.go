package config_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/murmur/internal/config"
)

const reloadBase = `
providers:
  stt: { name: deepgram }
  tts: { name: coqui }
session:
  system_prompt: You are terse.
`

// reload is one onChange invocation.
type reload struct {
	old, new *config.Config
	diff     config.ConfigDiff
}

// watch writes initial to a temp file and creates a watcher on it. Tests
// drive it with Poll.
func watch(t *testing.T, initial string, opts ...config.WatcherOption) (string, *config.Watcher, <-chan reload) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "murmur.yaml")
	rewrite(t, path, initial)

	reloads := make(chan reload, 8)
	w, err := config.NewWatcher(path, func(old, new *config.Config, diff config.ConfigDiff) {
		reloads <- reload{old: old, new: new, diff: diff}
	}, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return path, w, reloads
}

// rewrite replaces the file and moves its mtime forward so every write is
// visible to the watcher's mtime check.
func rewrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	mtime := time.Now().Add(time.Duration(len(content)) * time.Millisecond)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

// pollOnce polls w and returns the reload it reported, if any.
func pollOnce(w *config.Watcher, reloads <-chan reload) (reload, bool) {
	w.Poll()
	select {
	case r := <-reloads:
		return r, true
	default:
		return reload{}, false
	}
}

func mustReload(t *testing.T, w *config.Watcher, reloads <-chan reload) reload {
	t.Helper()
	r, ok := pollOnce(w, reloads)
	if !ok {
		t.Fatal("no reload reported")
	}
	return r
}

func TestWatcher_LiveFieldsReachCallback(t *testing.T) {
	t.Parallel()
	path, w, reloads := watch(t, reloadBase)

	rewrite(t, path, reloadBase+`
server:
  log_level: debug
`)
	r := mustReload(t, w, reloads)

	if !r.diff.LogLevelChanged || r.diff.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v, want log level debug", r.diff)
	}
	if r.diff.SystemPromptChanged || len(r.diff.RestartRequired) != 0 {
		t.Errorf("diff = %+v, want only the log level", r.diff)
	}
	if r.old.Server.LogLevel != config.LogInfo || r.new != w.Current() {
		t.Errorf("old level %q, new is current %v", r.old.Server.LogLevel, r.new == w.Current())
	}

	rewrite(t, path, `
providers:
  stt: { name: deepgram }
  tts: { name: coqui }
session:
  system_prompt: You are chatty.
server:
  log_level: debug
`)
	r = mustReload(t, w, reloads)
	if !r.diff.SystemPromptChanged || r.diff.NewSystemPrompt != "You are chatty." || r.diff.LogLevelChanged {
		t.Errorf("diff = %+v, want only the system prompt", r.diff)
	}
}

func TestWatcher_ReportsRestartSections(t *testing.T) {
	t.Parallel()
	path, w, reloads := watch(t, reloadBase)

	rewrite(t, path, `
providers:
  stt: { name: deepgram }
  tts: { name: elevenlabs, options: { voice_id: v1 } }
session:
  system_prompt: You are terse.
  segmenter:
    min_length: 8
resilience:
  max_failures: 5
`)
	r := mustReload(t, w, reloads)

	want := []string{"providers", "session", "resilience"}
	if !slices.Equal(r.diff.RestartRequired, want) {
		t.Errorf("restart required = %v, want %v", r.diff.RestartRequired, want)
	}
	if r.diff.SystemPromptChanged {
		t.Error("unchanged system prompt reported as changed")
	}
}

func TestWatcher_EquivalentEditSkipsCallback(t *testing.T) {
	t.Parallel()
	path, w, reloads := watch(t, reloadBase)
	initial := w.Current()

	// Spelled-out defaults and a comment decode to the same config.
	rewrite(t, path, "# tuned for the kitchen speaker\n"+reloadBase+`
audio:
  sample_rate: 16000
  channels: 1
`)
	if r, ok := pollOnce(w, reloads); ok {
		t.Errorf("onChange called for an equivalent edit: %+v", r.diff)
	}
	if w.Current() == initial {
		t.Error("equivalent edit was not loaded")
	}

	// Touching the file without changing it is not a reload either.
	now := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if _, ok := pollOnce(w, reloads); ok {
		t.Error("onChange called for a touch")
	}
}

func TestWatcher_RejectedFileKeepsConfig(t *testing.T) {
	t.Parallel()
	path, w, reloads := watch(t, reloadBase)
	initial := w.Current()

	rewrite(t, path, reloadBase+`
  history_turns: -1
`)
	if _, ok := pollOnce(w, reloads); ok {
		t.Error("onChange called for a rejected file")
	}
	if w.Current() != initial {
		t.Fatal("rejected file replaced the current config")
	}
	rewrite(t, path, reloadBase+`
  history_turns: 2
`)
	r := mustReload(t, w, reloads)
	if r.old != initial || r.new.Session.HistoryTurns != 2 {
		t.Errorf("reload old initial=%v history_turns=%d, want initial and 2", r.old == initial, r.new.Session.HistoryTurns)
	}
	if !slices.Equal(r.diff.RestartRequired, []string{"session"}) {
		t.Errorf("restart required = %v, want [session]", r.diff.RestartRequired)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/murmur.yaml", nil); err == nil {
		t.Fatal("expected error for a missing file")
	}

	path := filepath.Join(t.TempDir(), "murmur.yaml")
	rewrite(t, path, "providers: {}\n")
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for a config without providers")
	}
}

func TestWatcher_RunPollsUntilCancelled(t *testing.T) {
	t.Parallel()
	path, w, reloads := watch(t, reloadBase, config.WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	rewrite(t, path, reloadBase+`
server:
  log_level: warn
`)
	select {
	case r := <-reloads:
		if r.diff.NewLogLevel != config.LogWarn {
			t.Errorf("new log level = %q, want warn", r.diff.NewLogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not report the reload")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
