package config_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/airea/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
device:
  id: watcher-device
detector:
  trigger_threshold: 200
`

const watcherUpdatedYAML = `
server:
  log_level: debug
device:
  id: watcher-device
detector:
  trigger_threshold: 300
`

const watcherInvalidYAML = `
server:
  log_level: bananas
device:
  id: watcher-device
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

// watchedFile writes content to a fresh config file and returns its path.
func watchedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "airea.yaml")
	writeFile(t, path, content)
	return path
}

// reloads counts watcher callbacks and keeps the last pair.
type reloads struct {
	mu       sync.Mutex
	n        int
	old, new *config.Config
	signal   chan struct{}
}

func newReloads() *reloads { return &reloads{signal: make(chan struct{}, 1)} }

func (r *reloads) record(old, new *config.Config) {
	r.mu.Lock()
	r.n++
	r.old, r.new = old, new
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *reloads) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func startWatcher(t *testing.T, path string, r *reloads) *config.Watcher {
	t.Helper()
	var cb func(old, new *config.Config)
	if r != nil {
		cb = r.record
	}
	w, err := config.NewWatcher(path, cb, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w := startWatcher(t, watchedFile(t, watcherValidYAML), nil)
	if cfg := w.Current(); cfg == nil || cfg.Server.LogLevel != config.LogInfo {
		t.Fatalf("Current() = %+v", cfg)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path := watchedFile(t, watcherValidYAML)
	r := newReloads()
	w := startWatcher(t, path, r)

	time.Sleep(60 * time.Millisecond)
	writeFile(t, path, watcherUpdatedYAML)
	select {
	case <-r.signal:
	case <-time.After(2 * time.Second):
		t.Fatal("no reload within 2s")
	}

	r.mu.Lock()
	old, updated := r.old, r.new
	r.mu.Unlock()
	if old.Server.LogLevel != config.LogInfo || updated.Server.LogLevel != config.LogDebug {
		t.Errorf("reload levels %q -> %q", old.Server.LogLevel, updated.Server.LogLevel)
	}
	d := config.Diff(old, updated)
	if !d.LogLevelChanged || !slices.Equal(d.RestartRequired, []string{"detector"}) {
		t.Errorf("Diff = %+v", d)
	}
	if w.Current().Detector.TriggerThreshold != 300 {
		t.Errorf("Current() not updated")
	}
}

func TestWatcher_NoReload(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		change func(t *testing.T, path string)
	}{
		{"invalid content", func(t *testing.T, path string) { writeFile(t, path, watcherInvalidYAML) }},
		{"touch only", func(t *testing.T, path string) {
			later := time.Now().Add(time.Second)
			if err := os.Chtimes(path, later, later); err != nil {
				t.Fatalf("touch: %v", err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := watchedFile(t, watcherValidYAML)
			r := newReloads()
			w := startWatcher(t, path, r)

			time.Sleep(60 * time.Millisecond)
			tt.change(t, path)
			time.Sleep(200 * time.Millisecond)

			if n := r.count(); n != 0 {
				t.Errorf("callback fired %d times", n)
			}
			if w.Current().Server.LogLevel != config.LogInfo {
				t.Error("previous config was replaced")
			}
		})
	}
}

// lockedBuffer is a log sink safe for the polling goroutine.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatcher_RejectedOnceThenRecovers(t *testing.T) {
	t.Parallel()
	cfgPath := watchedFile(t, watcherValidYAML)

	var logs lockedBuffer
	called := make(chan *config.Config, 1)
	w, err := config.NewWatcher(cfgPath, func(_, new *config.Config) {
		called <- new
	}, config.WithInterval(20*time.Millisecond),
		config.WithWatcherLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(60 * time.Millisecond)
	writeFile(t, cfgPath, watcherInvalidYAML)
	time.Sleep(150 * time.Millisecond)
	later := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(cfgPath, later, later); err != nil {
		t.Fatalf("touch: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	if n := strings.Count(logs.String(), "config change rejected"); n != 1 {
		t.Errorf("rejection logged %d times, want 1:\n%s", n, logs.String())
	}

	writeFile(t, cfgPath, watcherUpdatedYAML)
	select {
	case cfg := <-called:
		if cfg.Detector.TriggerThreshold != 300 {
			t.Errorf("trigger_threshold = %v, want 300", cfg.Detector.TriggerThreshold)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fixed config was not picked up")
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want os.ErrNotExist", err)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	w := startWatcher(t, watchedFile(t, watcherValidYAML), nil)
	w.Stop()
	w.Stop()
}

func TestWatcher_StopOnDone(t *testing.T) {
	t.Parallel()
	path := watchedFile(t, watcherValidYAML)
	r := newReloads()
	w := startWatcher(t, path, r)

	ctx, cancel := context.WithCancel(context.Background())
	w.StopOnDone(ctx)
	cancel()

	time.Sleep(60 * time.Millisecond)
	writeFile(t, path, watcherUpdatedYAML)
	time.Sleep(150 * time.Millisecond)
	if n := r.count(); n != 0 {
		t.Errorf("callback fired %d times after the context ended", n)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()
	cfgPath := watchedFile(t, watcherValidYAML)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Device.ID != "watcher-device" || cfg.Detector.TriggerThreshold != 200 {
		t.Errorf("cfg = %+v", cfg)
	}

	_, err = config.Load(filepath.Join(filepath.Dir(cfgPath), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file err = %v, want os.ErrNotExist", err)
	}

	writeFile(t, cfgPath, watcherInvalidYAML)
	if _, err := config.Load(cfgPath); err == nil {
		t.Error("expected error for invalid log level")
	}
}
