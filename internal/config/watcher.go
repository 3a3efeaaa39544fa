package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

const defaultWatchInterval = 5 * time.Second

// snapshot is one observed state of the config file.
type snapshot struct {
	cfg     *Config
	sum     [sha256.Size]byte
	modTime time.Time
	size    int64
}

// Watcher polls a config file and hands every new valid configuration to a
// callback. A file that fails to parse or validate is reported once per
// distinct content and the previous configuration stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	cur atomic.Pointer[snapshot]

	// seen is the stat of the last file examined, valid or not.
	seenMod  time.Time
	seenSize int64
	rejected [sha256.Size]byte

	stop context.CancelFunc
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger for reload messages.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads the config at path and polls it in the background until
// [Watcher.Stop]. onChange may be nil; it runs on the polling goroutine.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultWatchInterval,
		onChange: onChange,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, data, err := w.read()
	if err == nil {
		snap.cfg, err = Parse(data)
	}
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.cur.Store(snap)
	w.seenMod, w.seenSize = snap.modTime, snap.size

	ctx, cancel := context.WithCancel(context.Background())
	w.stop = cancel
	go w.poll(ctx)
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	return w.cur.Load().cfg
}

// Stop ends polling. Safe to call more than once.
func (w *Watcher) Stop() { w.stop() }

// StopOnDone stops the watcher once ctx is cancelled.
func (w *Watcher) StopOnDone(ctx context.Context) {
	context.AfterFunc(ctx, w.Stop)
}

func (w *Watcher) poll(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ctx.Err() == nil {
				w.check()
			}
		}
	}
}

// check reloads the file when its stat changed and its content differs from
// both the current config and the last rejected content.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config file unreadable", "path", w.path, "err", err)
		return
	}
	if info.ModTime().Equal(w.seenMod) && info.Size() == w.seenSize {
		return
	}
	w.seenMod, w.seenSize = info.ModTime(), info.Size()

	next, data, err := w.read()
	if err != nil {
		w.log.Warn("config file unreadable", "path", w.path, "err", err)
		return
	}
	prev := w.cur.Load()
	if next.sum == prev.sum || next.sum == w.rejected {
		return
	}
	if next.cfg, err = Parse(data); err != nil {
		w.rejected = next.sum
		w.log.Warn("config change rejected, keeping previous config", "path", w.path, "err", err)
		return
	}

	w.cur.Store(next)
	w.log.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(prev.cfg, next.cfg)
	}
}

// read returns the stat and checksum of the file together with its bytes.
// The returned snapshot has no config yet.
func (w *Watcher) read() (*snapshot, []byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, nil, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, nil, err
	}
	return &snapshot{
		sum:     sha256.Sum256(data),
		modTime: info.ModTime(),
		size:    info.Size(),
	}, data, nil
}
