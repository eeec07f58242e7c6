package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// DefaultWatchInterval is how often [Watcher.Run] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// stamp is the cheap file signature compared on every poll. The content hash
// is only computed once the stamp moves.
type stamp struct {
	size int64
	mod  time.Time
}

// Watcher keeps the last valid configuration loaded from a file and reports
// content changes to a callback. Files that fail to decode or validate are
// logged and ignored, so a bad edit never replaces a working config.
type Watcher struct {
	fs       afero.Fs
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config
	sum     [sha256.Size]byte
	seen    stamp
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithFS reads the file from fsys instead of the OS file system.
func WithFS(fsys afero.Fs) WatcherOption {
	return func(w *Watcher) {
		if fsys != nil {
			w.fs = fsys
		}
	}
}

// NewWatcher loads path once and returns a watcher holding the result. The
// initial load must succeed. onChange may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		fs:       afero.NewOsFs(),
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	st, err := w.stat()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, sum, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.sum, w.seen = cfg, sum, st
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is cancelled. A poll whose stat matches the
// previous one does no further work.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		st, err := w.stat()
		if err != nil {
			slog.Warn("config: cannot stat watched file", "path", w.path, "err", err)
			continue
		}
		w.mu.Lock()
		same := st == w.seen
		w.mu.Unlock()
		if same {
			continue
		}
		if _, err := w.reload(st); err != nil {
			slog.Warn("config: reload rejected, keeping previous config", "path", w.path, "err", err)
		}
	}
}

// Reload reads the file now, regardless of its stat, and reports whether the
// content differed from the current config. On error the current config is
// kept.
func (w *Watcher) Reload() (bool, error) {
	st, err := w.stat()
	if err != nil {
		return false, fmt.Errorf("config: reload %q: %w", w.path, err)
	}
	return w.reload(st)
}

func (w *Watcher) reload(st stamp) (bool, error) {
	cfg, sum, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	w.seen = st
	if sum == w.sum {
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.sum = cfg, sum
	w.mu.Unlock()

	slog.Info("config: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

func (w *Watcher) stat() (stamp, error) {
	info, err := w.fs.Stat(w.path)
	if err != nil {
		return stamp{}, err
	}
	return stamp{size: info.Size(), mod: info.ModTime()}, nil
}

func (w *Watcher) read() (*Config, [sha256.Size]byte, error) {
	data, err := afero.ReadFile(w.fs, w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}
