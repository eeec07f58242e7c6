package config_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/MrWong99/earshot/internal/config"
)

const (
	watcherPath = "/etc/earshot/config.yaml"

	watcherValidYAML = `
server:
  log_level: info
providers:
  stt:
    name: whisper
`

	watcherUpdatedYAML = `
server:
  log_level: debug
calibration:
  margin: 5
providers:
  stt:
    name: whisper
`

	watcherInvalidYAML = `
server:
  log_level: bananas
`
)

// writeConfig writes content and sets an explicit mtime so polls see a new
// stat even when writes land within the same clock tick.
func writeConfig(t *testing.T, fsys afero.Fs, content string, mtime time.Time) {
	t.Helper()
	if err := afero.WriteFile(fsys, watcherPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := fsys.Chtimes(watcherPath, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

// changeRecorder collects onChange calls.
type changeRecorder struct {
	mu    sync.Mutex
	pairs [][2]*config.Config
	ch    chan struct{}
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{ch: make(chan struct{}, 8)}
}

func (r *changeRecorder) record(old, new *config.Config) {
	r.mu.Lock()
	r.pairs = append(r.pairs, [2]*config.Config{old, new})
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pairs)
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	fsys := afero.NewMemMapFs()
	writeConfig(t, fsys, watcherValidYAML, time.Now())

	w, err := config.NewWatcher(watcherPath, nil, config.WithFS(fsys))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log level = %q, want info", got)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	fsys := afero.NewMemMapFs()
	writeConfig(t, fsys, watcherInvalidYAML, time.Now())

	if _, err := config.NewWatcher(watcherPath, nil, config.WithFS(fsys)); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
	if _, err := config.NewWatcher("/does/not/exist.yaml", nil, config.WithFS(fsys)); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		next        string
		wantChanged bool
		wantErr     bool
	}{
		{name: "content changed", next: watcherUpdatedYAML, wantChanged: true},
		{name: "identical content", next: watcherValidYAML},
		{name: "invalid content", next: watcherInvalidYAML, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fsys := afero.NewMemMapFs()
			start := time.Now()
			writeConfig(t, fsys, watcherValidYAML, start)

			rec := newChangeRecorder()
			w, err := config.NewWatcher(watcherPath, rec.record, config.WithFS(fsys))
			if err != nil {
				t.Fatalf("NewWatcher: %v", err)
			}
			initial := w.Current()

			writeConfig(t, fsys, tt.next, start.Add(time.Second))
			changed, err := w.Reload()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Reload error = %v, wantErr %v", err, tt.wantErr)
			}
			if changed != tt.wantChanged {
				t.Errorf("changed = %v, want %v", changed, tt.wantChanged)
			}

			if !tt.wantChanged {
				if w.Current() != initial {
					t.Error("current config replaced without a content change")
				}
				if n := rec.count(); n != 0 {
					t.Errorf("onChange called %d times, want 0", n)
				}
				return
			}

			if n := rec.count(); n != 1 {
				t.Fatalf("onChange called %d times, want 1", n)
			}
			pair := rec.pairs[0]
			if pair[0] != initial || pair[1] != w.Current() {
				t.Error("onChange did not receive the previous and current configs")
			}
			d := config.Diff(pair[0], pair[1])
			if !d.LogLevelChanged || !d.Recalibrate {
				t.Errorf("diff = %+v, want log level and recalibrate", d)
			}
		})
	}
}

func TestWatcher_RunPolls(t *testing.T) {
	t.Parallel()
	fsys := afero.NewMemMapFs()
	start := time.Now()
	writeConfig(t, fsys, watcherValidYAML, start)

	rec := newChangeRecorder()
	w, err := config.NewWatcher(watcherPath, rec.record,
		config.WithFS(fsys), config.WithInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeConfig(t, fsys, watcherUpdatedYAML, start.Add(time.Second))
	select {
	case <-rec.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("polling did not pick up the change")
	}
	if got := w.Current().Server.LogLevel; got != config.LogDebug {
		t.Errorf("log level = %q, want debug", got)
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

func TestWatcher_RunSurvivesMissingFile(t *testing.T) {
	t.Parallel()
	fsys := afero.NewMemMapFs()
	writeConfig(t, fsys, watcherValidYAML, time.Now())

	w, err := config.NewWatcher(watcherPath, nil, config.WithFS(fsys), config.WithInterval(5*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	initial := w.Current()
	if err := fsys.Remove(watcherPath); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
	if w.Current() != initial {
		t.Error("missing file replaced the current config")
	}
	if _, err := w.Reload(); err == nil {
		t.Error("Reload of a missing file should fail")
	}
}
