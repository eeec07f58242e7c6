package calibrate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
)

// Store persists the last profile so that restarts in the same room can skip
// sampling.
type Store struct {
	fs     afero.Fs
	path   string
	maxAge time.Duration
	now    func() time.Time
}

// NewStore returns a Store writing to path on fsys. Profiles older than
// maxAge are ignored by [Store.Load]; a zero maxAge disables reuse.
func NewStore(fsys afero.Fs, path string, maxAge time.Duration) *Store {
	return &Store{fs: fsys, path: path, maxAge: maxAge, now: time.Now}
}

// Load returns the cached profile. ok is false when there is no file, the
// profile is a fallback, or it is older than the configured age.
func (s *Store) Load() (p Profile, ok bool, err error) {
	if s.maxAge <= 0 {
		return Profile{}, false, nil
	}
	data, err := afero.ReadFile(s.fs, s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, fmt.Errorf("calibrate: read profile %q: %w", s.path, err)
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, false, fmt.Errorf("calibrate: decode profile %q: %w", s.path, err)
	}
	if p.Fallback || p.Threshold < Floor || s.now().Sub(p.MeasuredAt) > s.maxAge {
		return Profile{}, false, nil
	}
	return p, true, nil
}

// Save writes p. Fallback profiles are not persisted.
func (s *Store) Save(p Profile) error {
	if p.Fallback {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("calibrate: create profile dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("calibrate: encode profile: %w", err)
	}
	if err := afero.WriteFile(s.fs, s.path, data, 0o644); err != nil {
		return fmt.Errorf("calibrate: write profile %q: %w", s.path, err)
	}
	return nil
}
