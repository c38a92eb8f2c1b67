// Package settings persists the runtime state the sync engine owns: the
// access credential, the sync destination, and the sync checkpoint.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	DefaultSyncPath  = "Photonotes"
	DefaultImagePath = "assets"
)

// Settings mirrors the persisted plugin state. Timestamps are epoch
// milliseconds, matching what the remote service reports in its manifest.
type Settings struct {
	AccessToken    string `json:"accessToken"`
	ImagePath      string `json:"imagePath"`
	SyncPath       string `json:"syncPath"`
	AutoSync       bool   `json:"autoSync"`
	LastSyncedTime int64  `json:"lastSyncedTime"`
	SyncTimestamp  int64  `json:"syncTimestamp"`
}

// Checkpoint is the sync progress pair carried between reconciliation
// passes. SyncTimestamp is the high-water mark for the next manifest
// fetch; LastSyncedTime is wall-clock bookkeeping.
type Checkpoint struct {
	LastSyncedTime int64
	SyncTimestamp  int64
}

func defaults() Settings {
	return Settings{
		SyncPath:  DefaultSyncPath,
		ImagePath: DefaultImagePath,
	}
}

// File loads and saves Settings as a JSON document, merging defaults for
// absent fields. Safe for concurrent use.
type File struct {
	path string

	mu      sync.Mutex
	current Settings
	loaded  bool
}

// NewFile creates a settings file handle at path. Nothing is read until
// the first Load.
func NewFile(path string) (*File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("settings: path is required")
	}
	return &File{path: path, current: defaults()}, nil
}

// Path returns the backing file location.
func (f *File) Path() string {
	return f.path
}

// Load reads the settings file, merging stored values over defaults. A
// missing file yields pure defaults.
func (f *File) Load() (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return Settings{}, err
	}
	return f.current, nil
}

// Reload forces a fresh read on the next access, for callers reacting to
// an external edit of the settings file.
func (f *File) Reload() (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = false
	if err := f.loadLocked(); err != nil {
		return Settings{}, err
	}
	return f.current, nil
}

func (f *File) loadLocked() error {
	if f.loaded {
		return nil
	}
	f.loaded = true
	f.current = defaults()
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("settings: read %s: %w", f.path, err)
	}
	merged := defaults()
	if err := json.Unmarshal(data, &merged); err != nil {
		return fmt.Errorf("settings: parse %s: %w", f.path, err)
	}
	if strings.TrimSpace(merged.SyncPath) == "" {
		merged.SyncPath = DefaultSyncPath
	}
	if strings.TrimSpace(merged.ImagePath) == "" {
		merged.ImagePath = DefaultImagePath
	}
	f.current = merged
	return nil
}

// Update applies mutate to the current settings and persists the result
// atomically.
func (f *File) Update(mutate func(*Settings)) (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return Settings{}, err
	}
	next := f.current
	mutate(&next)
	if err := f.saveLocked(next); err != nil {
		return Settings{}, err
	}
	f.current = next
	return next, nil
}

// SaveCheckpoint persists an advanced checkpoint. Implements the
// checkpoint sink the reconciler and listener report into.
func (f *File) SaveCheckpoint(cp Checkpoint) error {
	_, err := f.Update(func(s *Settings) {
		s.LastSyncedTime = cp.LastSyncedTime
		s.SyncTimestamp = cp.SyncTimestamp
	})
	return err
}

// LoadCheckpoint returns the persisted checkpoint.
func (f *File) LoadCheckpoint() (Checkpoint, error) {
	s, err := f.Load()
	if err != nil {
		return Checkpoint{}, err
	}
	return Checkpoint{LastSyncedTime: s.LastSyncedTime, SyncTimestamp: s.SyncTimestamp}, nil
}

func (f *File) saveLocked(s Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("settings: create parent: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("settings: commit: %w", err)
	}
	return nil
}
