package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestFile(t *testing.T) *File {
	t.Helper()
	f, err := NewFile(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("new settings file failed: %v", err)
	}
	return f
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	f := newTestFile(t)
	s, err := f.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if s.SyncPath != DefaultSyncPath {
		t.Fatalf("expected default sync path, got %q", s.SyncPath)
	}
	if s.ImagePath != DefaultImagePath {
		t.Fatalf("expected default image path, got %q", s.ImagePath)
	}
	if s.SyncTimestamp != 0 || s.LastSyncedTime != 0 {
		t.Fatalf("expected zero checkpoint, got %+v", s)
	}
}

func TestLoadMergesStoredValuesOverDefaults(t *testing.T) {
	f := newTestFile(t)
	doc := `{"accessToken":"tok_1","syncTimestamp":1234,"syncPath":""}`
	if err := os.WriteFile(f.Path(), []byte(doc), 0o644); err != nil {
		t.Fatalf("seed settings failed: %v", err)
	}
	s, err := f.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if s.AccessToken != "tok_1" {
		t.Fatalf("expected stored token, got %q", s.AccessToken)
	}
	if s.SyncTimestamp != 1234 {
		t.Fatalf("expected stored checkpoint, got %d", s.SyncTimestamp)
	}
	if s.SyncPath != DefaultSyncPath {
		t.Fatalf("expected empty sync path to fall back to default, got %q", s.SyncPath)
	}
}

func TestUpdatePersistsAtomically(t *testing.T) {
	f := newTestFile(t)
	if _, err := f.Update(func(s *Settings) {
		s.AccessToken = "tok_2"
		s.AutoSync = true
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	data, err := os.ReadFile(f.Path())
	if err != nil {
		t.Fatalf("read persisted settings failed: %v", err)
	}
	var persisted Settings
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("parse persisted settings failed: %v", err)
	}
	if persisted.AccessToken != "tok_2" || !persisted.AutoSync {
		t.Fatalf("unexpected persisted settings: %+v", persisted)
	}
	if _, err := os.Stat(f.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("expected temp file to be gone after commit")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	f := newTestFile(t)
	if err := f.SaveCheckpoint(Checkpoint{LastSyncedTime: 99, SyncTimestamp: 77}); err != nil {
		t.Fatalf("save checkpoint failed: %v", err)
	}
	cp, err := f.LoadCheckpoint()
	if err != nil {
		t.Fatalf("load checkpoint failed: %v", err)
	}
	if cp.LastSyncedTime != 99 || cp.SyncTimestamp != 77 {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}

	// A second handle on the same path sees the persisted checkpoint.
	fresh, err := NewFile(f.Path())
	if err != nil {
		t.Fatalf("new handle failed: %v", err)
	}
	cp, err = fresh.LoadCheckpoint()
	if err != nil {
		t.Fatalf("load from fresh handle failed: %v", err)
	}
	if cp.SyncTimestamp != 77 {
		t.Fatalf("expected persisted checkpoint via fresh handle, got %+v", cp)
	}
}

func TestReloadPicksUpExternalEdit(t *testing.T) {
	f := newTestFile(t)
	if _, err := f.Update(func(s *Settings) { s.AccessToken = "old" }); err != nil {
		t.Fatalf("seed update failed: %v", err)
	}
	doc := `{"accessToken":"external","syncPath":"Vault"}`
	if err := os.WriteFile(f.Path(), []byte(doc), 0o644); err != nil {
		t.Fatalf("external edit failed: %v", err)
	}
	s, err := f.Reload()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if s.AccessToken != "external" || s.SyncPath != "Vault" {
		t.Fatalf("expected reloaded settings, got %+v", s)
	}
}
