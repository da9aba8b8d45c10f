package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	want := Default()
	want.DataDir = "/var/lib/driftsync"
	want.RemoteURL = "wss://sync.example.com/ws"
	want.UserID = "user-1"
	want.Sync.IntervalMS = 5000

	if err := Save(path, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.DataDir != want.DataDir || got.RemoteURL != want.RemoteURL || got.UserID != want.UserID {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
	if got.Sync.Interval() != 5*time.Second {
		t.Errorf("Interval() = %v, want 5s", got.Sync.Interval())
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("Load() should fail for missing file")
	}
}

func TestDefaultsWhenUnset(t *testing.T) {
	var s SyncConfig

	if s.Interval() != 10*time.Second {
		t.Errorf("Interval() = %v, want 10s", s.Interval())
	}
	if s.PushDebounce() != 100*time.Millisecond {
		t.Errorf("PushDebounce() = %v, want 100ms", s.PushDebounce())
	}
	if s.SameWriteWindow() != time.Second {
		t.Errorf("SameWriteWindow() = %v, want 1s", s.SameWriteWindow())
	}

	ep := s.EntityPolicy()
	if ep.Base != time.Second || ep.Cap != 16*time.Second || ep.MaxAttempts != 5 {
		t.Errorf("EntityPolicy() = %+v", ep)
	}
	fp := s.FeedPolicy()
	if fp.Base != 2*time.Second || fp.Cap != 32*time.Second || fp.MaxAttempts != 5 {
		t.Errorf("FeedPolicy() = %+v", fp)
	}
}

func TestBackoffOverride(t *testing.T) {
	s := SyncConfig{Entity: BackoffConfig{BaseMS: 500, MaxAttempts: 3}}

	p := s.EntityPolicy()
	if p.Base != 500*time.Millisecond {
		t.Errorf("Base = %v, want 500ms", p.Base)
	}
	if p.Cap != 16*time.Second {
		t.Errorf("Cap = %v, want default 16s", p.Cap)
	}
	if p.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", p.MaxAttempts)
	}
}
