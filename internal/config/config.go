package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/matheus3301/driftsync/internal/backoff"
)

// Config represents the daemon's config.toml.
type Config struct {
	DataDir   string     `toml:"data_dir"`
	RemoteURL string     `toml:"remote_url"`
	UserID    string     `toml:"user_id"`
	Sync      SyncConfig `toml:"sync"`
}

// SyncConfig tunes the engine's timing. Zero values take defaults.
type SyncConfig struct {
	IntervalMS          int            `toml:"interval_ms"`
	PushDebounceMS      int            `toml:"push_debounce_ms"`
	ReconcileDebounceMS int            `toml:"reconcile_debounce_ms"`
	SameWriteWindowMS   int            `toml:"same_write_window_ms"`
	Entity              BackoffConfig  `toml:"entity_backoff"`
	Feed                BackoffConfig  `toml:"feed_backoff"`
}

// BackoffConfig configures one retry schedule.
type BackoffConfig struct {
	BaseMS      int `toml:"base_ms"`
	CapMS       int `toml:"cap_ms"`
	MaxAttempts int `toml:"max_attempts"`
}

// Default returns a config with engine defaults filled in.
func Default() *Config {
	return &Config{
		Sync: SyncConfig{
			IntervalMS:          10_000,
			PushDebounceMS:      100,
			ReconcileDebounceMS: 1_000,
			SameWriteWindowMS:   1_000,
			Entity:              BackoffConfig{BaseMS: 1_000, CapMS: 16_000, MaxAttempts: 5},
			Feed:                BackoffConfig{BaseMS: 2_000, CapMS: 32_000, MaxAttempts: 5},
		},
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (s SyncConfig) Interval() time.Duration          { return msOr(s.IntervalMS, 10*time.Second) }
func (s SyncConfig) PushDebounce() time.Duration      { return msOr(s.PushDebounceMS, 100*time.Millisecond) }
func (s SyncConfig) ReconcileDebounce() time.Duration { return msOr(s.ReconcileDebounceMS, time.Second) }
func (s SyncConfig) SameWriteWindow() time.Duration   { return msOr(s.SameWriteWindowMS, time.Second) }

// EntityPolicy converts the entity backoff settings into a policy,
// falling back to defaults where fields are unset.
func (s SyncConfig) EntityPolicy() backoff.Policy {
	return s.Entity.policy(backoff.EntityDefaults())
}

// FeedPolicy converts the feed backoff settings into a policy.
func (s SyncConfig) FeedPolicy() backoff.Policy {
	return s.Feed.policy(backoff.FeedDefaults())
}

func (b BackoffConfig) policy(def backoff.Policy) backoff.Policy {
	p := def
	if b.BaseMS > 0 {
		p.Base = time.Duration(b.BaseMS) * time.Millisecond
	}
	if b.CapMS > 0 {
		p.Cap = time.Duration(b.CapMS) * time.Millisecond
	}
	if b.MaxAttempts > 0 {
		p.MaxAttempts = b.MaxAttempts
	}
	return p
}

func msOr(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
