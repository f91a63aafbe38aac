package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bigmoletos/whisper-sub001/internal/config"
)

// Files written next to the transcript database in the session directory.
const (
	MetaFileName           = "session.json"
	ConfigSnapshotFileName = "config.yaml"
)

// Meta is the persisted session identity, used to rebuild a session from its
// directory after a crash.
type Meta struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Participants []string  `json:"participants,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
	State        string    `json:"state"`
}

// WriteMeta persists the session metadata.
func WriteMeta(dir string, meta Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetaFileName), data, 0o644); err != nil {
		return fmt.Errorf("write session meta: %w", err)
	}
	return nil
}

// ReadMeta loads the session metadata from a session directory.
func ReadMeta(dir string) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaFileName))
	if err != nil {
		return Meta{}, fmt.Errorf("read session meta: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("decode session meta: %w", err)
	}
	return meta, nil
}

// WriteConfigSnapshot records the configuration the session was created
// with. Resume applies the snapshot, not the daemon's current config, so a
// config change between runs cannot shift window or interval geometry
// mid-session.
func WriteConfigSnapshot(dir string, cfg config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigSnapshotFileName), data, 0o644); err != nil {
		return fmt.Errorf("write config snapshot: %w", err)
	}
	return nil
}

// ReadConfigSnapshot loads the session's configuration snapshot.
func ReadConfigSnapshot(dir string) (config.Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigSnapshotFileName))
	if err != nil {
		return config.Config{}, fmt.Errorf("read config snapshot: %w", err)
	}
	cfg := config.Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return config.Config{}, fmt.Errorf("decode config snapshot: %w", err)
	}
	return cfg, nil
}
