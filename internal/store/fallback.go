package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Fallback mirrors the latest configuration revision to a local JSON file so
// the agent can restore configuration when the history store is unreachable.
type Fallback struct {
	path string
}

func NewFallback(path string) *Fallback {
	return &Fallback{path: path}
}

// Save atomically replaces the mirror with the given revision.
func (f *Fallback) Save(v ConfigVersion) error {
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create fallback dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fallback config: %w", err)
	}

	// Atomic write using temp file + rename
	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write fallback config: %w", err)
	}
	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename fallback config: %w", err)
	}
	return nil
}

// Load returns the mirrored revision, or (nil, nil) when no mirror exists.
func (f *Fallback) Load() (*ConfigVersion, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read fallback config: %w", err)
	}
	var v ConfigVersion
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal fallback config: %w", err)
	}
	return &v, nil
}
