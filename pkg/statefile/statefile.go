// Package statefile persists pipeline state between command invocations as
// a flat YAML document. Each pipeline stage records what it learned
// (commit hashes, artifact paths, job ids) for later stages and reporting.
package statefile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// File reads and updates one on-disk state document.
type File struct {
	path string
}

func New(path string) *File {
	return &File{path: path}
}

func (f *File) Path() string { return f.path }

// Read loads the current state. A missing file yields an empty state.
func (f *File) Read() (map[string]any, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	state := map[string]any{}
	if err := yaml.Unmarshal(b, &state); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return state, nil
}

// Update merges updates into the stored state and writes it back. The write
// goes through a temp file and rename so a crash never leaves a truncated
// state document.
func (f *File) Update(updates map[string]any) error {
	state, err := f.Read()
	if err != nil {
		return err
	}
	for key, val := range updates {
		if val == nil {
			continue
		}
		state[key] = val
	}

	b, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

// GetString returns a state value as a string, or "" when absent.
func (f *File) GetString(key string) (string, error) {
	state, err := f.Read()
	if err != nil {
		return "", err
	}
	val, ok := state[key]
	if !ok || val == nil {
		return "", nil
	}
	return fmt.Sprintf("%v", val), nil
}

// Destroy removes the state file. Removing a file that does not exist is
// not an error.
func (f *File) Destroy() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete state file: %w", err)
	}
	return nil
}
