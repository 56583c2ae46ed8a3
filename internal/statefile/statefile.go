// Package statefile persists pod state as a YAML file so a restarted host
// keeps its pairing, sequence numbers, and unresolved doses.
package statefile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/podlink/internal/pod"
)

// Store reads and writes one state file.
type Store struct {
	path string
}

// New returns a store for path. The file is created on first Save.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the saved state. A missing file yields the zero state: no pod.
func (s *Store) Load() (pod.State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return pod.State{}, nil
	}
	if err != nil {
		return pod.State{}, fmt.Errorf("statefile: read: %w", err)
	}
	var st pod.State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return pod.State{}, fmt.Errorf("statefile: parse %s: %w", s.path, err)
	}
	return st, nil
}

// Save replaces the state file. The new content is written to a temporary
// file first so a crash never leaves a truncated state behind.
func (s *Store) Save(st pod.State) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("statefile: marshal: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("statefile: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("statefile: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("statefile: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("statefile: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("statefile: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("statefile: rename: %w", err)
	}
	return nil
}
