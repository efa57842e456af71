// Package preferences persists the few user settings that survive restarts.
package preferences

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// DeveloperMessageKey names the default developer instruction
const DeveloperMessageKey = "gpt-developer-message-default"

// Store is a flat string map kept in a JSON file. Writes go through a
// temporary file so a crash never leaves a truncated document.
type Store struct {
	path string

	mu     sync.Mutex
	values map[string]string
	loaded bool
}

// NewStore creates a store backed by path. The file is read lazily.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file
func (s *Store) Path() string {
	return s.path
}

// Get returns the value for key and whether it was set
func (s *Store) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return "", false, err
	}
	v, ok := s.values[key]
	return v, ok, nil
}

// Set stores value under key. An empty value removes the key.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	if value == "" {
		delete(s.values, key)
	} else {
		s.values[key] = value
	}
	return s.saveLocked()
}

// DeveloperMessage returns the saved default developer instruction
func (s *Store) DeveloperMessage() (string, error) {
	v, _, err := s.Get(DeveloperMessageKey)
	return v, err
}

// SetDeveloperMessage saves the default developer instruction
func (s *Store) SetDeveloperMessage(msg string) error {
	return s.Set(DeveloperMessageKey, msg)
}

func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}
	s.values = map[string]string{}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read preferences: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.values); err != nil {
			return fmt.Errorf("failed to parse preferences: %w", err)
		}
	}
	s.loaded = true
	return nil
}

func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create preferences directory: %w", err)
	}
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal preferences: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".preferences-*")
	if err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	return nil
}
