// Package filestore keeps named configuration documents as files under one
// directory, with bundled defaults behind them.
package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Store is a directory of named documents ("settings/profile.json").
type Store struct {
	dir      string
	defaults fs.FS
}

// New returns a store rooted at dir. defaults may be nil.
func New(dir string, defaults fs.FS) *Store {
	return &Store{dir: dir, defaults: defaults}
}

func (s *Store) path(name string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(name))[1:]
	if clean == "" || clean != strings.TrimPrefix(filepath.ToSlash(name), "/") {
		return "", fmt.Errorf("invalid document name %q", name)
	}
	return filepath.Join(s.dir, filepath.FromSlash(clean)), nil
}

// #region read
// Retrieve returns the stored document. ok is false when nothing is stored.
func (s *Store) Retrieve(name string) (string, bool) {
	p, err := s.path(name)
	if err != nil {
		return "", false
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Default returns the bundled document, if any.
func (s *Store) Default(name string) (string, bool) {
	if s.defaults == nil {
		return "", false
	}
	data, err := fs.ReadFile(s.defaults, path.Clean(filepath.ToSlash(name)))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Load resolves name through the fallback chain: stored value, then the
// bundled default, then "".
func (s *Store) Load(name string) string {
	if v, ok := s.Retrieve(name); ok {
		return v
	}
	if v, ok := s.Default(name); ok {
		return v
	}
	return ""
}
// #endregion read

// #region write
// Save writes value atomically. Documents named *.json must be valid JSON.
func (s *Store) Save(name, value string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if strings.HasSuffix(name, ".json") && !json.Valid([]byte(value)) {
		return fmt.Errorf("save %s: invalid json", name)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return writeAtomic(p, []byte(value))
}

// SaveJSON marshals v with four-space indent and saves it.
func (s *Store) SaveJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return s.Save(name, string(data))
}

// Remove deletes a stored document. Removing a missing document is not an error.
func (s *Store) Remove(name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

func writeAtomic(p string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(p), ".loop-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		// no-op after a successful rename
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}
// #endregion write
