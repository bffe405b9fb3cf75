package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Store persists the credential shared between processes.
type Store interface {
	// Load returns the stored credential, or the zero Credential when none
	// is stored.
	Load() (Credential, error)

	// Save replaces the stored credential.
	Save(Credential) error

	// Clear removes the stored credential.
	Clear() error
}

// FileStore keeps the credential as a JSON file readable only by the
// current user. Writes go through a temporary file and rename so readers
// never observe a partial update.
type FileStore struct {
	path string
	mu   sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// DefaultSessionPath returns the per-user session file location.
func DefaultSessionPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("auth: config dir: %w", err)
	}
	return filepath.Join(dir, "zeroscript", "session.json"), nil
}

// Path returns the file location.
func (s *FileStore) Path() string { return s.path }

// Load implements Store.
func (s *FileStore) Load() (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return Credential{}, nil
	}
	if err != nil {
		return Credential{}, fmt.Errorf("auth: read session: %w", err)
	}
	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		return Credential{}, fmt.Errorf("auth: decode session %q: %w", s.path, err)
	}
	return c, nil
}

// Save implements Store.
func (s *FileStore) Save(c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: encode session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("auth: create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*.json")
	if err != nil {
		return fmt.Errorf("auth: write session: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("auth: write session: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("auth: write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("auth: write session: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("auth: write session: %w", err)
	}
	return nil
}

// Clear implements Store. Clearing a missing file is not an error.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("auth: clear session: %w", err)
	}
	return nil
}
