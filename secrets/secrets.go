// Package secrets provides the protected secret store used for device-level
// key material. The store contract assumes platform-guaranteed
// confidentiality; the file-backed implementation layers a Sealer on top so
// that values are never written to disk in the clear.
package secrets

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned when a key is absent from the store.
var ErrNotFound = errors.New("secrets: key not found")

// Store is an opaque key-value store with platform-guaranteed
// confidentiality. Implementations must be safe for concurrent use.
type Store interface {
	Set(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
}

// MemoryStore is an in-memory Store for tests and ephemeral use.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Set stores a copy of value under key.
func (m *MemoryStore) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.values[key] = cp
	return nil
}

// Get retrieves a copy of the value stored under key.
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

// Delete removes key from the store. Deleting an absent key is not an error.
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// FileStore persists secrets as sealed files under a base directory.
// Each key maps to one file holding the sealed value.
type FileStore struct {
	dir    string
	sealer Sealer
	mu     sync.Mutex
}

// NewFileStore creates a file-backed store rooted at dir. The directory is
// created with owner-only permissions if it does not exist.
func NewFileStore(dir string, sealer Sealer) (*FileStore, error) {
	if sealer == nil {
		return nil, fmt.Errorf("secrets: sealer is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create secret store directory: %w", err)
	}
	return &FileStore{dir: dir, sealer: sealer}, nil
}

// Set seals and writes value under key. The write is atomic: the sealed
// blob lands in a temp file first and is renamed into place.
func (f *FileStore) Set(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sealed, err := f.sealer.Seal(value)
	if err != nil {
		return fmt.Errorf("failed to seal secret %q: %w", key, err)
	}

	path := f.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write secret %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit secret %q: %w", key, err)
	}
	return nil
}

// Get reads and unseals the value stored under key.
func (f *FileStore) Get(key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sealed, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read secret %q: %w", key, err)
	}

	value, err := f.sealer.Unseal(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal secret %q: %w", key, err)
	}
	return value, nil
}

// Delete removes the file for key. Absent keys are not an error.
func (f *FileStore) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete secret %q: %w", key, err)
	}
	return nil
}

// path maps a logical key to a filesystem path. Keys are base64-encoded so
// separators and other unsafe characters cannot escape the store directory.
func (f *FileStore) path(key string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(key))
	return filepath.Join(f.dir, name+".sealed")
}
