// Package persist keeps workflow state across process restarts: a namespaced
// key/value Store with file and SQLite backends, the auto-save envelope, a
// change watcher and the cross-process turbo run lock.
package persist

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Backend names accepted by OpenStore.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Store is a durable key/value store for serialized state.
type Store interface {
	// Load returns the value stored under key. found is false when the key
	// has never been written.
	Load(key string) (data []byte, found bool, err error)
	// Save replaces the value stored under key. A reader never observes a
	// partially written value.
	Save(key string, data []byte) error
	// WatchPath returns the file whose changes signal a new value for key.
	WatchPath(key string) string
	Close() error
}

// OpenStore opens the backend named kind rooted at stateDir.
func OpenStore(kind, stateDir string) (Store, error) {
	if err := EnsureStateDir(stateDir); err != nil {
		return nil, err
	}
	switch kind {
	case "", BackendFile:
		return NewFileStore(stateDir), nil
	case BackendSQLite:
		return OpenSQLiteStore(filepath.Join(stateDir, "state.db"))
	default:
		return nil, fmt.Errorf("unknown store backend %q (want %s or %s)", kind, BackendFile, BackendSQLite)
	}
}

// EnsureStateDir creates the state directory if needed.
func EnsureStateDir(stateDir string) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	return nil
}

// FileStore stores each key as one JSON file in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates a file store in dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

var keyReplacer = strings.NewReplacer("/", "-", "\\", "-", ":", "-")

// WatchPath returns the file holding key.
func (s *FileStore) WatchPath(key string) string {
	return filepath.Join(s.dir, keyReplacer.Replace(key)+".json")
}

// Load reads the file for key.
func (s *FileStore) Load(key string) ([]byte, bool, error) {
	data, err := os.ReadFile(s.WatchPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, true, nil
}

// Save writes to a temp file and renames it over the old value.
func (s *FileStore) Save(key string, data []byte) error {
	path := s.WatchPath(key)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) // Best effort cleanup
		return fmt.Errorf("renaming temp state file: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }

// Compile-time interface compliance check.
var _ Store = (*FileStore)(nil)
