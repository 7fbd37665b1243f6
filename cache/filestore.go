package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

// FileStore persists entries as JSON files, one per key, so the cache
// survives restarts and can be shared between processes on the same host
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("cache dir required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory holding the entries
func (fs *FileStore) Dir() string { return fs.dir }

// Load implements Reader
func (fs *FileStore) Load(key string) (*Entry, error) {
	data, err := os.ReadFile(fs.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &entry, nil
}

// Save implements Writer
func (fs *FileStore) Save(e *Entry) error {
	if e == nil {
		return errors.New("nil entry")
	}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}

	// Write to temporary file first, then rename (atomic operation)
	path := fs.path(e.Key)
	tmpPath := path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// Delete implements Writer
func (fs *FileStore) Delete(key string) error {
	err := os.Remove(fs.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Clear implements Writer
func (fs *FileStore) Clear() error {
	matches, err := filepath.Glob(filepath.Join(fs.dir, "*.json"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (fs *FileStore) path(key string) string {
	return filepath.Join(fs.dir, fileName(key))
}
