package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// File permissions for the mapping file and its directory.
const (
	fileDirPermissions  = 0750
	fileFilePermissions = 0600
)

// FileStore keeps the mapping in a single JSON file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by the JSON file at path.
// The file and its directory are created on first use.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the location of the mapping file.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the mapping. A missing file is created holding an empty object
// and an empty map is returned. Records without a client_id take their key
// as id.
func (s *FileStore) Load(ctx context.Context) (map[string]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		empty := map[string]Record{}
		if err := s.write(empty); err != nil {
			return nil, err
		}
		return empty, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}

	records := map[string]Record{}
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptStore, s.path, err)
	}
	for key, r := range records {
		if r.ID == "" {
			r.ID = key
			records[key] = r
		}
	}
	return records, nil
}

// Save atomically replaces the file with records.
func (s *FileStore) Save(ctx context.Context, records map[string]Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(records); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(records)
}

// write serialises records to a temp file in the target directory, syncs
// it and renames it over the target. The temp file is removed on every
// failure path.
func (s *FileStore) write(records map[string]Record) (err error) {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding records: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, fileDirPermissions); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	closed := false
	defer func() {
		if !closed {
			tmp.Close() //nolint:errcheck // Already failing
		}
		if err != nil {
			os.Remove(tmpName) //nolint:errcheck // Best effort cleanup
		}
	}()

	if err = tmp.Chmod(fileFilePermissions); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", tmpName, err)
	}
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	closed = true
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}
