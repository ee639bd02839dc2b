package filestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DiskStore lays files out under root, sharded by the first two id
// characters to keep directories small.
type DiskStore struct {
	root string
}

func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root: %w", err)
	}
	return &DiskStore{root: root}, nil
}

func (s *DiskStore) path(fileID string) string {
	if len(fileID) < 2 {
		return filepath.Join(s.root, fileID)
	}
	return filepath.Join(s.root, fileID[:2], fileID)
}

func (s *DiskStore) Save(r io.Reader, fileID string) error {
	path := s.path(fileID)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	// Write via a temp file and rename, so a crashed download never
	// leaves a truncated payload behind.
	tmp, err := os.CreateTemp(dir, "download-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("writing payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publishing cache entry: %w", err)
	}
	return nil
}

func (s *DiskStore) Get(fileID string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(fileID))
	if err != nil {
		return nil, fmt.Errorf("cache miss for %s: %w", fileID, err)
	}
	return f, nil
}
