package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/mo"
)

// FileStore keeps the checkpoint as a JSON document at a well-known path.
type FileStore struct {
	path string
}

// NewFileStore creates a FileStore, creating the parent directory if needed.
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &FileStore{path: filepath.Clean(path)}, nil
}

// Path returns the checkpoint file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the checkpoint. A missing file yields None.
func (s *FileStore) Load(_ context.Context) (mo.Option[Checkpoint], error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return mo.None[Checkpoint](), nil
	}
	if err != nil {
		return mo.None[Checkpoint](), fmt.Errorf("read checkpoint: %w", err)
	}
	cp, err := decode(data)
	if err != nil {
		return mo.None[Checkpoint](), err
	}
	return mo.Some(cp), nil
}

// Save writes the checkpoint through a temp file and rename so readers never
// observe a partial document.
func (s *FileStore) Save(_ context.Context, cp Checkpoint) error {
	data, err := encode(cp)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".checkpoint-*.json")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

// Clear deletes the checkpoint file. A missing file is not an error.
func (s *FileStore) Clear(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
