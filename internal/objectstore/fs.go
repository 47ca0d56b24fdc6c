package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/spf13/afero"
)

// FSStore keeps objects as files under a directory.
type FSStore struct {
	fs  afero.Fs
	dir string
}

func NewFSStore(afs afero.Fs, dir string) (*FSStore, error) {
	if err := afs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}

	return &FSStore{fs: afs, dir: dir}, nil
}

func (s *FSStore) PutObject(_ context.Context, name string, data []byte) error {
	p := filepath.Join(s.dir, name)
	tmp := p + ".tmp"

	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return err
	}

	return s.fs.Rename(tmp, p)
}

func (s *FSStore) GetObject(_ context.Context, name string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, name)
	}

	return data, err
}

func (s *FSStore) RemoveObject(_ context.Context, name string) error {
	err := s.fs.Remove(filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return err
}
