package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStore implements Store using the local file system. Names are
// resolved relative to root; absolute names are used as is.
type LocalStore struct {
	root string
}

// NewLocalStore creates a new LocalStore rooted at the given directory.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) path(name string) string {
	if filepath.IsAbs(name) || s.root == "" {
		return name
	}
	return filepath.Join(s.root, name)
}

// Open opens a blob for reading.
func (s *LocalStore) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Exists reports whether the file exists.
func (s *LocalStore) Exists(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(s.path(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Create writes to a temporary file next to the target, renamed into place
// on Close.
func (s *LocalStore) Create(ctx context.Context, name string, clobber bool) (WritableBlob, error) {
	path := s.path(name)
	if !clobber {
		exists, err := s.Exists(ctx, name)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		}
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, err
	}
	return &localWritableBlob{f: f, path: path, clobber: clobber}, nil
}

type localWritableBlob struct {
	f       *os.File
	path    string
	clobber bool
	done    bool
}

func (b *localWritableBlob) Write(p []byte) (int, error) {
	return b.f.Write(p)
}

func (b *localWritableBlob) Close() error {
	if b.done {
		return errors.New("blobstore: already closed")
	}
	b.done = true
	if err := b.f.Sync(); err != nil {
		_ = b.f.Close()
		_ = os.Remove(b.f.Name())
		return err
	}
	if err := b.f.Close(); err != nil {
		_ = os.Remove(b.f.Name())
		return err
	}
	if !b.clobber {
		// Another writer may have got there first.
		if _, err := os.Stat(b.path); err == nil {
			_ = os.Remove(b.f.Name())
			return fmt.Errorf("%w: %s", ErrExists, b.path)
		}
	}
	return os.Rename(b.f.Name(), b.path)
}

func (b *localWritableBlob) Abort() error {
	if b.done {
		return nil
	}
	b.done = true
	_ = b.f.Close()
	return os.Remove(b.f.Name())
}
