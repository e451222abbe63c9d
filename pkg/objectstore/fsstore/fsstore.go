// Package fsstore implements objectstore.Gateway on a local directory.
package fsstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fluxorio/claimbridge/pkg/objectstore"
)

// Store keeps each blob as a file below a root directory.
type Store struct {
	root string
}

// New creates a Store rooted at dir, creating the directory when needed.
func New(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("fsstore: root directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("fsstore: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("fsstore: create root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string {
	return s.root
}

// path maps a blob name to a file below root, rejecting traversal.
func (s *Store) path(name string) (string, error) {
	if err := objectstore.ValidateName(name); err != nil {
		return "", err
	}
	p := filepath.Join(s.root, filepath.FromSlash(name))
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes store root", objectstore.ErrInvalidName, name)
	}
	return p, nil
}

// Upload copies localPath into the store.
func (s *Store) Upload(ctx context.Context, name, localPath string) error {
	dst, err := s.path(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return objectstore.TransferError("upload", name, err)
	}
	defer src.Close()

	_, err = objectstore.WriteFileAtomic("upload", name, dst, src)
	return err
}

// Download copies the blob to localPath.
func (s *Store) Download(ctx context.Context, name, localPath string) error {
	src, err := s.path(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return objectstore.NotFoundError("download", name)
		}
		return objectstore.TransferError("download", name, err)
	}
	defer f.Close()

	_, err = objectstore.WriteFileAtomic("download", name, localPath, f)
	return err
}

// Delete removes the blob; a missing blob is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return objectstore.TransferError("delete", name, err)
	}
	return nil
}

// Exists reports whether the blob file is present.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	p, err := s.path(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, objectstore.TransferError("exists", name, err)
	}
	return info.Mode().IsRegular(), nil
}

var _ objectstore.Gateway = (*Store)(nil)
