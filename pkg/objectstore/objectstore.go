// Package objectstore defines the claim-check gateway: name-addressed blob
// upload, download, delete and existence checks.
//
// Contract shared by every backend:
//   - Download returns an error matching ErrNotFound for a missing blob and
//     ErrTransfer for any I/O fault. The destination never holds partial
//     content; data lands in a temporary sibling file that is renamed on success.
//   - Exists returns false, nil when the blob is missing.
//   - Delete of a missing blob succeeds.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound is returned when the named blob does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrTransfer is returned on I/O failure while moving blob content.
	ErrTransfer = errors.New("object transfer failed")

	// ErrInvalidName is returned for names the backend cannot address.
	ErrInvalidName = errors.New("invalid object name")
)

// Gateway is the uniform object store interface used by requesters and workers.
type Gateway interface {
	// Upload stores the file at localPath under name, replacing any previous blob.
	Upload(ctx context.Context, name, localPath string) error

	// Download writes the blob called name to localPath.
	Download(ctx context.Context, name, localPath string) error

	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// Exists reports whether the blob is present.
	Exists(ctx context.Context, name string) (bool, error)
}

// ValidateName rejects names no backend can store.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: contains NUL", ErrInvalidName)
	}
	return nil
}

// TransferError wraps err so it matches ErrTransfer while keeping the cause.
func TransferError(op, name string, err error) error {
	return &opError{op: op, name: name, kind: ErrTransfer, err: err}
}

// NotFoundError builds an error matching ErrNotFound for name.
func NotFoundError(op, name string) error {
	return &opError{op: op, name: name, kind: ErrNotFound}
}

type opError struct {
	op   string
	name string
	kind error
	err  error
}

func (e *opError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("objectstore %s %q: %v: %v", e.op, e.name, e.kind, e.err)
	}
	return fmt.Sprintf("objectstore %s %q: %v", e.op, e.name, e.kind)
}

func (e *opError) Is(target error) bool { return target == e.kind }

func (e *opError) Unwrap() error { return e.err }

// WriteFileAtomic streams src into localPath through a temporary file in the
// same directory and renames it into place only after a successful copy and
// close. On any failure the temporary file is removed and the error matches
// ErrTransfer. It returns the number of bytes written.
func WriteFileAtomic(op, name, localPath string, src io.Reader) (int64, error) {
	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, TransferError(op, name, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(localPath)+".part-*")
	if err != nil {
		return 0, TransferError(op, name, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	n, err := io.Copy(tmp, src)
	if err != nil {
		return n, TransferError(op, name, err)
	}
	if err := tmp.Sync(); err != nil {
		return n, TransferError(op, name, err)
	}
	if err := tmp.Close(); err != nil {
		return n, TransferError(op, name, err)
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		return n, TransferError(op, name, err)
	}
	committed = true
	return n, nil
}
