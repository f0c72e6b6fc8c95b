package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"bootvault/pkg/errs"
)

// BlobStore persists artifact payloads keyed by stored name.
//
// Open reports errs.ErrNotFound when no payload exists. Delete of an absent key succeeds.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, digest string) error
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, key string) error
}

// FSBlobs stores payloads as flat files under a root directory.
type FSBlobs struct {
	root string
}

// NewFSBlobs creates the root directory if needed.
func NewFSBlobs(root string) (*FSBlobs, error) {
	if root == "" {
		return nil, errors.New("blob root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSBlobs{root: root}, nil
}

// Put writes to a temporary file and renames it over the key so readers never observe a partial
// payload. Concurrent writers of the same key race to a whole file; the last rename wins.
func (b *FSBlobs) Put(ctx context.Context, key string, r io.Reader, _ int64, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(b.root, ".upload-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, filepath.Join(b.root, key))
}

func (b *FSBlobs) Open(_ context.Context, key string) (io.ReadCloser, int64, error) {
	f, err := os.Open(filepath.Join(b.root, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, errs.NotFoundf("artifact %q not found", key)
		}
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, 0, errs.NotFoundf("artifact %q not found", key)
	}
	return f, info.Size(), nil
}

func (b *FSBlobs) Delete(_ context.Context, key string) error {
	err := os.Remove(filepath.Join(b.root, key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
