package artifacts

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bootvault/pkg/db/dbtest"
	"bootvault/pkg/errs"
)

func newTestStore(t *testing.T, cfg Config) (*Store, string) {
	t.Helper()

	root := t.TempDir()
	blobs, err := NewFSBlobs(root)
	require.NoError(t, err)

	store, err := New(cfg, dbtest.NewSQLite(t), blobs)
	require.NoError(t, err)
	return store, root
}

func readAll(t *testing.T, store *Store, stored string) []byte {
	t.Helper()

	rc, size, err := store.Get(context.Background(), stored)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.EqualValues(t, len(data), size)
	return data
}

func TestPutDerivesStoredNameAndDeduplicates(t *testing.T) {
	store, root := newTestStore(t, Config{})
	ctx := context.Background()

	first, err := store.Put(ctx, "image.iso", []byte("ABC"))
	require.NoError(t, err)
	assert.Equal(t, "image-902fbdd2b1df0c4f70b4a5d23525e932.iso", first.StoredName)
	assert.Equal(t, "902fbdd2b1df0c4f70b4a5d23525e932", first.Digest)
	assert.Equal(t, "image.iso", first.DisplayName)
	assert.EqualValues(t, 3, first.Size)

	second, err := store.Put(ctx, "image.iso", []byte("ABC"))
	require.NoError(t, err)
	assert.Equal(t, first.StoredName, second.StoredName)
	assert.True(t, first.CreatedAt.Equal(second.CreatedAt), "re-upload keeps the original record")

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	assert.Equal(t, []byte("ABC"), readAll(t, store, first.StoredName))
	_, err = os.Stat(filepath.Join(root, first.StoredName))
	require.NoError(t, err)
}

func TestPutSameBytesDifferentNames(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	ctx := context.Background()

	a, err := store.Put(ctx, "a.img", []byte("same"))
	require.NoError(t, err)
	b, err := store.Put(ctx, "b.img", []byte("same"))
	require.NoError(t, err)

	assert.Equal(t, a.Digest, b.Digest)
	assert.NotEqual(t, a.StoredName, b.StoredName)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.StoredName, list[0].StoredName, "newest first")
	assert.Equal(t, a.StoredName, list[1].StoredName)
}

func TestPutRejectsOversizedPayload(t *testing.T) {
	store, root := newTestStore(t, Config{MaxSize: 4})
	ctx := context.Background()

	_, err := store.Put(ctx, "big.bin", []byte("12345"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTooLarge)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries, "no partial write")

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = store.Put(ctx, "fits.bin", []byte("1234"))
	require.NoError(t, err)
}

func TestPutRejectsUnusableName(t *testing.T) {
	store, _ := newTestStore(t, Config{})

	_, err := store.Put(context.Background(), "../..", []byte("x"))
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestPutSanitizesTraversal(t *testing.T) {
	store, root := newTestStore(t, Config{})

	art, err := store.Put(context.Background(), "../../etc/passwd", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "etc_passwd-"+Digest([]byte("x")), art.StoredName)

	_, err = os.Stat(filepath.Join(root, art.StoredName))
	require.NoError(t, err)
}

func TestGetMissing(t *testing.T) {
	store, root := newTestStore(t, Config{})
	ctx := context.Background()

	_, _, err := store.Get(ctx, "nothing-here.iso")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, _, err = store.Get(ctx, "../secret")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// metadata without payload is still NotFound
	art, err := store.Put(ctx, "orphan.img", []byte("data"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(root, art.StoredName)))

	_, _, err = store.Get(ctx, art.StoredName)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, root := newTestStore(t, Config{})
	ctx := context.Background()

	art, err := store.Put(ctx, "image.iso", []byte("ABC"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, art.StoredName))
	require.NoError(t, store.Delete(ctx, art.StoredName))

	_, err = os.Stat(filepath.Join(root, art.StoredName))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = store.Find(ctx, art.StoredName)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeleteRemovesMetadataWhenPayloadMissing(t *testing.T) {
	store, root := newTestStore(t, Config{})
	ctx := context.Background()

	art, err := store.Put(ctx, "image.iso", []byte("ABC"))
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(root, art.StoredName)))

	require.NoError(t, store.Delete(ctx, art.StoredName))

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeleteRejectsUnsafeName(t *testing.T) {
	store, _ := newTestStore(t, Config{})

	err := store.Delete(context.Background(), "../bootvault.db")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

type failingBlobs struct {
	BlobStore
	putErr    error
	deleteErr error
}

func (f failingBlobs) Put(ctx context.Context, key string, r io.Reader, size int64, digest string) error {
	if f.putErr != nil {
		return f.putErr
	}
	return f.BlobStore.Put(ctx, key, r, size, digest)
}

func (f failingBlobs) Delete(ctx context.Context, key string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.BlobStore.Delete(ctx, key)
}

func TestStorageFaultsSurface(t *testing.T) {
	fsBlobs, err := NewFSBlobs(t.TempDir())
	require.NoError(t, err)

	blobs := failingBlobs{BlobStore: fsBlobs}
	store, err := New(Config{}, dbtest.NewSQLite(t), &blobs)
	require.NoError(t, err)
	ctx := context.Background()

	blobs.putErr = errors.New("disk full")
	_, err = store.Put(ctx, "image.iso", []byte("ABC"))
	assert.ErrorIs(t, err, errs.ErrStorage)
	assert.ErrorContains(t, err, "disk full")

	blobs.putErr = nil
	art, err := store.Put(ctx, "image.iso", []byte("ABC"))
	require.NoError(t, err)

	blobs.deleteErr = errors.New("permission denied")
	err = store.Delete(ctx, art.StoredName)
	assert.ErrorIs(t, err, errs.ErrStorage)
	assert.ErrorContains(t, err, "permission denied")

	// the metadata removal still happened
	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPresignUnsupportedOnFilesystem(t *testing.T) {
	store, _ := newTestStore(t, Config{})

	_, err := store.Presign(context.Background(), "image.iso", 0)
	assert.ErrorIs(t, err, ErrPresignUnsupported)
}
